package undo

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/logger"
)

// Pool hands out the heap's lanes to transactions.
type Pool struct {
	h     *heap.Heap
	lanes []*Lane
	free  chan *Lane
	ov    atomic.Pointer[Overflow]
}

// NewPool wraps every lane of h. Call Recover before the first Acquire.
func NewPool(h *heap.Heap) *Pool {
	n := h.Superblock().Lanes
	p := &Pool{h: h, lanes: make([]*Lane, n), free: make(chan *Lane, n)}
	for i := range n {
		p.lanes[i] = newLane(h, i, &p.ov)
		p.free <- p.lanes[i]
	}
	return p
}

// Recover rolls back every lane left active by a crashed process and returns
// how many were rolled back.
func (p *Pool) Recover() (int, error) {
	rolled := 0
	for _, l := range p.lanes {
		if !l.Active() {
			continue
		}
		if err := l.Rollback(); err != nil {
			return rolled, fmt.Errorf("undo: recover lane %d: %w", l.index, err)
		}
		rolled++
	}
	if rolled > 0 {
		logger.Info("heap recovered", "lanes_rolled_back", rolled, "uuid", p.h.Superblock().UUID)
	}
	return rolled, nil
}

// SetOverflow lets every lane extend into blocks from o once its fixed area
// is full. A nil o turns extension off for lanes that have not extended yet.
// Chunks already linked are released through the source they came from only
// if it is still set, otherwise on the next allocator rebuild.
func (p *Pool) SetOverflow(o Overflow) {
	if o == nil {
		p.ov.Store(nil)
		return
	}
	p.ov.Store(&o)
}

// Acquire takes a free lane, waiting until one is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Lane, error) {
	select {
	case l := <-p.free:
		return l, nil
	default:
	}
	select {
	case l := <-p.free:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a lane to the pool. The lane must be clear.
func (p *Pool) Release(l *Lane) {
	p.free <- l
}

// Len returns the total number of lanes.
func (p *Pool) Len() int { return len(p.lanes) }
