package object

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/tx"
)

// reclaimer frees objects whose last handle died while their reference count
// was zero. Cleanups only enqueue; the work happens on the worker goroutine.
type reclaimer struct {
	rt *Runtime
	c  *Cache

	mu     sync.Mutex
	queue  []int64
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool

	reclaimed atomic.Uint64
}

func newReclaimer(rt *Runtime, c *Cache) *reclaimer {
	return &reclaimer{
		rt:   rt,
		c:    c,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (r *reclaimer) start() { go r.run() }

// enqueue is the cleanup function of a tracked handle.
func (r *reclaimer) enqueue(addr int64) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, addr)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *reclaimer) run() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.stop:
			r.drain()
			return
		}
	}
}

// close stops the worker after it finishes the queued work.
func (r *reclaimer) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	close(r.stop)
	<-r.done
}

func (r *reclaimer) drain() {
	for {
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, addr := range batch {
			r.reclaim(addr)
		}
	}
}

func (r *reclaimer) reclaim(addr int64) {
	if !r.c.reclaimable(addr) {
		return
	}
	freed := false
	err := r.rt.tm.Run(context.Background(), func(ctx context.Context) error {
		freed = false
		o, err := r.c.get(ctx, addr, true)
		if errors.Is(err, ErrFreed) || errors.Is(err, ErrNotObject) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.FromContext(ctx).Lock(o); err != nil {
			return err
		}
		if o.freed.Load() || o.refCount() != 0 || !r.c.reclaimable(addr) {
			return nil
		}
		freed = true
		return r.rt.freeCascade(ctx, o)
	})
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			logger.Warn("reclaim failed", "addr", addr, "error", err)
		}
		return
	}
	if freed {
		r.reclaimed.Add(1)
		logger.Debug("reclaimed unreferenced object", "addr", addr)
	}
}
