package pmap

import (
	"sync"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/tx"
)

// slot is one bucket: its sentinel address once materialized, and the lock
// that guards the nodes between its sentinel and the next one.
type slot struct {
	sentinel atomic.Int64
	mu       *tx.Mutex
}

func (s *slot) TxMutex() *tx.Mutex { return s.mu }

var _ tx.Locker = (*slot)(nil)

// table is the volatile bucket index. Slots are created on first touch, so a
// capacity doubling costs nothing until the new buckets are used.
type table struct {
	initial  uint32
	slots    sync.Map // uint32 -> *slot
	capacity atomic.Uint32
	resizing atomic.Bool
	resizes  atomic.Uint32
}

func newTable(capacity uint32) *table {
	t := &table{initial: capacity}
	t.capacity.Store(capacity)
	return t
}

func (t *table) slot(i uint32) *slot {
	if s, ok := t.slots.Load(i); ok {
		return s.(*slot)
	}
	s, _ := t.slots.LoadOrStore(i, &slot{mu: tx.NewMutex()})
	return s.(*slot)
}

// sentinel returns the published sentinel of bucket i, or 0.
func (t *table) sentinel(i uint32) int64 { return t.slot(i).sentinel.Load() }

// publish records addr as bucket i's sentinel unless one is already set.
func (t *table) publish(i uint32, addr int64) {
	t.slot(i).sentinel.CompareAndSwap(0, addr)
}

func (t *table) bucket(h uint32) uint32 {
	return h & (t.capacity.Load() - 1)
}

// grow doubles the capacity. Only one caller wins a concurrent race; the
// others return false.
func (t *table) grow() bool {
	if !t.resizing.CompareAndSwap(false, true) {
		return false
	}
	defer t.resizing.Store(false)
	c := t.capacity.Load()
	if c >= MaxCapacity {
		return false
	}
	t.capacity.Store(c << 1)
	t.resizes.Add(1)
	return true
}

// reset forgets every bucket but the head.
func (t *table) reset(head int64) {
	t.slots.Clear()
	t.capacity.Store(t.initial)
	if head != 0 {
		t.publish(0, head)
	}
}
