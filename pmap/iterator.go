package pmap

import (
	"context"
	"math/bits"
)

// Entry is one key/value pair.
type Entry struct {
	Key   int64
	Value int64
}

// Iterator walks the map in list order, one bucket at a time. Each bucket is
// read under its lock and buffered, so the iteration is weakly consistent:
// entries added or removed in buckets not yet reached may or may not be seen.
type Iterator struct {
	m    *Map
	ctx  context.Context
	next int64 // sentinel of the next bucket to read, 0 at the end
	buf  []Entry
	pos  int
	cur  Entry
	ok   bool
	err  error
}

// Iterator returns an iterator positioned before the first entry.
func (m *Map) Iterator(ctx context.Context) *Iterator {
	it := &Iterator{m: m, ctx: ctx, next: m.head}
	if m.deleted.Load() {
		it.err = ErrDeleted
	}
	return it
}

// Next advances to the next entry and reports whether there is one.
func (it *Iterator) Next() bool {
	it.ok = false
	for it.pos >= len(it.buf) {
		if it.err != nil || it.next == 0 {
			return false
		}
		it.fill()
	}
	it.cur = it.buf[it.pos]
	it.pos++
	it.ok = true
	return true
}

func (it *Iterator) fill() {
	it.buf = it.buf[:0]
	it.pos = 0
	s, err := it.m.node(it.next)
	if err != nil {
		it.err = err
		return
	}
	b := bits.Reverse32(s.sortKey())
	it.err = it.m.tm.Run(it.ctx, func(context.Context) error {
		it.buf = it.buf[:0]
		it.next = 0
		for a := s.next(); a != 0; {
			nd, err := it.m.node(a)
			if err != nil {
				return err
			}
			if nd.sentinel() {
				it.next = a
				return nil
			}
			it.buf = append(it.buf, Entry{Key: nd.key(), Value: nd.value()})
			a = nd.next()
		}
		return nil
	}, it.m.table.slot(b))
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry { return it.cur }

// Remove deletes the current entry from the map.
func (it *Iterator) Remove() error {
	if !it.ok {
		return nil
	}
	it.ok = false
	_, err := it.m.Remove(it.ctx, it.cur.Key)
	return err
}

// Err returns the first error met while iterating.
func (it *Iterator) Err() error { return it.err }

// ForEach calls fn for every entry until fn returns false.
func (m *Map) ForEach(ctx context.Context, fn func(e Entry) bool) error {
	it := m.Iterator(ctx)
	for it.Next() {
		if !fn(it.Entry()) {
			break
		}
	}
	return it.Err()
}

// Keys returns every key in list order.
func (m *Map) Keys(ctx context.Context) ([]int64, error) {
	var keys []int64
	err := m.ForEach(ctx, func(e Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys, err
}
