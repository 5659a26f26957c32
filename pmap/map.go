package pmap

import (
	"context"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/alloc"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/tx"
)

// Map is a handle to a durable map. It is safe for concurrent use.
type Map struct {
	tm    *tx.Manager
	al    *alloc.Allocator
	h     *heap.Heap
	opts  Options
	head  int64
	table *table

	deleted atomic.Bool
}

// pendingKey finds sentinels created by the running transaction. They are
// published to the table only when it commits.
type pendingKey struct {
	m    *Map
	slot uint32
}

// New creates an empty map. If ctx carries a transaction the head is
// allocated in it.
func New(ctx context.Context, tm *tx.Manager, al *alloc.Allocator, opts Options) (*Map, error) {
	m := newMap(tm, al, opts)
	var head int64
	err := tm.Run(ctx, func(ctx context.Context) error {
		var err error
		head, err = m.newNode(tx.FromContext(ctx), sentinelKey(0), 0, sentinelValue, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pmap: create: %w", err)
	}
	m.head = head
	m.table.publish(0, head)
	return m, nil
}

// Open attaches to the map whose head sentinel is at head and rebuilds the
// bucket table from the node list.
func Open(tm *tx.Manager, al *alloc.Allocator, head int64, opts Options) (*Map, error) {
	m := newMap(tm, al, opts)
	m.head = head

	type found struct {
		slot uint32
		addr int64
	}
	var (
		sentinels []found
		maxSlot   uint32
		prev      uint32
		n         int64
	)
	limit := m.h.Size() / NodeSize
	for a := head; a != 0; {
		nd, err := m.node(a)
		if err != nil {
			return nil, err
		}
		k := nd.sortKey()
		if a == head && (k != sentinelKey(0) || nd.value() != sentinelValue) {
			return nil, fmt.Errorf("%w: %#x is not a head sentinel", ErrCorrupt, head)
		}
		if k < prev {
			return nil, fmt.Errorf("%w: order %#08x after %#08x at %#x", ErrCorrupt, k, prev, a)
		}
		if n++; n > limit {
			return nil, fmt.Errorf("%w: cycle from %#x", ErrCorrupt, head)
		}
		if isSentinel(k) {
			s := bits.Reverse32(k)
			sentinels = append(sentinels, found{s, a})
			maxSlot = max(maxSlot, s)
		}
		prev = k
		a = nd.next()
	}

	c := m.table.initial
	for c <= maxSlot && c < MaxCapacity {
		c <<= 1
	}
	m.table.capacity.Store(c)
	for _, s := range sentinels {
		m.table.publish(s.slot, s.addr)
	}
	logger.Debug("pmap opened", "head", head, "nodes", n, "buckets", len(sentinels), "capacity", c)
	return m, nil
}

func newMap(tm *tx.Manager, al *alloc.Allocator, opts Options) *Map {
	opts = opts.withDefaults()
	return &Map{
		tm:    tm,
		al:    al,
		h:     tm.Heap(),
		opts:  opts,
		table: newTable(1 << opts.InitialSizePower),
	}
}

// Head returns the address of the head sentinel, used to reopen the map.
func (m *Map) Head() int64 { return m.head }

// Capacity returns the current number of buckets.
func (m *Map) Capacity() int { return int(m.table.capacity.Load()) }

// Resizes returns how many times the capacity doubled since the map was opened.
func (m *Map) Resizes() int { return int(m.table.resizes.Load()) }

// Put sets key to value and returns the previous value, or NotFound.
func (m *Map) Put(ctx context.Context, key, value int64) (int64, error) {
	if value < 0 {
		return NotFound, fmt.Errorf("%w: %d", ErrNegativeValue, value)
	}
	return m.update(ctx, key, value, setValue)
}

// PutIfAbsent sets key to value only if key is absent. It returns the
// existing value, or NotFound when the entry was added.
func (m *Map) PutIfAbsent(ctx context.Context, key, value int64) (int64, error) {
	if value < 0 {
		return NotFound, fmt.Errorf("%w: %d", ErrNegativeValue, value)
	}
	return m.update(ctx, key, value, keepValue)
}

// Increment adds one to key's value, inserting 1 if absent, and returns the
// previous value or NotFound.
func (m *Map) Increment(ctx context.Context, key int64) (int64, error) {
	return m.update(ctx, key, 1, incValue)
}

// Get returns key's value, or NotFound.
func (m *Map) Get(ctx context.Context, key int64) (int64, error) {
	var v int64
	err := m.locate(ctx, key, func(t *tx.Tx, pos position) error {
		v = NotFound
		if pos.match != 0 {
			nd, err := m.node(pos.match)
			if err != nil {
				return err
			}
			v = nd.value()
		}
		return nil
	})
	return v, err
}

// ContainsKey reports whether key is present.
func (m *Map) ContainsKey(ctx context.Context, key int64) (bool, error) {
	v, err := m.Get(ctx, key)
	return v != NotFound, err
}

// Remove deletes key and returns its previous value, or NotFound.
func (m *Map) Remove(ctx context.Context, key int64) (int64, error) {
	return m.remove(ctx, key, false)
}

// Decrement subtracts one from key's value and returns the previous value,
// or NotFound. An entry whose value would drop below one is removed.
func (m *Map) Decrement(ctx context.Context, key int64) (int64, error) {
	return m.remove(ctx, key, true)
}

type updateMode int

const (
	setValue updateMode = iota
	keepValue
	incValue
)

func (m *Map) update(ctx context.Context, key, value int64, mode updateMode) (int64, error) {
	var prev int64
	var walked int64
	err := m.locate(ctx, key, func(t *tx.Tx, pos position) error {
		walked = pos.count
		if pos.match == 0 {
			prev = NotFound
			a, err := m.newNode(t, regularKey(hash(key)), key, value, pos.next)
			if err != nil {
				return err
			}
			return m.setNext(t, pos.prev, a)
		}
		nd, err := m.node(pos.match)
		if err != nil {
			return err
		}
		prev = nd.value()
		v := value
		switch mode {
		case keepValue:
			return nil
		case incValue:
			v = prev + 1
		}
		w, err := t.Region(nd.r)
		if err != nil {
			return err
		}
		w.PutLong(nodeValue, v)
		return nil
	})
	if err != nil {
		return NotFound, err
	}
	if walked > m.opts.ResizeThreshold && m.table.capacity.Load() < MaxCapacity && !m.table.resizing.Load() {
		if m.table.grow() {
			logger.Debug("pmap resized", "head", m.head, "capacity", m.table.capacity.Load(), "walked", walked)
		}
	}
	return prev, nil
}

func (m *Map) remove(ctx context.Context, key int64, decrement bool) (int64, error) {
	var prev int64
	err := m.locate(ctx, key, func(t *tx.Tx, pos position) error {
		prev = NotFound
		if pos.match == 0 {
			return nil
		}
		nd, err := m.node(pos.match)
		if err != nil {
			return err
		}
		prev = nd.value()
		if decrement && prev > 1 {
			w, err := t.Region(nd.r)
			if err != nil {
				return err
			}
			w.PutLong(nodeValue, prev-1)
			return nil
		}
		if err := m.setNext(t, pos.prev, nd.next()); err != nil {
			return err
		}
		return m.al.Free(t, pos.match)
	})
	if err != nil {
		return NotFound, err
	}
	return prev, nil
}

// position is where a key sits in its bucket.
type position struct {
	prev  int64 // node before match, or before the insertion point
	match int64 // node holding the key, 0 if absent
	next  int64 // node an insertion goes before
	count int64 // nodes walked
}

// locate runs fn in a transaction holding key's bucket lock, with the key's
// position in the list. When the walk crosses another bucket's sentinel the
// capacity changed under it; the lookup restarts with the new capacity.
func (m *Map) locate(ctx context.Context, key int64, fn func(t *tx.Tx, pos position) error) error {
	if m.deleted.Load() {
		return ErrDeleted
	}
	h := hash(key)
	rk := regularKey(h)
	for {
		b := m.table.bucket(h)
		stepped := false
		err := m.tm.Run(ctx, func(ctx context.Context) error {
			t := tx.FromContext(ctx)
			s, err := m.sentinel(t, b)
			if err != nil {
				return err
			}
			pos, ok, err := m.seek(s, rk, key)
			if err != nil {
				return err
			}
			if !ok {
				stepped = true
				return nil
			}
			return fn(t, pos)
		}, m.table.slot(b))
		if err != nil {
			return err
		}
		if !stepped {
			return nil
		}
	}
}

// seek walks from sentinel s to the first node not sorting before rk. It
// reports false if the walk would cross another sentinel.
func (m *Map) seek(s int64, rk uint32, key int64) (position, bool, error) {
	cur, err := m.node(s)
	if err != nil {
		return position{}, false, err
	}
	pos := position{prev: s}
	for next := cur.next(); next != 0; {
		nd, err := m.node(next)
		if err != nil {
			return position{}, false, err
		}
		k := nd.sortKey()
		if rk < k {
			pos.next = next
			return pos, true, nil
		}
		if rk > k && isSentinel(k) {
			return position{}, false, nil
		}
		if rk == k && nd.key() == key {
			pos.match = next
			pos.next = nd.next()
			return pos, true, nil
		}
		pos.prev = next
		pos.count++
		next = nd.next()
	}
	return pos, true, nil
}

// sentinel returns bucket b's sentinel, creating it (and any missing
// ancestors) inside t. A sentinel is spliced in under its parent bucket's
// lock, and under the lock of every sentinel the walk steps over.
func (m *Map) sentinel(t *tx.Tx, b uint32) (int64, error) {
	if a := m.table.sentinel(b); a != 0 {
		return a, nil
	}
	if a, ok := t.Local(pendingKey{m, b}).(int64); ok {
		return a, nil
	}
	parent := parentSlot(b)
	ps, err := m.sentinel(t, parent)
	if err != nil {
		return 0, err
	}
	if err := t.Lock(m.table.slot(parent)); err != nil {
		return 0, err
	}
	if a := m.table.sentinel(b); a != 0 {
		return a, nil
	}

	sk := sentinelKey(b)
	prev := ps
	cur, err := m.node(ps)
	if err != nil {
		return 0, err
	}
	next := cur.next()
	for next != 0 {
		nd, err := m.node(next)
		if err != nil {
			return 0, err
		}
		k := nd.sortKey()
		if sk < k {
			break
		}
		if sk == k {
			m.table.publish(b, next)
			return next, nil
		}
		if isSentinel(k) {
			if err := t.Lock(m.table.slot(bits.Reverse32(k))); err != nil {
				return 0, err
			}
		}
		prev = next
		next = nd.next()
	}

	a, err := m.newNode(t, sk, int64(b), sentinelValue, next)
	if err != nil {
		return 0, err
	}
	if err := m.setNext(t, prev, a); err != nil {
		return 0, err
	}
	t.SetLocal(pendingKey{m, b}, a)
	t.OnCommit(func() { m.table.publish(b, a) })
	return a, nil
}

func (m *Map) newNode(t *tx.Tx, sortKey uint32, key, value, next int64) (int64, error) {
	r, err := m.al.Alloc(t, NodeSize)
	if err != nil {
		return 0, err
	}
	w, err := t.Region(r)
	if err != nil {
		return 0, err
	}
	w.PutInt(nodeHash, int32(sortKey))
	w.PutLong(nodeKey, key)
	w.PutLong(nodeValue, value)
	w.PutLong(nodeNext, next)
	return r.Addr(), nil
}

func (m *Map) setNext(t *tx.Tx, addr, next int64) error {
	nd, err := m.node(addr)
	if err != nil {
		return err
	}
	w, err := t.Region(nd.r)
	if err != nil {
		return err
	}
	w.PutLong(nodeNext, next)
	return nil
}

// Size counts the entries.
func (m *Map) Size(ctx context.Context) (int, error) {
	n := 0
	it := m.Iterator(ctx)
	for it.Next() {
		n++
	}
	return n, it.Err()
}

// deleteBatch bounds the nodes unlinked per transaction by Delete.
const deleteBatch = 64

// Delete frees every entry and sentinel. If removeHead is set the head is
// freed too and the map can no longer be used. Delete must not run
// concurrently with other operations on the map.
func (m *Map) Delete(ctx context.Context, removeHead bool) error {
	if m.deleted.Load() {
		return ErrDeleted
	}
	for done := false; !done; {
		err := m.tm.Run(ctx, func(ctx context.Context) error {
			t := tx.FromContext(ctx)
			head, err := m.node(m.head)
			if err != nil {
				return err
			}
			next := head.next()
			for i := 0; i < deleteBatch && next != 0; i++ {
				nd, err := m.node(next)
				if err != nil {
					return err
				}
				if err := m.al.Free(t, next); err != nil {
					return err
				}
				next = nd.next()
			}
			done = next == 0
			return m.setNext(t, m.head, next)
		}, m.table.slot(0))
		if err != nil {
			return fmt.Errorf("pmap: delete: %w", err)
		}
	}
	if !removeHead {
		m.table.reset(m.head)
		return nil
	}
	err := m.tm.Run(ctx, func(ctx context.Context) error {
		return m.al.Free(tx.FromContext(ctx), m.head)
	}, m.table.slot(0))
	if err != nil {
		return fmt.Errorf("pmap: delete head: %w", err)
	}
	m.deleted.Store(true)
	m.table.reset(0)
	return nil
}
