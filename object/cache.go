package object

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/joshuapare/pmemkit/heap/alloc"
	"github.com/joshuapare/pmemkit/tx"
	"github.com/joshuapare/pmemkit/types"
)

// CacheStats counts handle cache activity.
type CacheStats struct {
	Hits       uint64 // lookups served by a live handle
	Misses     uint64 // lookups that rebuilt a handle from the heap
	Promotions uint64 // handles that became tracked for reclamation
	Reclaimed  uint64 // unreferenced objects freed after their handle died
	Entries    int    // cache entries, live or not yet pruned
}

type cacheEntry struct {
	wp weak.Pointer[Object]
	// tracked entries have a cleanup registered: the handle was given to a
	// caller and its death may leave a zero-count object to reclaim.
	tracked bool
}

// Cache maps addresses to handles without keeping them alive. Concurrent
// misses for one address are collapsed so at most one handle exists.
type Cache struct {
	rt *Runtime

	mu          sync.Mutex
	entries     map[int64]*cacheEntry
	uncommitted map[int64]struct{}

	flight singleflight.Group
	rec    *reclaimer

	hits       atomic.Uint64
	misses     atomic.Uint64
	promotions atomic.Uint64
}

func newCache(rt *Runtime) *Cache {
	c := &Cache{
		rt:          rt,
		entries:     make(map[int64]*cacheEntry),
		uncommitted: make(map[int64]struct{}),
	}
	c.rec = newReclaimer(rt, c)
	return c
}

// Get returns the handle for addr, rebuilding it from the heap if none is
// live. A nil handle is returned for address 0.
func (c *Cache) Get(ctx context.Context, addr int64) (*Object, error) {
	return c.get(ctx, addr, false)
}

// GetAdmin is Get for runtime internals: it neither counts toward statistics
// nor makes the handle reclaimable.
func (c *Cache) GetAdmin(ctx context.Context, addr int64) (*Object, error) {
	return c.get(ctx, addr, true)
}

// Peek returns the live handle for addr without touching the heap, or nil.
func (c *Cache) Peek(addr int64) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(addr)
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Promotions: c.promotions.Load(),
		Reclaimed:  c.rec.reclaimed.Load(),
		Entries:    n,
	}
}

func (c *Cache) liveLocked(addr int64) *Object {
	e := c.entries[addr]
	if e == nil {
		return nil
	}
	o := e.wp.Value()
	if o == nil || o.freed.Load() {
		delete(c.entries, addr)
		return nil
	}
	return o
}

func (c *Cache) get(ctx context.Context, addr int64, admin bool) (*Object, error) {
	if addr == 0 {
		return nil, nil
	}
	if err := c.rt.open(); err != nil {
		return nil, err
	}
	if o := c.Peek(addr); o != nil {
		if !admin {
			c.hits.Add(1)
			c.promote(o)
		}
		return o, nil
	}

	v, err, _ := c.flight.Do(strconv.FormatInt(addr, 16), func() (any, error) {
		c.mu.Lock()
		if o := c.liveLocked(addr); o != nil {
			c.mu.Unlock()
			return o, nil
		}
		c.mu.Unlock()

		o, err := c.rt.reconstruct(addr)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if prev := c.liveLocked(addr); prev != nil {
			return prev, nil
		}
		c.entries[addr] = &cacheEntry{wp: weak.Make(o)}
		return o, nil
	})
	if err != nil {
		return nil, err
	}
	o := v.(*Object)
	if !admin {
		c.misses.Add(1)
		c.promote(o)
	}
	return o, nil
}

// promote registers o for reclamation once it becomes unreachable.
func (c *Cache) promote(o *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[o.addr]
	if e == nil || e.tracked || e.wp.Value() != o {
		return
	}
	if _, pending := c.uncommitted[o.addr]; pending {
		return
	}
	e.tracked = true
	c.promotions.Add(1)
	runtime.AddCleanup(o, c.rec.enqueue, o.addr)
}

// constructed caches a handle created by t. The object is invisible to the
// reclaimer until t commits; an abort retires the handle.
func (c *Cache) constructed(t *tx.Tx, o *Object) {
	c.mu.Lock()
	c.entries[o.addr] = &cacheEntry{wp: weak.Make(o)}
	c.uncommitted[o.addr] = struct{}{}
	c.mu.Unlock()

	t.OnCommit(func() {
		c.mu.Lock()
		delete(c.uncommitted, o.addr)
		c.mu.Unlock()
		c.promote(o)
	})
	t.OnAbort(func() {
		o.freed.Store(true)
		c.remove(o)
		c.mu.Lock()
		delete(c.uncommitted, o.addr)
		c.mu.Unlock()
	})
}

// remove drops o's entry if it still maps to o.
func (c *Cache) remove(o *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entries[o.addr]; e != nil {
		if p := e.wp.Value(); p == nil || p == o {
			delete(c.entries, o.addr)
		}
	}
}

// reclaimable reports whether addr has no live tracked handle and no pending
// construction.
func (c *Cache) reclaimable(addr int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, pending := c.uncommitted[addr]; pending {
		return false
	}
	e := c.entries[addr]
	if e == nil {
		return true
	}
	o := e.wp.Value()
	if o == nil {
		delete(c.entries, addr)
		return true
	}
	return !e.tracked
}

// reconstruct builds a handle for the object stored at addr.
func (rt *Runtime) reconstruct(addr int64) (*Object, error) {
	r, err := rt.al.Region(addr)
	if err != nil {
		if errors.Is(err, alloc.ErrNotAllocated) {
			return nil, fmt.Errorf("%w: %#x", ErrFreed, addr)
		}
		return nil, fmt.Errorf("%w: %#x: %w", ErrNotObject, addr, err)
	}
	if r.Size() < types.HeaderSize {
		return nil, fmt.Errorf("%w: %#x: block too small", ErrNotObject, addr)
	}
	name, ok := rt.names.name(r.GetLong(offTypeName))
	if !ok {
		return nil, fmt.Errorf("%w: %#x: no type name", ErrNotObject, addr)
	}
	desc, err := rt.reg.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("object: %#x: %w", addr, err)
	}
	var length int64
	if desc.IsArray() {
		if r.Size() < types.ElementsOffset {
			return nil, fmt.Errorf("%w: %#x: block too small for %s", ErrNotObject, addr, name)
		}
		length = int64(r.GetInt(types.LengthOffset))
	}
	size, err := desc.AllocationSize(length)
	if err != nil || size > r.Size() {
		return nil, fmt.Errorf("%w: %#x: %s does not fit its block", ErrNotObject, addr, name)
	}
	region, err := rt.h.Region(addr, size)
	if err != nil {
		return nil, err
	}
	if err := desc.Reconstruct(addr); err != nil {
		return nil, fmt.Errorf("object: reconstruct %s@%#x: %w", name, addr, err)
	}
	return rt.newHandle(desc, addr, length, region), nil
}
