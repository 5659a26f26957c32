package object

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/tx"
)

// CollectStats summarizes one collection pass.
type CollectStats struct {
	Candidates int // candidate set size at the start of the pass
	Freed      int // objects freed by the pass
	Restored   int // candidates found live and returned to black
	Skipped    int // garbage components that changed under the pass and were kept
	Failed     int // components whose free transaction failed
	Replayed   int // stashed color changes applied
}

// collector reclaims garbage cycles by trial deletion over the candidate set.
// While a pass runs, mutators stash color changes instead of writing them, so
// the durable colors and candidate set stay fixed under the pass. Marks and
// trial counts live only in the pass.
type collector struct {
	rt         *Runtime
	processing atomic.Bool
	passes     atomic.Uint64

	mu    sync.Mutex
	stash map[int64]Color
}

func newCollector(rt *Runtime) *collector {
	return &collector{rt: rt, stash: make(map[int64]Color)}
}

func (c *collector) stashColor(addr int64, col Color) {
	c.mu.Lock()
	c.stash[addr] = col
	c.mu.Unlock()
}

// forget drops a stashed change for a freed object.
func (c *collector) forget(addr int64) {
	c.mu.Lock()
	delete(c.stash, addr)
	c.mu.Unlock()
}

// replay applies stashed color changes, in address order.
func (c *collector) replay(ctx context.Context) (int, error) {
	c.mu.Lock()
	stash := c.stash
	c.stash = make(map[int64]Color)
	c.mu.Unlock()

	addrs := make([]int64, 0, len(stash))
	for a := range stash {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)

	rt := c.rt
	n := 0
	for _, a := range addrs {
		col := stash[a]
		err := rt.tm.Run(ctx, func(ctx context.Context) error {
			o, err := rt.cache.get(ctx, a, true)
			if errors.Is(err, ErrFreed) || errors.Is(err, ErrNotObject) {
				return nil
			}
			if err != nil {
				return err
			}
			t := tx.FromContext(ctx)
			if err := t.Lock(o); err != nil {
				return err
			}
			if o.freed.Load() {
				return nil
			}
			if col != Purple {
				return rt.writeColor(t, o, col)
			}
			if o.refCount() == 0 {
				return nil
			}
			if err := rt.writeColor(t, o, Purple); err != nil {
				return err
			}
			_, err = rt.candidates.Put(ctx, o.addr, 1)
			return err
		})
		if err != nil {
			return n, fmt.Errorf("object: replay color of %#x: %w", a, err)
		}
		n++
	}
	return n, nil
}

// pass is the volatile state of one collection.
type pass struct {
	rt    *Runtime
	objs  map[int64]*Object
	kids  map[int64][]int64
	count map[int64]int32
	start map[int64]Color // durable color when loaded
	color map[int64]Color
}

func (c *collector) collect(ctx context.Context) (CollectStats, error) {
	var stats CollectStats
	if tx.FromContext(ctx) != nil {
		return stats, ErrInTransaction
	}
	if !c.processing.CompareAndSwap(false, true) {
		return stats, ErrCollecting
	}
	defer c.passes.Add(1)

	n, err := c.replay(ctx)
	stats.Replayed += n
	if err == nil {
		err = c.run(ctx, &stats)
	}

	n, rerr := c.replay(ctx)
	stats.Replayed += n
	c.processing.Store(false)
	// Changes stashed by transactions that saw the flag before it cleared.
	n, lerr := c.replay(ctx)
	stats.Replayed += n

	return stats, errors.Join(err, rerr, lerr)
}

func (c *collector) run(ctx context.Context, stats *CollectStats) error {
	rt := c.rt
	addrs, err := rt.candidates.Keys(ctx)
	if err != nil {
		return err
	}
	slices.Sort(addrs)
	stats.Candidates = len(addrs)

	p := &pass{
		rt:    rt,
		objs:  make(map[int64]*Object),
		kids:  make(map[int64][]int64),
		count: make(map[int64]int32),
		start: make(map[int64]Color),
		color: make(map[int64]Color),
	}

	var roots []*Object
	for _, a := range addrs {
		o, err := rt.cache.get(ctx, a, true)
		if errors.Is(err, ErrFreed) || errors.Is(err, ErrNotObject) {
			if _, err := rt.candidates.Remove(ctx, a); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := p.load(ctx, o); err != nil {
			return err
		}
		if p.start[a] == Purple {
			if err := p.markGrey(ctx, o); err != nil {
				return err
			}
			roots = append(roots, o)
			continue
		}
		freed, err := c.dropCandidate(ctx, o)
		if err != nil {
			return err
		}
		stats.Freed += freed
	}

	for _, o := range roots {
		p.scan(o)
	}

	var errs []error
	for _, comp := range p.whiteComponents() {
		freed, ok, err := c.freeComponent(ctx, p, comp)
		switch {
		case err != nil:
			logger.Warn("collect component failed", "size", len(comp), "error", err)
			stats.Failed++
			errs = append(errs, fmt.Errorf("object: free component at %#x: %w", comp[0], err))
		case !ok:
			stats.Skipped++
		}
		stats.Freed += freed
	}

	for _, o := range roots {
		if p.color[o.addr] != Black {
			continue
		}
		if err := c.restore(ctx, o); err != nil {
			return errors.Join(append(errs, err)...)
		}
		stats.Restored++
	}
	return errors.Join(errs...)
}

// dropCandidate removes a candidate that regained a reference, freeing it if
// nothing refers to it any more. It returns the number of objects freed.
func (c *collector) dropCandidate(ctx context.Context, o *Object) (int, error) {
	rt := c.rt
	freed := 0
	err := rt.tm.Run(ctx, func(ctx context.Context) error {
		freed = 0
		if o.freed.Load() {
			return nil
		}
		if _, err := rt.candidates.Remove(ctx, o.addr); err != nil {
			return err
		}
		if o.color() == Black && o.refCount() == 0 {
			if err := rt.freeCascade(ctx, o); err != nil {
				return err
			}
		}
		freed = freedIn(tx.FromContext(ctx))
		return nil
	}, o)
	if err != nil {
		return 0, err
	}
	return freed, nil
}

// restore returns a live candidate to black and out of the candidate set.
func (c *collector) restore(ctx context.Context, o *Object) error {
	rt := c.rt
	return rt.tm.Run(ctx, func(ctx context.Context) error {
		if o.freed.Load() {
			return nil
		}
		if _, err := rt.candidates.Remove(ctx, o.addr); err != nil {
			return err
		}
		return rt.writeColor(tx.FromContext(ctx), o, Black)
	}, o)
}

// load reads o's count and references once per pass.
func (p *pass) load(ctx context.Context, o *Object) error {
	if _, ok := p.objs[o.addr]; ok {
		return nil
	}
	return o.locked(ctx, func() error {
		p.objs[o.addr] = o
		p.count[o.addr] = o.refCount()
		p.start[o.addr] = o.color()
		p.kids[o.addr] = o.children()
		return nil
	})
}

// markGrey trial-deletes the edges reachable from root.
func (p *pass) markGrey(ctx context.Context, root *Object) error {
	stack := []int64{root.addr}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.color[a] == Grey {
			continue
		}
		p.color[a] = Grey
		for _, k := range p.kids[a] {
			if _, ok := p.objs[k]; !ok {
				child, err := p.rt.cache.get(ctx, k, true)
				if err != nil {
					return fmt.Errorf("object: %#x references %#x: %w", a, k, err)
				}
				if err := p.load(ctx, child); err != nil {
					return err
				}
			}
			p.count[k]--
			if p.color[k] != Grey {
				stack = append(stack, k)
			}
		}
	}
	return nil
}

// scan whitens grey objects whose trial count reached zero and restores the
// rest, with everything they reach, to black.
func (p *pass) scan(root *Object) {
	stack := []int64{root.addr}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.color[a] != Grey {
			continue
		}
		if p.count[a] > 0 {
			p.scanBlack(a)
			continue
		}
		p.color[a] = White
		stack = append(stack, p.kids[a]...)
	}
}

func (p *pass) scanBlack(root int64) {
	p.color[root] = Black
	stack := []int64{root}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, k := range p.kids[a] {
			p.count[k]++
			if p.color[k] != Black {
				p.color[k] = Black
				stack = append(stack, k)
			}
		}
	}
}

// whiteComponents groups white objects into components connected by
// references in either direction, each sorted by address.
func (p *pass) whiteComponents() [][]int64 {
	parent := make(map[int64]int64)
	var find func(a int64) int64
	find = func(a int64) int64 {
		for parent[a] != a {
			parent[a] = parent[parent[a]]
			a = parent[a]
		}
		return a
	}
	var whites []int64
	for a, col := range p.color {
		if col == White {
			parent[a] = a
			whites = append(whites, a)
		}
	}
	slices.Sort(whites)
	for _, a := range whites {
		for _, k := range p.kids[a] {
			if p.color[k] != White {
				continue
			}
			ra, rk := find(a), find(k)
			if ra != rk {
				parent[max(ra, rk)] = min(ra, rk)
			}
		}
	}
	groups := make(map[int64][]int64)
	var order []int64
	for _, a := range whites {
		r := find(a)
		if _, ok := groups[r]; !ok {
			order = append(order, r)
		}
		groups[r] = append(groups[r], a)
	}
	out := make([][]int64, 0, len(order))
	for _, r := range order {
		out = append(out, groups[r])
	}
	return out
}

// freeComponent frees a white component if, with all members locked, every
// member's count is fully explained by references from inside the component.
// Otherwise a mutator changed the graph during the pass and the component is
// left for a later pass. It returns the number of objects freed, including
// those freed in cascade, and whether the component was garbage.
func (c *collector) freeComponent(ctx context.Context, p *pass, comp []int64) (int, bool, error) {
	rt := c.rt
	members := make([]tx.Locker, 0, len(comp))
	objs := make([]*Object, 0, len(comp))
	in := make(map[int64]bool, len(comp))
	for _, a := range comp {
		o := p.objs[a]
		members = append(members, o)
		objs = append(objs, o)
		in[a] = true
	}

	ok, freed := false, 0
	err := rt.tm.Run(ctx, func(ctx context.Context) error {
		ok, freed = false, 0
		internal := make(map[int64]int32, len(comp))
		kids := make(map[int64][]int64, len(comp))
		for _, o := range objs {
			if o.freed.Load() {
				return nil
			}
			kids[o.addr] = o.children()
			for _, k := range kids[o.addr] {
				if in[k] {
					internal[k]++
				}
			}
		}
		for _, o := range objs {
			if o.refCount() != internal[o.addr] {
				return nil
			}
		}

		t := tx.FromContext(ctx)
		for _, o := range objs {
			for _, k := range kids[o.addr] {
				if in[k] {
					continue
				}
				child, err := rt.cache.get(ctx, k, true)
				if err != nil {
					return err
				}
				if err := t.Lock(child); err != nil {
					return err
				}
				if child.freed.Load() {
					continue
				}
				rc := child.refCount()
				if rc <= 0 {
					rt.corrupted(child.addr, "reference count underflow")
				}
				w, err := t.Region(child.region)
				if err != nil {
					return err
				}
				w.PutInt(offRefCount, rc-1)
				if rc == 1 {
					if err := rt.freeCascade(ctx, child); err != nil {
						return err
					}
					continue
				}
				if err := rt.candidate(ctx, child); err != nil {
					return err
				}
			}
		}
		for _, o := range objs {
			if err := rt.free(ctx, o); err != nil {
				return err
			}
		}
		ok, freed = true, freedIn(t)
		return nil
	}, members...)
	if err != nil {
		return 0, false, err
	}
	return freed, ok, nil
}
