package object

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/alloc"
	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/pmap"
	"github.com/joshuapare/pmemkit/tx"
	"github.com/joshuapare/pmemkit/types"
)

// Options configures a Runtime.
type Options struct {
	// Debug maintains the all-objects index, which enables CheckRefCounts
	// and the zero-count sweep at Open.
	Debug bool

	TxConfig    tx.Config
	MapOptions  pmap.Options
	SizeClasses alloc.SizeClassConfig // zero value selects alloc.DefaultConfig
}

// DefaultOptions returns the production configuration.
func DefaultOptions() Options {
	return Options{
		TxConfig:    tx.DefaultConfig(),
		MapOptions:  pmap.DefaultOptions(),
		SizeClasses: alloc.DefaultConfig,
	}
}

// Stats is a point-in-time summary of runtime activity.
type Stats struct {
	Cache       CacheStats
	Tx          tx.Stats
	Alloc       alloc.Stats
	Freed       uint64 // objects freed since open
	Collections uint64 // completed collection passes
	TypeNames   int    // interned type names
}

// Runtime owns the durable objects of one heap.
type Runtime struct {
	h     *heap.Heap
	reg   *types.Registry
	tm    *tx.Manager
	al    *alloc.Allocator
	names *typeNames
	cache *Cache
	coll  *collector
	opts  Options

	candidates *pmap.Map
	all        *pmap.Map // debug only

	rootLock *tx.Mutex
	freed    atomic.Uint64
	closed   atomic.Bool
}

// Open attaches a runtime to h. The registry is frozen, incomplete
// transactions are rolled back, and the type name chain and candidate set are
// loaded, or created on a fresh heap.
func Open(ctx context.Context, h *heap.Heap, reg *types.Registry, opts Options) (*Runtime, error) {
	start := time.Now()
	if opts.SizeClasses == (alloc.SizeClassConfig{}) {
		opts.SizeClasses = alloc.DefaultConfig
	}
	reg.Freeze()

	tm, err := tx.NewManager(h, opts.TxConfig)
	if err != nil {
		return nil, fmt.Errorf("object: open: %w", err)
	}
	al, err := alloc.New(h, opts.SizeClasses)
	if err != nil {
		return nil, fmt.Errorf("object: open: %w", err)
	}
	tm.SetOverflow(al)
	names, err := loadTypeNames(h, al)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		h:        h,
		reg:      reg,
		tm:       tm,
		al:       al,
		names:    names,
		opts:     opts,
		rootLock: tx.NewMutex(),
	}
	rt.cache = newCache(rt)
	rt.coll = newCollector(rt)

	for _, n := range reg.Names() {
		if _, err := names.intern(ctx, tm, n); err != nil {
			return nil, err
		}
	}
	if rt.candidates, err = rt.openMap(ctx, heap.RootCandidates); err != nil {
		return nil, fmt.Errorf("object: candidate set: %w", err)
	}
	if opts.Debug {
		if rt.all, err = rt.openMap(ctx, heap.RootAllObjects); err != nil {
			return nil, fmt.Errorf("object: object index: %w", err)
		}
	}
	rt.cache.rec.start()

	if opts.Debug {
		n, err := rt.sweep(ctx)
		if err != nil {
			rt.cache.rec.close()
			return nil, fmt.Errorf("object: sweep: %w", err)
		}
		if n > 0 {
			logger.Info("freed unreferenced objects", "count", n)
		}
	}

	logger.Info("runtime opened",
		"types", names.len(),
		"debug", opts.Debug,
		"elapsed", time.Since(start))
	return rt, nil
}

func (rt *Runtime) openMap(ctx context.Context, slot int) (*pmap.Map, error) {
	if head := readRoot(rt.h, slot); head != 0 {
		return pmap.Open(rt.tm, rt.al, head, rt.opts.MapOptions)
	}
	var m *pmap.Map
	err := rt.tm.Run(ctx, func(ctx context.Context) error {
		var err error
		m, err = pmap.New(ctx, rt.tm, rt.al, rt.opts.MapOptions)
		if err != nil {
			return err
		}
		return writeRoot(tx.FromContext(ctx), rt.h, slot, m.Head())
	})
	return m, err
}

// Close applies stashed collector work and stops the reclaim worker. The heap
// stays open; closing it is the caller's job.
func (rt *Runtime) Close() error {
	if rt.closed.Load() {
		return nil
	}
	_, err := rt.coll.replay(context.Background())
	rt.cache.rec.close()
	rt.closed.Store(true)
	return err
}

func (rt *Runtime) open() error {
	if rt.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Heap returns the underlying heap.
func (rt *Runtime) Heap() *heap.Heap { return rt.h }

// Manager returns the transaction manager.
func (rt *Runtime) Manager() *tx.Manager { return rt.tm }

// Allocator returns the heap allocator.
func (rt *Runtime) Allocator() *alloc.Allocator { return rt.al }

// Registry returns the frozen type registry.
func (rt *Runtime) Registry() *types.Registry { return rt.reg }

// Cache returns the handle cache.
func (rt *Runtime) Cache() *Cache { return rt.cache }

// Stats returns runtime counters.
func (rt *Runtime) Stats() Stats {
	return Stats{
		Cache:       rt.cache.Stats(),
		Tx:          rt.tm.Stats(),
		Alloc:       rt.al.Stats(),
		Freed:       rt.freed.Load(),
		Collections: rt.coll.passes.Load(),
		TypeNames:   rt.names.len(),
	}
}

// Run executes body as a transaction; see tx.Manager.Run.
func (rt *Runtime) Run(ctx context.Context, body func(ctx context.Context) error, lockers ...tx.Locker) error {
	if err := rt.open(); err != nil {
		return err
	}
	return rt.tm.Run(ctx, body, lockers...)
}

// Get returns the handle for the object at addr.
func (rt *Runtime) Get(ctx context.Context, addr int64) (*Object, error) {
	return rt.cache.get(ctx, addr, false)
}

// New constructs a zeroed struct object. It starts with no references: link
// it from a reachable object or SetRoot, or it is reclaimed once its handle
// is gone.
func (rt *Runtime) New(ctx context.Context, desc *types.Descriptor) (*Object, error) {
	if desc.IsArray() {
		return nil, fmt.Errorf("%w: %s is an array type", ErrTypeMismatch, desc.Name())
	}
	return rt.allocate(ctx, desc, 0, nil)
}

// NewArray constructs a zeroed array of n elements.
func (rt *Runtime) NewArray(ctx context.Context, desc *types.Descriptor, n int) (*Object, error) {
	if !desc.IsArray() {
		return nil, fmt.Errorf("%w: %s is not an array type", ErrTypeMismatch, desc.Name())
	}
	return rt.allocate(ctx, desc, int64(n), nil)
}

// NewArrayOf constructs a primitive array holding vals, each truncated to the
// element width.
func (rt *Runtime) NewArrayOf(ctx context.Context, desc *types.Descriptor, vals []int64) (*Object, error) {
	if !desc.IsArray() || desc.ElemKind() == types.KindObject {
		return nil, fmt.Errorf("%w: %s is not a primitive array type", ErrTypeMismatch, desc.Name())
	}
	k := desc.ElemKind()
	n := int64(len(vals))
	return rt.allocate(ctx, desc, n, func(w heap.Region) {
		staging := heap.NewVolatileRegion(n * k.Size())
		for i, v := range vals {
			store(staging, int64(i)*k.Size(), k, v)
		}
		heap.Copy(staging, 0, w, types.ElementsOffset, staging.Size())
	})
}

func (rt *Runtime) allocate(ctx context.Context, desc *types.Descriptor, n int64, fill func(w heap.Region)) (*Object, error) {
	if err := rt.open(); err != nil {
		return nil, err
	}
	if d, err := rt.reg.Lookup(desc.Name()); err != nil || d != desc {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknown, desc.Name())
	}
	size, err := desc.AllocationSize(n)
	if err != nil {
		return nil, err
	}
	nameAddr, ok := rt.names.lookup(desc.Name())
	if !ok {
		return nil, fmt.Errorf("%w: %s has no interned name", types.ErrUnknown, desc.Name())
	}

	var o *Object
	err = rt.tm.Run(ctx, func(ctx context.Context) error {
		t := tx.FromContext(ctx)
		r, err := rt.al.Alloc(t, size)
		if err != nil {
			return err
		}
		w, err := t.Region(r)
		if err != nil {
			return err
		}
		w.PutLong(offTypeName, nameAddr)
		w.PutShort(offVersion, int16(desc.Version()))
		w.PutByte(offColor, byte(Black))
		if desc.IsArray() {
			w.PutInt(types.LengthOffset, int32(n))
		}
		if fill != nil {
			fill(w)
		}
		region, err := rt.h.Region(r.Addr(), size)
		if err != nil {
			return err
		}
		o = rt.newHandle(desc, r.Addr(), n, region)
		rt.cache.constructed(t, o)
		if rt.all != nil {
			if _, err := rt.all.Put(ctx, o.addr, 1); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// SetRoot makes o, or nothing when o is nil, the heap's root object. The root
// slot counts as a reference.
func (rt *Runtime) SetRoot(ctx context.Context, o *Object) error {
	if err := rt.open(); err != nil {
		return err
	}
	if o != nil && o.rt != rt {
		return ErrForeignObject
	}
	return rt.tm.Run(ctx, func(ctx context.Context) error {
		t := tx.FromContext(ctx)
		old := readRoot(rt.h, heap.RootObject)
		var nv int64
		if o != nil {
			if err := t.Lock(o); err != nil {
				return err
			}
			if err := o.live(); err != nil {
				return err
			}
			nv = o.addr
		}
		if nv == old {
			return nil
		}
		if err := writeRoot(t, rt.h, heap.RootObject, nv); err != nil {
			return err
		}
		if o != nil {
			if err := rt.addReference(ctx, o); err != nil {
				return err
			}
		}
		if old == 0 {
			return nil
		}
		prev, err := rt.cache.get(ctx, old, true)
		if err != nil {
			return err
		}
		return rt.deleteReference(ctx, prev)
	}, rt.rootLock)
}

// Root returns the root object, or nil if none is set.
func (rt *Runtime) Root(ctx context.Context) (*Object, error) {
	if err := rt.open(); err != nil {
		return nil, err
	}
	var a int64
	err := rt.tm.WithLock(ctx, rt.rootLock, func() error {
		a = readRoot(rt.h, heap.RootObject)
		return nil
	})
	if err != nil || a == 0 {
		return nil, err
	}
	return rt.Get(ctx, a)
}

// Collect runs one cycle collection pass over the candidate set. Only one
// pass runs at a time; a concurrent call fails with ErrCollecting.
func (rt *Runtime) Collect(ctx context.Context) (CollectStats, error) {
	if err := rt.open(); err != nil {
		return CollectStats{}, err
	}
	start := time.Now()
	stats, err := rt.coll.collect(ctx)
	if err != nil {
		if stats.Failed > 0 {
			logger.Warn("collection incomplete", "freed", stats.Freed, "failed", stats.Failed, "error", err)
		}
		return stats, err
	}
	logger.Info("collection done",
		"candidates", stats.Candidates,
		"freed", stats.Freed,
		"restored", stats.Restored,
		"skipped", stats.Skipped,
		"elapsed", time.Since(start))
	return stats, nil
}

// Candidates returns the addresses in the cycle candidate set.
func (rt *Runtime) Candidates(ctx context.Context) ([]int64, error) {
	return rt.candidates.Keys(ctx)
}
