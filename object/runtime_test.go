package object

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/heap/undo"
	"github.com/joshuapare/pmemkit/pmap"
	"github.com/joshuapare/pmemkit/tx"
	"github.com/joshuapare/pmemkit/types"
)

// Node fields.
const (
	nodeValue = 0
	nodeNext  = 1
	nodeOther = 2
)

var (
	nodeType  = types.MustStruct("test.Node", 1, types.Long, types.Object, types.Object)
	pointType = types.MustStruct("test.Point", 2, types.Int, types.Int, types.Short, types.Byte)
	boxType   = types.MustStruct("test.Box", 1, types.Final(types.Long), types.Final(types.Object))
	longsType = types.MustArray("test.Longs", 1, types.KindLong)
	refsType  = types.MustArray("test.Refs", 1, types.KindObject)
)

func testOptions(debug bool) Options {
	opts := DefaultOptions()
	opts.Debug = debug
	opts.MapOptions = pmap.Options{InitialSizePower: 4, ResizeThreshold: 4}
	opts.TxConfig = tx.Config{
		LockTimeout:      5 * time.Millisecond,
		MaxLockTimeout:   20 * time.Millisecond,
		TimeoutFactor:    1.5,
		MaxAttempts:      50,
		BaseRetryDelay:   time.Millisecond,
		MaxRetryDelay:    5 * time.Millisecond,
		NonTxLockTimeout: 200 * time.Millisecond,
	}
	return opts
}

func heapOptions() heap.Options {
	return heap.Options{Size: 16 << 20, Lanes: 8, LaneSize: 64 << 10, Mode: dirty.FlushAuto}
}

func newRegistry(t *testing.T) *types.Registry {
	t.Helper()
	reg, err := types.NewRegistry(nodeType, pointType, boxType, longsType, refsType)
	require.NoError(t, err)
	return reg
}

func setupRuntime(t *testing.T, debug bool) *Runtime {
	t.Helper()
	h, err := heap.NewVolatile(heapOptions())
	require.NoError(t, err)
	rt, err := Open(context.Background(), h, newRegistry(t), testOptions(debug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func newNode(t *testing.T, rt *Runtime, v int64) *Object {
	t.Helper()
	o, err := rt.New(context.Background(), nodeType)
	require.NoError(t, err)
	require.NoError(t, o.SetLong(context.Background(), nodeValue, v))
	return o
}

func refCount(t *testing.T, o *Object) int32 {
	t.Helper()
	rc, err := o.RefCount(context.Background())
	require.NoError(t, err)
	return rc
}

func isCandidate(t *testing.T, rt *Runtime, o *Object) bool {
	t.Helper()
	ok, err := rt.candidates.ContainsKey(context.Background(), o.Addr())
	require.NoError(t, err)
	return ok
}

func Test_Runtime_DeleteLastReferenceFrees(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)

	root := newNode(t, rt, 1)
	require.NoError(t, rt.SetRoot(ctx, root))
	o := newNode(t, rt, 2)
	child := newNode(t, rt, 3)
	require.NoError(t, o.SetRef(ctx, nodeNext, child))

	require.NoError(t, root.SetRef(ctx, nodeNext, o))
	require.NoError(t, root.SetRef(ctx, nodeOther, o))
	require.Equal(t, int32(2), refCount(t, o))

	require.NoError(t, root.SetRef(ctx, nodeNext, nil))
	require.Equal(t, int32(1), refCount(t, o))
	c, err := o.Color(ctx)
	require.NoError(t, err)
	require.Equal(t, Purple, c)
	require.True(t, isCandidate(t, rt, o))

	addr, childAddr := o.Addr(), child.Addr()
	require.NoError(t, root.SetRef(ctx, nodeOther, nil))

	require.True(t, o.Freed())
	require.True(t, child.Freed(), "freeing cascades to objects only it referenced")
	require.False(t, isCandidate(t, rt, o))
	require.Nil(t, rt.Cache().Peek(addr))
	require.False(t, rt.Allocator().IsAllocated(childAddr))

	_, err = rt.Get(ctx, addr)
	require.ErrorIs(t, err, ErrFreed)
	_, err = o.Long(ctx, nodeValue)
	require.ErrorIs(t, err, ErrFreed)

	bad, err := rt.CheckRefCounts(ctx)
	require.NoError(t, err)
	require.Empty(t, bad)
}

func Test_Runtime_CollectFreesCycle(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)

	root := newNode(t, rt, 0)
	require.NoError(t, rt.SetRoot(ctx, root))
	x := newNode(t, rt, 1)
	y := newNode(t, rt, 2)
	require.NoError(t, rt.Run(ctx, func(ctx context.Context) error {
		if err := x.SetRef(ctx, nodeNext, y); err != nil {
			return err
		}
		if err := y.SetRef(ctx, nodeNext, x); err != nil {
			return err
		}
		return root.SetRef(ctx, nodeNext, x)
	}))
	require.Equal(t, int32(2), refCount(t, x))

	require.NoError(t, root.SetRef(ctx, nodeNext, nil))
	require.False(t, x.Freed(), "the cycle keeps both counts above zero")
	require.True(t, isCandidate(t, rt, x))

	stats, err := rt.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Candidates)
	assert.Equal(t, 2, stats.Freed)
	assert.Zero(t, stats.Skipped)
	require.True(t, x.Freed())
	require.True(t, y.Freed())

	cands, err := rt.Candidates(ctx)
	require.NoError(t, err)
	require.Empty(t, cands)
	live, err := rt.Objects(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{root.Addr()}, live)
}

func Test_Runtime_CollectRestoresLiveCandidate(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)

	root := newNode(t, rt, 0)
	require.NoError(t, rt.SetRoot(ctx, root))
	x := newNode(t, rt, 1)
	y := newNode(t, rt, 2)
	require.NoError(t, rt.Run(ctx, func(ctx context.Context) error {
		if err := x.SetRef(ctx, nodeNext, y); err != nil {
			return err
		}
		if err := y.SetRef(ctx, nodeNext, x); err != nil {
			return err
		}
		if err := root.SetRef(ctx, nodeNext, x); err != nil {
			return err
		}
		return root.SetRef(ctx, nodeOther, x)
	}))
	require.NoError(t, root.SetRef(ctx, nodeOther, nil))
	require.True(t, isCandidate(t, rt, x))

	stats, err := rt.Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Freed)
	assert.Equal(t, 1, stats.Restored)
	require.False(t, x.Freed())
	require.False(t, y.Freed())
	require.False(t, isCandidate(t, rt, x))
	c, err := x.Color(ctx)
	require.NoError(t, err)
	require.Equal(t, Black, c)

	bad, err := rt.CheckRefCounts(ctx)
	require.NoError(t, err)
	require.Empty(t, bad)
}

func Test_Runtime_CollectFreesUnreferencedCandidate(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	o := newNode(t, rt, 1)
	_, err := rt.candidates.Put(ctx, o.Addr(), 1)
	require.NoError(t, err)

	stats, err := rt.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Freed, "a black candidate with no references is garbage")
	require.True(t, o.Freed())
}

func Test_Runtime_CollectBusy(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	rt.coll.processing.Store(true)
	_, err := rt.Collect(ctx)
	require.ErrorIs(t, err, ErrCollecting)
	rt.coll.processing.Store(false)

	err = rt.Run(ctx, func(ctx context.Context) error {
		_, err := rt.Collect(ctx)
		return err
	})
	require.ErrorIs(t, err, ErrInTransaction)

	_, err = rt.Collect(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), rt.Stats().Collections)
}

func Test_Runtime_ColorChangesStashedDuringCollection(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	root := newNode(t, rt, 0)
	require.NoError(t, rt.SetRoot(ctx, root))
	o := newNode(t, rt, 1)
	require.NoError(t, root.SetRef(ctx, nodeNext, o))
	require.NoError(t, root.SetRef(ctx, nodeOther, o))

	rt.coll.processing.Store(true)
	require.NoError(t, root.SetRef(ctx, nodeOther, nil))
	c, err := o.Color(ctx)
	require.NoError(t, err)
	require.Equal(t, Black, c, "durable color untouched while the collector runs")
	require.False(t, isCandidate(t, rt, o))
	require.Equal(t, int32(1), refCount(t, o), "counts are never deferred")

	n, err := rt.coll.replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	rt.coll.processing.Store(false)

	c, err = o.Color(ctx)
	require.NoError(t, err)
	require.Equal(t, Purple, c)
	require.True(t, isCandidate(t, rt, o))
}

func Test_Runtime_StashDroppedForFreedObject(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	root := newNode(t, rt, 0)
	require.NoError(t, rt.SetRoot(ctx, root))
	o := newNode(t, rt, 1)
	require.NoError(t, root.SetRef(ctx, nodeNext, o))
	require.NoError(t, root.SetRef(ctx, nodeOther, o))

	rt.coll.processing.Store(true)
	require.NoError(t, root.SetRef(ctx, nodeOther, nil))
	require.NoError(t, root.SetRef(ctx, nodeNext, nil))
	require.True(t, o.Freed())

	n, err := rt.coll.replay(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "free wins over a stashed color")
	rt.coll.processing.Store(false)
}

func Test_Object_Accessors(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	p, err := rt.New(ctx, pointType)
	require.NoError(t, err)
	require.Equal(t, 4, p.Len())
	require.Equal(t, uint16(2), p.Version())

	require.NoError(t, p.SetInt(ctx, 0, -7))
	require.NoError(t, p.SetInt(ctx, 1, 1<<30))
	require.NoError(t, p.SetShort(ctx, 2, -3))
	require.NoError(t, p.SetByte(ctx, 3, 0xfe))

	x, err := p.Int(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), x)
	y, err := p.Int(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(1<<30), y)
	s, err := p.Short(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int16(-3), s)
	b, err := p.Byte(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, byte(0xfe), b)

	_, err = p.Long(ctx, 0)
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = p.Int(ctx, 4)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	require.ErrorIs(t, p.SetInt(ctx, -1, 0), ErrIndexOutOfRange)
	require.ErrorIs(t, p.SetRef(ctx, 0, nil), ErrTypeMismatch)
}

func Test_Object_WritesFollowTransaction(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)
	o := newNode(t, rt, 10)

	boom := errors.New("boom")
	err := rt.Run(ctx, func(ctx context.Context) error {
		if err := o.SetLong(ctx, nodeValue, 20); err != nil {
			return err
		}
		v, err := o.Long(ctx, nodeValue)
		require.NoError(t, err)
		require.Equal(t, int64(20), v, "reads see the transaction's own writes")
		return boom
	})
	require.ErrorIs(t, err, boom)

	v, err := o.Long(ctx, nodeValue)
	require.NoError(t, err)
	require.Equal(t, int64(10), v, "abort restores the field")
}

func Test_Object_FinalFields(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)
	box, err := rt.New(ctx, boxType)
	require.NoError(t, err)
	require.NoError(t, rt.SetRoot(ctx, box))
	n := newNode(t, rt, 1)

	require.NoError(t, box.SetLong(ctx, 0, 42))
	require.ErrorIs(t, box.SetLong(ctx, 0, 43), ErrAlreadyInitialized)
	require.NoError(t, box.SetRef(ctx, 1, n))
	require.ErrorIs(t, box.SetRef(ctx, 1, nil), ErrAlreadyInitialized)
	require.Equal(t, int32(1), refCount(t, n), "a rejected write leaves counts alone")

	v, err := box.Long(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func Test_Object_FinalZeroIsFinal(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)
	box, err := rt.New(ctx, boxType)
	require.NoError(t, err)
	require.NoError(t, rt.SetRoot(ctx, box))
	n := newNode(t, rt, 1)

	require.NoError(t, box.SetLong(ctx, 0, 0))
	require.ErrorIs(t, box.SetLong(ctx, 0, 7), ErrAlreadyInitialized)
	require.NoError(t, box.SetRef(ctx, 1, nil))
	require.ErrorIs(t, box.SetRef(ctx, 1, n), ErrAlreadyInitialized)
	require.Equal(t, int32(0), refCount(t, n))

	// An aborted first write leaves the field writable.
	other, err := rt.New(ctx, boxType)
	require.NoError(t, err)
	require.NoError(t, rt.SetRoot(ctx, other))
	failed := errors.New("abort")
	err = rt.Run(ctx, func(ctx context.Context) error {
		if err := other.SetLong(ctx, 0, 5); err != nil {
			return err
		}
		return failed
	})
	require.ErrorIs(t, err, failed)
	require.NoError(t, other.SetLong(ctx, 0, 6))
	v, err := other.Long(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(6), v)
}

// buildNodes creates n nodes in one transaction, links node i to node i+1
// (the last to the first when ring is set) and roots the first.
func buildNodes(t *testing.T, rt *Runtime, n int, ring bool) []*Object {
	t.Helper()
	ctx := context.Background()
	nodes := make([]*Object, n)
	require.NoError(t, rt.Run(ctx, func(ctx context.Context) error {
		for i := range nodes {
			o, err := rt.New(ctx, nodeType)
			if err != nil {
				return err
			}
			nodes[i] = o
		}
		for i := range n - 1 {
			if err := nodes[i].SetRef(ctx, nodeNext, nodes[i+1]); err != nil {
				return err
			}
		}
		if ring {
			if err := nodes[n-1].SetRef(ctx, nodeNext, nodes[0]); err != nil {
				return err
			}
		}
		return rt.SetRoot(ctx, nodes[0])
	}))
	return nodes
}

func openDefaultRuntime(t *testing.T) *Runtime {
	t.Helper()
	h, err := heap.NewVolatile(heap.DefaultOptions())
	require.NoError(t, err)
	rt, err := Open(context.Background(), h, newRegistry(t), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func Test_Runtime_FreeLongList(t *testing.T) {
	ctx := context.Background()
	rt := openDefaultRuntime(t)
	const n = 10000
	nodes := buildNodes(t, rt, n, false)

	require.NoError(t, rt.SetRoot(ctx, nil))
	for _, o := range nodes {
		require.True(t, o.Freed())
	}
	require.Equal(t, uint64(n), rt.Stats().Freed)
	require.False(t, rt.Allocator().IsAllocated(nodes[n-1].Addr()))
}

func Test_Runtime_CollectLargeCycle(t *testing.T) {
	ctx := context.Background()
	rt := openDefaultRuntime(t)
	const n = 10000
	nodes := buildNodes(t, rt, n, true)

	require.NoError(t, rt.SetRoot(ctx, nil))
	require.False(t, nodes[0].Freed())

	stats, err := rt.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Freed)
	assert.Zero(t, stats.Skipped)
	assert.Zero(t, stats.Failed)
	for _, o := range nodes {
		require.True(t, o.Freed())
	}
	cands, err := rt.Candidates(ctx)
	require.NoError(t, err)
	require.Empty(t, cands)
}

func Test_Runtime_CollectReportsFailedComponent(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)
	const n = 5000
	nodes := buildNodes(t, rt, n, true)
	require.NoError(t, rt.SetRoot(ctx, nil))

	// Without log overflow, freeing the whole ring does not fit one lane.
	rt.Manager().SetOverflow(nil)
	stats, err := rt.Collect(ctx)
	require.ErrorIs(t, err, undo.ErrLaneFull)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Skipped)
	assert.Zero(t, stats.Freed)
	require.False(t, nodes[0].Freed())
	require.True(t, isCandidate(t, rt, nodes[0]), "a failed component stays queued")

	rt.Manager().SetOverflow(rt.Allocator())
	stats, err = rt.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, n, stats.Freed)
	assert.Zero(t, stats.Failed)
	require.True(t, nodes[n-1].Freed())
}

func Test_Runtime_CollectWithConcurrentMutators(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)
	const workers, rounds = 4, 40

	refs, err := rt.NewArray(ctx, refsType, workers)
	require.NoError(t, err)
	require.NoError(t, rt.SetRoot(ctx, refs))
	anchors := make([]*Object, workers)
	for i := range anchors {
		anchors[i] = newNode(t, rt, int64(i))
		require.NoError(t, refs.SetRef(ctx, i, anchors[i]))
	}

	done := make(chan struct{})
	var collector errgroup.Group
	passes, collected := 0, 0
	collector.Go(func() error {
		for {
			stats, err := rt.Collect(ctx)
			if err != nil && !errors.Is(err, ErrCollecting) {
				return err
			}
			passes++
			collected += stats.Freed
			select {
			case <-done:
				return nil
			default:
			}
		}
	})

	var g errgroup.Group
	for _, anchor := range anchors {
		g.Go(func() error {
			for range rounds {
				// Each round replaces the anchor's cycle, leaving the old one as
				// garbage, and frees the previous plain node directly.
				err := rt.Run(ctx, func(ctx context.Context) error {
					c, err := rt.New(ctx, nodeType)
					if err != nil {
						return err
					}
					if err := anchor.SetRef(ctx, nodeOther, c); err != nil {
						return err
					}
					a, err := rt.New(ctx, nodeType)
					if err != nil {
						return err
					}
					b, err := rt.New(ctx, nodeType)
					if err != nil {
						return err
					}
					if err := a.SetRef(ctx, nodeNext, b); err != nil {
						return err
					}
					if err := b.SetRef(ctx, nodeNext, a); err != nil {
						return err
					}
					return anchor.SetRef(ctx, nodeNext, a)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(done)
	require.NoError(t, collector.Wait())
	require.Positive(t, passes)

	bad, err := rt.CheckRefCounts(ctx)
	require.NoError(t, err)
	require.Empty(t, bad)

	require.NoError(t, rt.SetRoot(ctx, nil))
	stats, err := rt.Collect(ctx)
	require.NoError(t, err)
	collected += stats.Freed
	live, err := rt.Objects(ctx)
	require.NoError(t, err)
	require.Empty(t, live)
	require.Equal(t, workers*rounds*2, collected, "passes count only what they freed")
	// refs, anchors, every plain node and every pair
	require.Equal(t, uint64(1+workers+workers*rounds+workers*rounds*2), rt.Stats().Freed)
	cands, err := rt.Candidates(ctx)
	require.NoError(t, err)
	require.Empty(t, cands)
}

func Test_Object_Arrays(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)

	longs, err := rt.NewArrayOf(ctx, longsType, []int64{5, -6, 7})
	require.NoError(t, err)
	require.Equal(t, 3, longs.Len())
	v, err := longs.Long(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(-6), v)
	_, err = longs.Long(ctx, 3)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	refs, err := rt.NewArray(ctx, refsType, 2)
	require.NoError(t, err)
	require.NoError(t, rt.SetRoot(ctx, refs))
	require.NoError(t, refs.SetRef(ctx, 0, longs))
	require.NoError(t, refs.SetRef(ctx, 1, longs))
	require.Equal(t, int32(2), refCount(t, longs))

	got, err := refs.Ref(ctx, 1)
	require.NoError(t, err)
	require.Same(t, longs, got)
	empty, err := rt.NewArray(ctx, refsType, 0)
	require.NoError(t, err)
	_, err = empty.Ref(ctx, 0)
	require.ErrorIs(t, err, ErrIndexOutOfRange)

	_, err = rt.NewArrayOf(ctx, refsType, []int64{1})
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = rt.NewArray(ctx, longsType, types.MaxArrayLength+1)
	require.ErrorIs(t, err, types.ErrArrayTooLarge)
	_, err = rt.New(ctx, longsType)
	require.ErrorIs(t, err, ErrTypeMismatch)

	require.NoError(t, rt.SetRoot(ctx, nil))
	require.True(t, refs.Freed())
	require.True(t, longs.Freed())
}

func Test_Runtime_RootSlot(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	r, err := rt.Root(ctx)
	require.NoError(t, err)
	require.Nil(t, r)

	a := newNode(t, rt, 1)
	b := newNode(t, rt, 2)
	require.NoError(t, rt.SetRoot(ctx, a))
	require.NoError(t, rt.SetRoot(ctx, a), "resetting the same root is a no-op")
	require.Equal(t, int32(1), refCount(t, a))

	require.NoError(t, rt.SetRoot(ctx, b))
	require.True(t, a.Freed(), "the old root lost its only reference")
	r, err = rt.Root(ctx)
	require.NoError(t, err)
	require.Same(t, b, r)
}

func Test_Runtime_GetErrors(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	o, err := rt.Get(ctx, 0)
	require.NoError(t, err)
	require.Nil(t, o)

	_, err = rt.Get(ctx, 12345)
	require.ErrorIs(t, err, ErrNotObject)

	var raw int64
	require.NoError(t, rt.Run(ctx, func(ctx context.Context) error {
		r, err := rt.Allocator().Alloc(tx.FromContext(ctx), 64)
		raw = r.Addr()
		return err
	}))
	_, err = rt.Get(ctx, raw)
	require.ErrorIs(t, err, ErrNotObject, "a block without a type name is not an object")

	other := setupRuntime(t, false)
	foreign := newNode(t, other, 1)
	mine := newNode(t, rt, 1)
	require.ErrorIs(t, mine.SetRef(ctx, nodeNext, foreign), ErrForeignObject)
}

func Test_Cache_OneHandlePerAddress(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)
	o := newNode(t, rt, 1)
	require.NoError(t, rt.SetRoot(ctx, o))
	addr := o.Addr()

	got, err := rt.Get(ctx, addr)
	require.NoError(t, err)
	require.Same(t, o, got)
	require.Equal(t, uint64(1), rt.Cache().Stats().Hits)

	rt.cache.mu.Lock()
	delete(rt.cache.entries, addr)
	rt.cache.mu.Unlock()

	handles := make([]*Object, 16)
	var g errgroup.Group
	for i := range handles {
		g.Go(func() error {
			h, err := rt.Get(ctx, addr)
			handles[i] = h
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, h := range handles {
		require.Same(t, handles[0], h)
	}
	require.NotSame(t, o, handles[0], "rebuilt from the heap")
	v, err := handles[0].Long(ctx, nodeValue)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func Test_Cache_ReconstructHook(t *testing.T) {
	ctx := context.Background()
	var seen []int64
	hooked := types.MustStruct("test.Hooked", 1, types.Long).WithReconstruct(func(addr int64) error {
		seen = append(seen, addr)
		return nil
	})
	reg, err := types.NewRegistry(hooked)
	require.NoError(t, err)
	h, err := heap.NewVolatile(heapOptions())
	require.NoError(t, err)
	rt, err := Open(ctx, h, reg, testOptions(false))
	require.NoError(t, err)
	defer rt.Close()

	o, err := rt.New(ctx, hooked)
	require.NoError(t, err)
	require.NoError(t, rt.SetRoot(ctx, o))
	require.Empty(t, seen, "construction does not reconstruct")

	rt.cache.mu.Lock()
	delete(rt.cache.entries, o.Addr())
	rt.cache.mu.Unlock()
	_, err = rt.Get(ctx, o.Addr())
	require.NoError(t, err)
	require.Equal(t, []int64{o.Addr()}, seen)
}

func Test_Reclaimer_FreesUnreferencedObject(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	kept := newNode(t, rt, 1)
	require.NoError(t, rt.SetRoot(ctx, kept))
	linked := newNode(t, rt, 2)
	require.NoError(t, kept.SetRef(ctx, nodeNext, linked))
	linkedAddr := linked.Addr()
	linked = nil

	addr := newNode(t, rt, 3).Addr()
	require.Eventually(t, func() bool {
		runtime.GC()
		return !rt.Allocator().IsAllocated(addr)
	}, 5*time.Second, 10*time.Millisecond)

	require.True(t, rt.Allocator().IsAllocated(linkedAddr), "referenced objects survive their handles")
	require.GreaterOrEqual(t, rt.Cache().Stats().Reclaimed, uint64(1))
	runtime.KeepAlive(kept)
}

func Test_Runtime_CheckRefCounts(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, true)

	root := newNode(t, rt, 0)
	require.NoError(t, rt.SetRoot(ctx, root))
	o := newNode(t, rt, 1)
	require.NoError(t, root.SetRef(ctx, nodeNext, o))

	bad, err := rt.CheckRefCounts(ctx)
	require.NoError(t, err)
	require.Empty(t, bad)

	o.region.PutInt(offRefCount, 5)
	bad, err = rt.CheckRefCounts(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, RefCountMismatch{Addr: o.Addr(), Type: "test.Node", Stored: 5, Found: 1}, bad[0])

	plain := setupRuntime(t, false)
	_, err = plain.CheckRefCounts(ctx)
	require.ErrorIs(t, err, ErrNoIndex)
}

func Test_Runtime_UnderflowPanics(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)

	root := newNode(t, rt, 0)
	require.NoError(t, rt.SetRoot(ctx, root))
	o := newNode(t, rt, 1)
	require.NoError(t, root.SetRef(ctx, nodeNext, o))
	o.region.PutInt(offRefCount, 0)

	defer func() {
		r := recover()
		require.NotNil(t, r)
		var hc *HeapCorruptedError
		require.ErrorAs(t, r.(error), &hc)
		require.Equal(t, o.Addr(), hc.Addr)

		v, err := root.RefAddr(ctx, nodeNext)
		require.NoError(t, err, "the aborted transaction released its locks")
		require.Equal(t, o.Addr(), v)
	}()
	_ = root.SetRef(ctx, nodeNext, nil)
	t.Fatal("expected a panic")
}

func Test_Runtime_CrashRecovery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.pool")
	h, err := heap.Create(path, heapOptions())
	require.NoError(t, err)
	rt, err := Open(ctx, h, newRegistry(t), testOptions(true))
	require.NoError(t, err)

	root := newNode(t, rt, 7)
	require.NoError(t, rt.SetRoot(ctx, root))
	before, err := rt.Objects(ctx)
	require.NoError(t, err)
	names := rt.Stats().TypeNames

	_, tctx, err := rt.Manager().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, root.SetLong(tctx, nodeValue, 99))
	o, err := rt.New(tctx, nodeType)
	require.NoError(t, err)
	require.NoError(t, root.SetRef(tctx, nodeNext, o))

	require.NoError(t, rt.Close())
	require.NoError(t, h.Flush(0, h.Size()), "simulate every page reaching disk before commit")
	require.NoError(t, h.Close())

	h2, err := heap.Open(path, dirty.FlushAuto)
	require.NoError(t, err)
	defer h2.Close()
	rt2, err := Open(ctx, h2, newRegistry(t), testOptions(true))
	require.NoError(t, err)
	defer rt2.Close()

	r, err := rt2.Root(ctx)
	require.NoError(t, err)
	v, err := r.Long(ctx, nodeValue)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	next, err := r.RefAddr(ctx, nodeNext)
	require.NoError(t, err)
	assert.Zero(t, next)

	after, err := rt2.Objects(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "the uncommitted construction is gone")
	bad, err := rt2.CheckRefCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
	assert.Equal(t, names, rt2.Stats().TypeNames, "type names are shared across opens")
}

func Test_Runtime_OpenSweepsUnreferenced(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sweep.pool")
	h, err := heap.Create(path, heapOptions())
	require.NoError(t, err)
	rt, err := Open(ctx, h, newRegistry(t), testOptions(true))
	require.NoError(t, err)

	root := newNode(t, rt, 1)
	require.NoError(t, rt.SetRoot(ctx, root))
	stray := newNode(t, rt, 2)
	addr := stray.Addr()
	require.NoError(t, rt.Close())
	runtime.KeepAlive(stray)
	require.NoError(t, h.Close())

	h2, err := heap.Open(path, dirty.FlushAuto)
	require.NoError(t, err)
	defer h2.Close()
	rt2, err := Open(ctx, h2, newRegistry(t), testOptions(true))
	require.NoError(t, err)
	defer rt2.Close()

	require.False(t, rt2.Allocator().IsAllocated(addr))
	live, err := rt2.Objects(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{root.Addr()}, live)
	require.Equal(t, uint64(1), rt2.Stats().Freed)
}

func Test_Runtime_Closed(t *testing.T) {
	ctx := context.Background()
	rt := setupRuntime(t, false)
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	_, err := rt.New(ctx, nodeType)
	require.ErrorIs(t, err, ErrClosed)
	_, err = rt.Collect(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
