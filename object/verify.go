package object

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/tx"
)

// RefCountMismatch is an object whose stored count disagrees with the number
// of references found in the heap.
type RefCountMismatch struct {
	Addr   int64
	Type   string
	Stored int32
	Found  int32
}

func (m RefCountMismatch) String() string {
	return fmt.Sprintf("%s@%#x: stored %d, found %d", m.Type, m.Addr, m.Stored, m.Found)
}

// Objects returns the addresses of all live objects, in address order. It
// needs the all-objects index.
func (rt *Runtime) Objects(ctx context.Context) ([]int64, error) {
	if rt.all == nil {
		return nil, ErrNoIndex
	}
	addrs, err := rt.all.Keys(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(addrs)
	return addrs, nil
}

// CheckRefCounts recounts every reference held by indexed objects and the
// root slot and reports each object whose stored count differs. Results are
// only meaningful on a quiescent heap.
func (rt *Runtime) CheckRefCounts(ctx context.Context) ([]RefCountMismatch, error) {
	addrs, err := rt.Objects(ctx)
	if err != nil {
		return nil, err
	}
	found := make(map[int64]int32, len(addrs))
	if root := readRoot(rt.h, heap.RootObject); root != 0 {
		found[root]++
	}
	objs := make([]*Object, 0, len(addrs))
	for _, a := range addrs {
		o, err := rt.cache.get(ctx, a, true)
		if err != nil {
			return nil, fmt.Errorf("object: indexed object %#x: %w", a, err)
		}
		err = o.locked(ctx, func() error {
			for _, k := range o.children() {
				found[k]++
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		objs = append(objs, o)
	}

	var out []RefCountMismatch
	for _, o := range objs {
		rc, err := o.RefCount(ctx)
		if err != nil {
			return nil, err
		}
		if rc != found[o.addr] {
			out = append(out, RefCountMismatch{Addr: o.addr, Type: o.desc.Name(), Stored: rc, Found: found[o.addr]})
		}
	}
	return out, nil
}

// sweep frees indexed objects left with no references, typically objects
// constructed but never linked before the previous process exited.
func (rt *Runtime) sweep(ctx context.Context) (int, error) {
	addrs, err := rt.Objects(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, a := range addrs {
		freed := 0
		err := rt.tm.Run(ctx, func(ctx context.Context) error {
			freed = 0
			o, err := rt.cache.get(ctx, a, true)
			if errors.Is(err, ErrFreed) {
				return nil
			}
			if err != nil {
				return err
			}
			t := tx.FromContext(ctx)
			if err := t.Lock(o); err != nil {
				return err
			}
			if o.freed.Load() || o.refCount() != 0 || a == readRoot(rt.h, heap.RootObject) {
				return nil
			}
			if err := rt.freeCascade(ctx, o); err != nil {
				return err
			}
			freed = freedIn(t)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += freed
	}
	return total, nil
}
