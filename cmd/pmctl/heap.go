package main

import (
	"context"
	"fmt"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/object"
	"github.com/joshuapare/pmemkit/pmap"
	"github.com/joshuapare/pmemkit/tx"
	"github.com/joshuapare/pmemkit/types"
)

// nodeType is the only object type pmctl creates. Heaps holding other
// applications' types can be inspected but not collected or verified.
var nodeType = types.MustStruct("pmctl.Node", 1, types.Long, types.Object, types.Object)

// Node fields.
const (
	fieldValue = 0
	fieldLeft  = 1
	fieldRight = 2
)

// session is an open heap with its object runtime.
type session struct {
	h  *heap.Heap
	rt *object.Runtime
}

func openSession(ctx context.Context, path string) (*session, error) {
	printVerbose("Opening heap: %s\n", path)
	h, err := heap.Open(path, dirty.FlushAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to open heap: %w", err)
	}
	// The all-objects index is kept only by heaps created with one.
	index, _ := h.Root(heap.RootAllObjects)
	return startSession(ctx, h, index != 0)
}

func startSession(ctx context.Context, h *heap.Heap, index bool) (*session, error) {
	reg, err := types.NewRegistry(nodeType)
	if err != nil {
		h.Close()
		return nil, err
	}
	opts := object.DefaultOptions()
	opts.Debug = index
	rt, err := object.Open(ctx, h, reg, opts)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to open runtime: %w", err)
	}
	return &session{h: h, rt: rt}, nil
}

func (s *session) Close() error {
	err := s.rt.Close()
	if cerr := s.h.Close(); err == nil {
		err = cerr
	}
	return err
}

// cliMap opens the map rooted in heap.RootCLIMap, creating it when create is set.
func (s *session) cliMap(ctx context.Context, create bool) (*pmap.Map, error) {
	tm, al := s.rt.Manager(), s.rt.Allocator()
	head, err := s.h.Root(heap.RootCLIMap)
	if err != nil {
		return nil, err
	}
	if head != 0 {
		return pmap.Open(tm, al, head, pmap.DefaultOptions())
	}
	if !create {
		return nil, fmt.Errorf("heap has no map in root slot %d", heap.RootCLIMap)
	}
	var m *pmap.Map
	err = s.rt.Run(ctx, func(ctx context.Context) error {
		var err error
		if m, err = pmap.New(ctx, tm, al, pmap.DefaultOptions()); err != nil {
			return err
		}
		return setRootSlot(ctx, s.h, heap.RootCLIMap, m.Head())
	})
	return m, err
}

func setRootSlot(ctx context.Context, h *heap.Heap, slot int, v int64) error {
	roots, err := tx.FromContext(ctx).Region(h.RootRegion())
	if err != nil {
		return err
	}
	roots.PutLong(int64(slot)*8, v)
	return nil
}
