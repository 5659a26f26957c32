package object

import (
	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/tx"
)

// readRoot reads a root slot. Slot numbers are the heap package constants,
// so the range check cannot fail.
func readRoot(h *heap.Heap, slot int) int64 {
	v, _ := h.Root(slot)
	return v
}

func writeRoot(t *tx.Tx, h *heap.Heap, slot int, v int64) error {
	roots, err := t.Region(h.RootRegion())
	if err != nil {
		return err
	}
	roots.PutLong(int64(slot)*8, v)
	return nil
}
