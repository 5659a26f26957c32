// Package heap implements the byte-addressable pool that durable objects live in.
//
// A heap is a fixed-size file mapped into memory, or a plain byte slice for a
// volatile heap with the same layout. Addresses are offsets from the start of the
// pool, so they stay valid across process restarts.
//
// # Layout
//
//	[superblock 4 KiB][undo lane 0 .. lane N-1][arena ...]
//
// The superblock holds the magic, format version, instance UUID, geometry with a
// blake3 checksum, the allocator bump pointer and eight durable root slots.
// Lanes hold per-transaction undo logs (see heap/undo). The arena is carved into
// blocks by heap/alloc.
//
// # Regions
//
// Region is the typed read/write window used by every layer above. A region
// obtained from Heap.Region writes straight into the pool; wrapping it in a
// transaction (tx.Tx.Region) records undo information first. VolatileRegion has
// the same contract over a private buffer and never flushes.
//
//	h, err := heap.Create(path, heap.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
package heap
