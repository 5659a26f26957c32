package alloc

import "github.com/joshuapare/pmemkit/heap"

// Block header layout. Every block starts with an 8-byte header followed by its payload.
//
//	[0:4] size  int32 (positive = free, negative = allocated), includes the header
//	[4:8] magic uint32
//
// Undo log chunks carry logMagic instead of blockMagic so they are never
// mistaken for objects and are reclaimed when the free lists are rebuilt.
const (
	HeaderSize = 8
	MinBlock   = 16

	blockMagic uint32 = 0x4B4D4550 // "PEMK"
	logMagic   uint32 = 0x4C4D4550 // "PEML", allocated undo log chunk
)

// Txn is the transaction surface the allocator needs. Header writes go through
// Region so they are undone on abort; newly allocated payloads are marked fresh
// so writes into them skip the undo log.
type Txn interface {
	// Region returns a view of r whose writes are undo-logged.
	Region(r heap.Region) (heap.Region, error)
	// MarkFresh records that [addr, addr+length) was allocated by this transaction.
	MarkFresh(addr, length int64)
	// OnCommit registers fn to run after the transaction commits.
	OnCommit(fn func())
	// OnAbort registers fn to run after the transaction aborts.
	OnAbort(fn func())
}

// Stats is a point-in-time summary of allocator state.
type Stats struct {
	Allocs     uint64 // successful allocations since open
	Frees      uint64 // committed frees since open
	FreeBlocks int    // blocks currently on free lists
	FreeBytes  int64  // bytes currently on free lists
	Top        int64  // bump pointer
	Arena      int64  // arena size in bytes
}
