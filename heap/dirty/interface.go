package dirty

import "os"

// DirtyTracker is the minimal interface for tracking dirty (modified) byte ranges.
//
// Components that only report modified ranges (undo writers, the allocator) depend on
// this instead of the concrete Tracker.
type DirtyTracker interface {
	// Add marks a byte range as dirty.
	// off is the offset from the start of the heap, length is the number of bytes.
	Add(off, length int64)
}

// Target is the storage a Tracker persists to.
//
// Bytes returns the heap image. File returns the backing file, or nil for a
// volatile heap, in which case every flush is a no-op. Mapped reports whether
// Bytes aliases a shared mapping of File; when it does not, dirty ranges are
// written back with WriteAt.
type Target interface {
	Bytes() []byte
	File() *os.File
	Mapped() bool
}
