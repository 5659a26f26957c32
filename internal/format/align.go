package format

// Alignment utilities for heap layout.
// Block payloads and object fields are laid out on natural boundaries so
// that 8-byte stores never straddle a cache line.

const (
	// WordAlignmentMask is the mask for 8-byte alignment.
	WordAlignmentMask = 7

	// PageSize is the flush granularity and the superblock size.
	PageSize = 4096

	// PageAlignmentMask is the mask for page alignment.
	PageAlignmentMask = PageSize - 1
)

// Align8 returns n aligned up to the next 8-byte boundary.
//
// Example:
//
//	Align8(1)  = 8
//	Align8(8)  = 8
//	Align8(9)  = 16
func Align8(n int64) int64 {
	return (n + WordAlignmentMask) & ^int64(WordAlignmentMask)
}

// AlignTo returns n aligned up to a multiple of align, which must be a power of two.
func AlignTo(n, align int64) int64 {
	return (n + align - 1) & ^(align - 1)
}

// AlignPage returns n aligned up to the next 4KB boundary.
//
// Example:
//
//	AlignPage(1)    = 4096
//	AlignPage(4096) = 4096
//	AlignPage(4097) = 8192
func AlignPage(n int64) int64 {
	return (n + PageAlignmentMask) & ^int64(PageAlignmentMask)
}
