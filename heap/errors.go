package heap

import "errors"

var (
	// ErrBadMagic indicates the file does not start with the pmemkit signature.
	ErrBadMagic = errors.New("heap: bad magic")

	// ErrVersion indicates an unsupported on-disk format version.
	ErrVersion = errors.New("heap: unsupported format version")

	// ErrChecksum indicates the superblock geometry failed checksum validation.
	ErrChecksum = errors.New("heap: superblock checksum mismatch")

	// ErrGeometry indicates superblock fields that disagree with each other or the file.
	ErrGeometry = errors.New("heap: inconsistent geometry")

	// ErrTooSmall indicates the requested size cannot hold the superblock, lanes and an arena.
	ErrTooSmall = errors.New("heap: size too small")

	// ErrOutOfBounds indicates a region that does not fit inside the heap.
	ErrOutOfBounds = errors.New("heap: region out of bounds")

	// ErrClosed indicates use of a closed heap.
	ErrClosed = errors.New("heap: closed")

	// ErrRootSlot indicates a root slot index outside [0, RootSlots).
	ErrRootSlot = errors.New("heap: invalid root slot")
)
