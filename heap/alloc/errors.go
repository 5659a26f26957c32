package alloc

import "errors"

var (
	// ErrNoSpace indicates that no free block large enough was found and the arena is exhausted.
	ErrNoSpace = errors.New("alloc: no free block large enough")

	// ErrBadRef indicates an address that is not the payload of a valid block.
	ErrBadRef = errors.New("alloc: bad block reference")

	// ErrNotAllocated indicates an attempt to free a block that is already free.
	ErrNotAllocated = errors.New("alloc: block is not allocated")

	// ErrTooLarge indicates a request that does not fit a block header size field.
	ErrTooLarge = errors.New("alloc: request too large")

	// ErrCorruptArena indicates a block header that fails validation while scanning.
	ErrCorruptArena = errors.New("alloc: corrupt arena")
)
