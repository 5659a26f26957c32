package object

import (
	"errors"
	"fmt"

	"github.com/joshuapare/pmemkit/tx"
)

var (
	// ErrIndexOutOfRange indicates a field or element index outside the object.
	ErrIndexOutOfRange = errors.New("object: index out of range")

	// ErrTypeMismatch indicates an accessor whose kind differs from the stored field kind.
	ErrTypeMismatch = errors.New("object: type mismatch")

	// ErrAlreadyInitialized indicates a second write to a final field.
	ErrAlreadyInitialized = errors.New("object: final field already initialized")

	// ErrLockTimeout indicates an object lock wait that timed out outside a transaction.
	ErrLockTimeout = tx.ErrLockTimeout

	// ErrFreed indicates a handle or address whose object has been freed.
	ErrFreed = errors.New("object: object freed")

	// ErrNotObject indicates an address that does not hold a durable object.
	ErrNotObject = errors.New("object: not an object address")

	// ErrForeignObject indicates a handle that belongs to another runtime.
	ErrForeignObject = errors.New("object: object from another runtime")

	// ErrCollecting indicates Collect was called while a collection was running.
	ErrCollecting = errors.New("object: collection already running")

	// ErrNoIndex indicates an operation that needs the debug all-objects index.
	ErrNoIndex = errors.New("object: all-objects index not enabled")

	// ErrInTransaction indicates an operation that must not run inside a transaction.
	ErrInTransaction = errors.New("object: not allowed inside a transaction")

	// ErrClosed indicates use of a closed runtime.
	ErrClosed = errors.New("object: runtime closed")
)

// HeapCorruptedError reports a broken heap invariant, such as a reference
// count dropping below zero. It is raised with panic: the heap can no longer
// be trusted, so the process should not continue.
type HeapCorruptedError struct {
	Addr   int64
	Reason string
}

func (e *HeapCorruptedError) Error() string {
	return fmt.Sprintf("object: heap corrupted at %#x: %s", e.Addr, e.Reason)
}
