package pmap

import "errors"

var (
	// ErrNegativeValue indicates a Put with a value below zero. Negative values
	// are reserved for markers.
	ErrNegativeValue = errors.New("pmap: negative value")

	// ErrCorrupt indicates a node list that is out of order, cyclic or points
	// outside the heap.
	ErrCorrupt = errors.New("pmap: corrupt node list")

	// ErrDeleted indicates use of a map whose head was freed by Delete.
	ErrDeleted = errors.New("pmap: map deleted")
)
