package types

import "errors"

var (
	// ErrArrayTooLarge indicates an array length that does not fit the length
	// field or overflows the addressable size.
	ErrArrayTooLarge = errors.New("types: array too large")

	// ErrInvalidField indicates a field with an unknown kind.
	ErrInvalidField = errors.New("types: invalid field")

	// ErrEmptyName indicates a descriptor without a type name.
	ErrEmptyName = errors.New("types: empty type name")

	// ErrDuplicate indicates a type name registered twice.
	ErrDuplicate = errors.New("types: duplicate type name")

	// ErrFrozen indicates a registration after the registry was frozen.
	ErrFrozen = errors.New("types: registry frozen")

	// ErrUnknown indicates a lookup of a name that was never registered.
	ErrUnknown = errors.New("types: unknown type")
)
