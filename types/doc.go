// Package types describes the layout of durable objects.
//
// A Descriptor gives the field count, per-field byte offsets and the allocation
// size of one durable type. Struct descriptors have a fixed set of fields laid
// out after the object header with natural alignment. Array descriptors have an
// int32 length followed by 8-aligned elements of one kind.
//
// Descriptors are registered by name in a Registry. Every durable object
// records its type name in its header, and the runtime uses the registry to
// find the descriptor again when an object is reconstructed from its address.
// The registry is frozen when a runtime opens; no types can be added after that.
package types
