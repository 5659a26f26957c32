// Package pmap is a durable, concurrent map from int64 keys to non-negative
// int64 values, stored in the heap as a split-ordered list.
//
// Every entry is a node in one singly linked list sorted by the bit-reversed
// hash of its key. Sentinel nodes, one per materialized bucket, partition the
// list. A bucket's sentinel is created on first use by walking from its
// parent bucket, so growing the table never moves a node: doubling the
// capacity only changes the modulus, and new buckets split off lazily.
//
// The bucket table is volatile. Open rebuilds it by walking the list from the
// head sentinel.
//
// Operations run in transactions locking the key's bucket. Inside an
// enclosing transaction they join it, so map updates commit or roll back
// together with the caller's other writes.
package pmap
