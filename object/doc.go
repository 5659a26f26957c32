// Package object is the durable object runtime: typed objects allocated in a
// persistent heap, reference counted, and reclaimed when unreachable.
//
// Every object starts with a 16-byte header:
//
//	[0:8]   address of the interned type name record
//	[8:12]  reference count (int32)
//	[12:14] schema version
//	[14]    color (black or purple)
//
// Arrays store their element count at offset 16 and elements from 24.
//
// # References
//
// Storing a reference with Object.SetRef increments the new target's count
// and decrements the old one's in the same transaction. An object whose count
// drops to zero is freed at once, along with everything only it kept alive.
// An object that loses a reference but keeps others becomes a cycle
// candidate; Runtime.Collect reclaims candidates that turn out to be garbage
// cycles by trial deletion.
//
// # Handles
//
// The runtime keeps at most one *Object per address in a weak cache, so the
// handle's mutex serves as the object's lock. Handles do not keep objects
// alive. When a caller's last handle to an unreferenced object is collected by
// the Go garbage collector, a background worker frees the object.
//
// # Transactions
//
// Accessors called with a context from Runtime.Run take part in that
// transaction. Called outside one, a primitive write is applied and flushed
// directly under the object lock, and reference writes run in their own
// transaction.
package object
