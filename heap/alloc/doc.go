// Package alloc provides block allocation and free-list management for the heap arena.
//
// # Overview
//
// The arena is a sequence of blocks carved from the heap's bump pointer. Each
// block has an 8-byte header holding its size (negative while allocated) and a
// magic word. Free blocks are kept on segregated, size-classed free lists that
// live only in memory and are rebuilt from the headers at open.
//
// # Transactions
//
// Alloc and Free take the caller's transaction (Txn). The header flip is undo
// logged, so an aborted or crashed transaction leaves the block in its prior
// state. A freed block is pushed onto a free list only after commit, and an
// aborted allocation is returned to the lists by an abort handler. Payloads of
// blocks allocated in a transaction are marked fresh: writes into them are not
// logged, because rolling back the header makes the contents irrelevant.
//
// # Size Classes
//
// Requests are rounded up to a class size computed from SizeClassConfig
// (linear steps for small blocks, then geometric growth). Requests
// above the last class are served exactly from the bump pointer or a large list.
// Blocks are never split or coalesced.
//
//	r, err := a.Alloc(t, 48)
//	if err != nil {
//	    return err
//	}
//	addr := r.Addr()
//	...
//	err = a.Free(t, addr)
package alloc
