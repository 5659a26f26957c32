// Package tx provides crash-atomic, retryable transactions over a heap.
//
// # Overview
//
// A transaction is carried in a context.Context. Manager.Run begins one when
// the context has none and joins the active one otherwise, so nested calls
// flatten into a single durability and locking boundary:
//
//	err := mgr.Run(ctx, func(ctx context.Context) error {
//	    t := tx.FromContext(ctx)
//	    r, err := t.Region(region)
//	    if err != nil {
//	        return err
//	    }
//	    r.PutLong(0, 42)
//	    return nil
//	}, obj)
//
// # Transaction Protocol
//
//  1. Begin: take a context-scoped Tx with the current lock timeout
//  2. Lock: acquire per-object Mutexes, each wait bounded by the timeout
//  3. Write: the first write to a range records its old bytes in the
//     transaction's undo lane and flushes the record before the write
//  4. Commit: flush dirty ranges, then clear the lane (the commit point),
//     run commit handlers, release locks
//  5. Abort: replay the lane newest first, run abort handlers, release locks
//
// # Retry
//
// A lock or lane wait that times out inside a transaction returns ErrRetry.
// The top-level Run aborts, backs off (exponential with jitter, capped) and
// runs the body again with a longer lock timeout, up to Config.MaxAttempts.
// Bodies must therefore be free of side effects outside the heap.
//
// Outside a transaction, Manager.WithLock holds a lock only for a single
// access; a timeout there is ErrLockTimeout, which is not retried.
//
// # Crash Recovery
//
// NewManager rolls back every lane left active by a crashed process before
// any transaction begins.
package tx
