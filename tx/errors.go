package tx

import "errors"

var (
	// ErrRetry signals that the transaction lost a lock race and its whole body
	// must run again. The top-level driver handles it; callers see it only when
	// they use Begin/Commit directly.
	ErrRetry = errors.New("tx: retry")

	// ErrAttemptsExhausted indicates ErrRetry was seen on every allowed attempt.
	ErrAttemptsExhausted = errors.New("tx: attempts exhausted")

	// ErrLockTimeout indicates a lock wait timed out outside any transaction.
	// There is no retry authority, so this is fatal for the operation.
	ErrLockTimeout = errors.New("tx: lock timeout outside transaction")

	// ErrNotActive indicates use of a transaction that has committed or aborted.
	ErrNotActive = errors.New("tx: transaction not active")
)
