package tx

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

var errTimedOut = errors.New("tx: lock wait timed out")

// Mutex is a fair, timed lock for one durable object or map bucket.
// Waiters are served in FIFO order.
type Mutex struct {
	sem *semaphore.Weighted
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// TxMutex lets a *Mutex be passed wherever a Locker is expected.
func (m *Mutex) TxMutex() *Mutex { return m }

// TryLock acquires the lock if it is free.
func (m *Mutex) TryLock() bool { return m.sem.TryAcquire(1) }

// Unlock releases the lock.
func (m *Mutex) Unlock() { m.sem.Release(1) }

// lock waits up to d (forever when d <= 0) for the lock. It returns ctx's error
// if ctx ends first and errTimedOut if d elapses.
func (m *Mutex) lock(ctx context.Context, d time.Duration) error {
	if m.sem.TryAcquire(1) {
		return nil
	}
	if d <= 0 {
		return m.sem.Acquire(ctx, 1)
	}
	lctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	if err := m.sem.Acquire(lctx, 1); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return errTimedOut
	}
	return nil
}

// Locker is anything with a transaction lock: durable objects, map buckets, a *Mutex.
type Locker interface {
	TxMutex() *Mutex
}
