package tx

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/heap/undo"
	"github.com/joshuapare/pmemkit/internal/logger"
)

// jitter spreads lock timeouts of competing transactions so they do not
// time out in lockstep.
var jitter = func() [256]time.Duration {
	var j [256]time.Duration
	for i := range j {
		j[i] = rand.N(30 * time.Millisecond)
	}
	return j
}()

// Manager begins transactions against one heap and drives their retries.
// It is safe for concurrent use.
type Manager struct {
	h     *heap.Heap
	lanes *undo.Pool
	cfg   Config
	seq   atomic.Uint64
	stats counters
}

type counters struct {
	commits      atomic.Uint64
	aborts       atomic.Uint64
	retries      atomic.Uint64
	lockTimeouts atomic.Uint64
	laneTimeouts atomic.Uint64
}

// Stats is a snapshot of transaction counters.
type Stats struct {
	Commits      uint64
	Aborts       uint64
	Retries      uint64
	LockTimeouts uint64
	LaneTimeouts uint64
}

// NewManager creates a transaction manager for h. Any lanes left active by a
// crash are rolled back first, so the heap holds only committed state on return.
func NewManager(h *heap.Heap, cfg Config) (*Manager, error) {
	pool := undo.NewPool(h)
	if _, err := pool.Recover(); err != nil {
		return nil, fmt.Errorf("tx: recovery: %w", err)
	}
	return &Manager{h: h, lanes: pool, cfg: cfg.withDefaults()}, nil
}

// SetOverflow lets transaction logs grow into blocks from o when a lane's
// fixed area fills. Without it an oversized transaction fails with
// undo.ErrLaneFull.
func (m *Manager) SetOverflow(o undo.Overflow) { m.lanes.SetOverflow(o) }

// Heap returns the managed heap.
func (m *Manager) Heap() *heap.Heap { return m.h }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Stats returns the transaction counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Commits:      m.stats.commits.Load(),
		Aborts:       m.stats.aborts.Load(),
		Retries:      m.stats.retries.Load(),
		LockTimeouts: m.stats.lockTimeouts.Load(),
		LaneTimeouts: m.stats.laneTimeouts.Load(),
	}
}

// Begin starts a transaction with the base lock timeout and returns it along
// with a context carrying it. The caller must Commit or Abort.
//
// The context can be used to cancel the transaction: lock waits end early and
// Commit aborts instead.
func (m *Manager) Begin(ctx context.Context) (*Tx, context.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctx, err
	}
	t := m.begin(ctx, FromContext(ctx), m.cfg.LockTimeout)
	return t, t.ctx, nil
}

func (m *Manager) begin(ctx context.Context, parent *Tx, timeout time.Duration) *Tx {
	t := &Tx{
		m:       m,
		id:      m.seq.Add(1),
		parent:  parent,
		state:   StateActive,
		timeout: timeout + jitter[rand.IntN(len(jitter))],
		dirty:   dirty.NewTracker(m.h),
		logged:  make(map[span]struct{}),
		held:    make(map[*Mutex]struct{}),
	}
	t.ctx = NewContext(ctx, t)
	return t
}

// Run executes body atomically after locking every locker.
//
// If ctx already carries an active transaction, Run joins it: the lockers are
// added to that transaction and body runs inside it, so only the outermost Run
// decides durability. A failing nested body marks the enclosing transaction to
// abort.
//
// Otherwise Run begins a new transaction, and retries the whole body with
// backoff whenever it fails with ErrRetry. Any other error aborts and is
// returned unchanged. Bodies must not have side effects outside the heap.
func (m *Manager) Run(ctx context.Context, body func(ctx context.Context) error, lockers ...Locker) error {
	if t := FromContext(ctx); t != nil {
		if err := t.Lock(lockers...); err != nil {
			t.Fail(err)
			return err
		}
		if err := body(ctx); err != nil {
			t.Fail(err)
			return err
		}
		return nil
	}
	return m.runTop(ctx, nil, body, lockers)
}

// RunOuter executes body in a new, independent transaction even when ctx
// carries one. The enclosing transaction is suspended; its locks are not
// shared with the outer one.
func (m *Manager) RunOuter(ctx context.Context, body func(ctx context.Context) error, lockers ...Locker) error {
	return m.runTop(ctx, FromContext(ctx), body, lockers)
}

func (m *Manager) backoff() retry.Backoff {
	b := retry.NewExponential(m.cfg.BaseRetryDelay)
	b = retry.WithJitterPercent(25, b)
	b = retry.WithCappedDuration(m.cfg.MaxRetryDelay, b)
	return retry.WithMaxRetries(m.cfg.MaxAttempts-1, b)
}

func (m *Manager) runTop(ctx context.Context, parent *Tx, body func(ctx context.Context) error, lockers []Locker) error {
	timeout := m.cfg.LockTimeout
	attempts := 0
	err := retry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		attempts++
		err := m.attempt(ctx, parent, timeout, false, body, lockers)
		if errors.Is(err, ErrRetry) {
			m.stats.retries.Add(1)
			timeout = m.cfg.nextTimeout(timeout)
			logger.Debug("tx retry", "attempt", attempts, "lock_timeout", timeout)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil || !errors.Is(err, ErrRetry) {
		return err
	}
	if m.cfg.BlockOnMaxAttempts {
		logger.Warn("tx attempts exhausted, blocking on locks", "attempts", attempts)
		return m.attempt(ctx, parent, timeout, true, body, lockers)
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, err)
}

func (m *Manager) attempt(ctx context.Context, parent *Tx, timeout time.Duration, blocking bool,
	body func(ctx context.Context) error, lockers []Locker) (err error) {
	t := m.begin(ctx, parent, timeout)
	t.blocking = blocking
	defer func() {
		if r := recover(); r != nil {
			if t.state == StateActive {
				_ = t.Abort()
			}
			panic(r)
		}
	}()

	if err := t.Lock(lockers...); err != nil {
		t.Fail(err)
		return t.Commit()
	}
	if err := body(t.ctx); err != nil {
		t.Fail(err)
	}
	return t.Commit()
}

// WithLock runs fn while holding l's mutex. Inside a transaction the lock joins
// the transaction and is kept until it ends. Outside, the lock is held only for
// fn, and a wait longer than NonTxLockTimeout fails with ErrLockTimeout.
func (m *Manager) WithLock(ctx context.Context, l Locker, fn func() error) error {
	if t := FromContext(ctx); t != nil {
		if err := t.Lock(l); err != nil {
			return err
		}
		return fn()
	}
	mu := l.TxMutex()
	if err := mu.lock(ctx, m.cfg.NonTxLockTimeout); err != nil {
		if errors.Is(err, errTimedOut) {
			return ErrLockTimeout
		}
		return err
	}
	defer mu.Unlock()
	return fn()
}
