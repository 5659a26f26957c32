package tx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/heap/undo"
	"github.com/joshuapare/pmemkit/internal/logger"
)

// State is the lifecycle state of a transaction.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type span struct {
	off, len int64
}

// Tx is one transaction. It is confined to the goroutine that runs its body.
//
// Writes made through regions returned by Region are undo logged in the
// transaction's lane before they happen. Locks taken with Lock are held until
// the transaction ends.
type Tx struct {
	m        *Manager
	ctx      context.Context
	id       uint64
	parent   *Tx
	state    State
	err      error
	timeout  time.Duration
	blocking bool

	lane   *undo.Lane
	dirty  *dirty.Tracker
	logged map[span]struct{}
	fresh  []span // sorted by off

	locks []*Mutex
	owner []Locker // keeps lockers reachable while their mutex is held
	held  map[*Mutex]struct{}

	onCommit []func()
	onAbort  []func()
	local    map[any]any
}

// ID returns a process-unique transaction number.
func (t *Tx) ID() uint64 { return t.id }

// State returns the lifecycle state.
func (t *Tx) State() State { return t.state }

// Parent returns the transaction that was active when t began with RunOuter, or nil.
func (t *Tx) Parent() *Tx { return t.parent }

// Manager returns the manager that began t.
func (t *Tx) Manager() *Manager { return t.m }

// Err returns the sticky error that will abort t, if any.
func (t *Tx) Err() error { return t.err }

// Fail records err so that the transaction aborts instead of committing.
// The first error wins.
func (t *Tx) Fail(err error) {
	if err != nil && t.err == nil {
		t.err = err
	}
}

// OnCommit registers fn to run after the commit point, before locks are released.
func (t *Tx) OnCommit(fn func()) { t.onCommit = append(t.onCommit, fn) }

// OnAbort registers fn to run after rollback, before locks are released.
// Abort handlers run newest first.
func (t *Tx) OnAbort(fn func()) { t.onAbort = append(t.onAbort, fn) }

// Local returns a value stored with SetLocal.
func (t *Tx) Local(key any) any { return t.local[key] }

// SetLocal stores transaction-scoped state that disappears when t ends.
func (t *Tx) SetLocal(key, v any) {
	if t.local == nil {
		t.local = make(map[any]any)
	}
	t.local[key] = v
}

// Holds reports whether t holds m.
func (t *Tx) Holds(m *Mutex) bool {
	_, ok := t.held[m]
	return ok
}

// Lock acquires every locker's mutex for the rest of the transaction, waiting
// at most the current lock timeout for each. A timeout yields ErrRetry.
func (t *Tx) Lock(lockers ...Locker) error {
	if t.state != StateActive {
		return ErrNotActive
	}
	for _, l := range lockers {
		if l == nil {
			continue
		}
		m := l.TxMutex()
		if m == nil || t.Holds(m) {
			continue
		}
		d := t.timeout
		if t.blocking {
			d = 0
		}
		if err := m.lock(t.ctx, d); err != nil {
			if errors.Is(err, errTimedOut) {
				t.m.stats.lockTimeouts.Add(1)
				return ErrRetry
			}
			return err
		}
		t.locks = append(t.locks, m)
		t.owner = append(t.owner, l)
		t.held[m] = struct{}{}
	}
	return nil
}

// MarkFresh records a block allocated by this transaction. Writes inside it are
// tracked for flushing but not logged.
func (t *Tx) MarkFresh(addr, length int64) {
	s := span{off: addr, len: length}
	i := sort.Search(len(t.fresh), func(i int) bool { return t.fresh[i].off >= addr })
	t.fresh = append(t.fresh, span{})
	copy(t.fresh[i+1:], t.fresh[i:])
	t.fresh[i] = s
}

// IsFresh reports whether [addr, addr+length) lies inside a block allocated by t.
func (t *Tx) IsFresh(addr, length int64) bool {
	i := sort.Search(len(t.fresh), func(i int) bool { return t.fresh[i].off > addr }) - 1
	if i < 0 {
		return false
	}
	s := t.fresh[i]
	return addr+length <= s.off+s.len
}

// Region returns a view of r whose writes are undo logged. Volatile regions are
// returned unchanged. The first call acquires the transaction's undo lane.
func (t *Tx) Region(r heap.Region) (heap.Region, error) {
	if !r.Persistent() {
		return r, nil
	}
	if t.state != StateActive {
		return nil, ErrNotActive
	}
	if err := t.acquireLane(); err != nil {
		return nil, err
	}
	return &logRegion{t: t, r: r}, nil
}

func (t *Tx) acquireLane() error {
	if t.lane != nil {
		return nil
	}
	wait := t.m.cfg.LaneWait
	if wait <= 0 {
		wait = t.timeout
	}
	ctx, cancel := context.WithTimeout(t.ctx, wait)
	defer cancel()
	lane, err := t.m.lanes.Acquire(ctx)
	if err != nil {
		if cerr := t.ctx.Err(); cerr != nil {
			return cerr
		}
		t.m.stats.laneTimeouts.Add(1)
		return ErrRetry
	}
	t.lane = lane
	return nil
}

// beforeWrite logs [addr, addr+n) if needed and reports whether the write may proceed.
func (t *Tx) beforeWrite(addr, n int64) bool {
	if t.err != nil || t.state != StateActive {
		return false
	}
	t.dirty.Add(addr, n)
	if t.IsFresh(addr, n) {
		return true
	}
	s := span{off: addr, len: n}
	if _, ok := t.logged[s]; ok {
		return true
	}
	if err := t.lane.Record(addr, n); err != nil {
		t.Fail(fmt.Errorf("tx: log write at %#x: %w", addr, err))
		return false
	}
	t.logged[s] = struct{}{}
	return true
}

// Commit makes every write durable, runs commit handlers and releases locks.
// If the transaction has a sticky error, or ctx is cancelled, it aborts
// instead and returns that error.
func (t *Tx) Commit() error {
	if t.state != StateActive {
		return ErrNotActive
	}
	if t.err == nil {
		t.err = t.ctx.Err()
	}
	if t.err != nil {
		err := t.err
		if aerr := t.Abort(); aerr != nil {
			return errors.Join(err, aerr)
		}
		return err
	}

	if err := t.dirty.Flush(context.Background(), t.m.h.Mode()); err != nil {
		err = fmt.Errorf("tx: flush data: %w", err)
		return errors.Join(err, t.Abort())
	}
	if t.lane != nil {
		// Clearing the lane is the commit point.
		if err := t.lane.Commit(); err != nil {
			err = fmt.Errorf("tx: clear lane %d: %w", t.lane.Index(), err)
			return errors.Join(err, t.Abort())
		}
	}

	t.state = StateCommitted
	t.m.stats.commits.Add(1)
	t.releaseLane()
	for _, fn := range t.onCommit {
		fn()
	}
	t.releaseLocks()
	return nil
}

// Abort rolls back every logged write, runs abort handlers and releases locks.
func (t *Tx) Abort() error {
	if t.state != StateActive {
		return ErrNotActive
	}
	var err error
	if t.lane != nil {
		if rerr := t.lane.Rollback(); rerr != nil {
			err = fmt.Errorf("tx: rollback lane %d: %w", t.lane.Index(), rerr)
			logger.Error("rollback failed", "tx", t.id, "lane", t.lane.Index(), "err", rerr)
		}
	}
	t.dirty.Reset()
	t.state = StateAborted
	t.m.stats.aborts.Add(1)
	if err == nil {
		t.releaseLane()
	}
	for i := len(t.onAbort) - 1; i >= 0; i-- {
		t.onAbort[i]()
	}
	t.releaseLocks()
	return err
}

func (t *Tx) releaseLane() {
	if t.lane != nil {
		t.m.lanes.Release(t.lane)
		t.lane = nil
	}
}

func (t *Tx) releaseLocks() {
	for i := len(t.locks) - 1; i >= 0; i-- {
		t.locks[i].Unlock()
	}
	t.locks = nil
	t.owner = nil
	clear(t.held)
}
