package object

import (
	"context"

	"github.com/joshuapare/pmemkit/internal/logger"
	"github.com/joshuapare/pmemkit/tx"
)

// addReference records a new edge to o. Must run inside a transaction.
func (rt *Runtime) addReference(ctx context.Context, o *Object) error {
	t := tx.FromContext(ctx)
	if err := t.Lock(o); err != nil {
		return err
	}
	if err := o.live(); err != nil {
		return err
	}
	w, err := t.Region(o.region)
	if err != nil {
		return err
	}
	w.PutInt(offRefCount, o.refCount()+1)
	return rt.setColor(t, o, Black)
}

// deleteReference drops an edge to o. An object left with references becomes
// a cycle candidate; one left with none is freed, and its children lose a
// reference in turn.
func (rt *Runtime) deleteReference(ctx context.Context, o *Object) error {
	t := tx.FromContext(ctx)
	if err := t.Lock(o); err != nil {
		return err
	}
	if err := o.live(); err != nil {
		return err
	}
	rc := o.refCount()
	if rc <= 0 {
		rt.corrupted(o.addr, "reference count underflow")
	}
	w, err := t.Region(o.region)
	if err != nil {
		return err
	}
	w.PutInt(offRefCount, rc-1)
	if rc > 1 {
		return rt.candidate(ctx, o)
	}
	return rt.freeCascade(ctx, o)
}

// freeCascade frees o, whose count has reached zero, and every object that
// reaches zero as a result. The work list keeps deep chains off the stack.
func (rt *Runtime) freeCascade(ctx context.Context, o *Object) error {
	t := tx.FromContext(ctx)
	work := []*Object{o}
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]

		for _, a := range obj.children() {
			child, err := rt.cache.get(ctx, a, true)
			if err != nil {
				return err
			}
			if err := t.Lock(child); err != nil {
				return err
			}
			if err := child.live(); err != nil {
				return err
			}
			rc := child.refCount()
			if rc <= 0 {
				rt.corrupted(child.addr, "reference count underflow")
			}
			w, err := t.Region(child.region)
			if err != nil {
				return err
			}
			w.PutInt(offRefCount, rc-1)
			if rc == 1 {
				work = append(work, child)
				continue
			}
			if err := rt.candidate(ctx, child); err != nil {
				return err
			}
		}
		if err := rt.free(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

// candidate marks o as a possible member of a garbage cycle.
func (rt *Runtime) candidate(ctx context.Context, o *Object) error {
	t := tx.FromContext(ctx)
	if rt.coll.processing.Load() {
		addr := o.addr
		t.OnCommit(func() { rt.coll.stashColor(addr, Purple) })
		return nil
	}
	if o.color() == Purple {
		return nil
	}
	if err := rt.writeColor(t, o, Purple); err != nil {
		return err
	}
	_, err := rt.candidates.Put(ctx, o.addr, 1)
	return err
}

// setColor changes o's durable color, or stashes the change for replay while
// the collector is running.
func (rt *Runtime) setColor(t *tx.Tx, o *Object, c Color) error {
	if rt.coll.processing.Load() {
		addr := o.addr
		t.OnCommit(func() { rt.coll.stashColor(addr, c) })
		return nil
	}
	return rt.writeColor(t, o, c)
}

func (rt *Runtime) writeColor(t *tx.Tx, o *Object, c Color) error {
	if o.color() == c {
		return nil
	}
	w, err := t.Region(o.region)
	if err != nil {
		return err
	}
	w.PutByte(offColor, byte(c))
	return nil
}

// free releases o's storage and drops it from the runtime's maps. The handle
// and cache entry are retired when the transaction commits.
func (rt *Runtime) free(ctx context.Context, o *Object) error {
	t := tx.FromContext(ctx)
	if err := t.Lock(o); err != nil {
		return err
	}
	if err := rt.al.Free(t, o.addr); err != nil {
		return err
	}
	if _, err := rt.candidates.Remove(ctx, o.addr); err != nil {
		return err
	}
	if rt.all != nil {
		if _, err := rt.all.Remove(ctx, o.addr); err != nil {
			return err
		}
	}
	countFreed(t)
	t.OnCommit(func() {
		o.freed.Store(true)
		rt.cache.remove(o)
		rt.coll.forget(o.addr)
		rt.freed.Add(1)
	})
	return nil
}

type freedKey struct{}

func countFreed(t *tx.Tx) { t.SetLocal(freedKey{}, freedIn(t)+1) }

// freedIn returns how many objects t has freed so far.
func freedIn(t *tx.Tx) int {
	n, _ := t.Local(freedKey{}).(int)
	return n
}

func (rt *Runtime) corrupted(addr int64, reason string) {
	err := &HeapCorruptedError{Addr: addr, Reason: reason}
	logger.Error("heap corrupted", "addr", addr, "reason", reason)
	panic(err)
}
