package object

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/tx"
	"github.com/joshuapare/pmemkit/types"
)

// Object is the in-process handle of a durable object. A runtime hands out at
// most one handle per live address, so the handle's mutex is the object's lock.
//
// Fields and array elements share one index space: index i is field i of a
// struct or element i of an array. Accessors take the object lock; inside a
// transaction the lock joins it, outside it is held for the single access.
type Object struct {
	rt     *Runtime
	desc   *types.Descriptor
	addr   int64
	length int64 // element count, arrays only
	region heap.Region
	mu     *tx.Mutex
	freed  atomic.Bool
}

func (rt *Runtime) newHandle(desc *types.Descriptor, addr, length int64, region heap.Region) *Object {
	return &Object{rt: rt, desc: desc, addr: addr, length: length, region: region, mu: tx.NewMutex()}
}

// TxMutex implements tx.Locker.
func (o *Object) TxMutex() *tx.Mutex { return o.mu }

// Addr returns the object's heap address, its durable identity.
func (o *Object) Addr() int64 { return o.addr }

// Type returns the object's descriptor.
func (o *Object) Type() *types.Descriptor { return o.desc }

// Len returns the element count of an array or the field count of a struct.
func (o *Object) Len() int {
	if o.desc.IsArray() {
		return int(o.length)
	}
	return o.desc.FieldCount()
}

// Freed reports whether the object has been freed. A freed handle fails every
// accessor with ErrFreed.
func (o *Object) Freed() bool { return o.freed.Load() }

// Version returns the schema version stored in the header.
func (o *Object) Version() uint16 { return uint16(o.region.GetShort(offVersion)) }

func (o *Object) String() string {
	return fmt.Sprintf("%s@%#x", o.desc.Name(), o.addr)
}

func (o *Object) live() error {
	if o.freed.Load() {
		return fmt.Errorf("%w: %s", ErrFreed, o)
	}
	return nil
}

func (o *Object) refCount() int32 { return o.region.GetInt(offRefCount) }

func (o *Object) color() Color { return Color(o.region.GetByte(offColor)) }

// RefCount returns the stored reference count.
func (o *Object) RefCount(ctx context.Context) (int32, error) {
	var rc int32
	err := o.locked(ctx, func() error {
		rc = o.refCount()
		return nil
	})
	return rc, err
}

// Color returns the durable collection color.
func (o *Object) Color(ctx context.Context) (Color, error) {
	var c Color
	err := o.locked(ctx, func() error {
		c = o.color()
		return nil
	})
	return c, err
}

// slot resolves index i to a byte offset, checking bounds and the kind the
// caller expects.
func (o *Object) slot(i int, k types.Kind) (int64, types.Field, error) {
	if o.desc.IsArray() {
		if i < 0 || int64(i) >= o.length {
			return 0, types.Field{}, fmt.Errorf("%w: %s element %d of %d", ErrIndexOutOfRange, o.desc.Name(), i, o.length)
		}
		if o.desc.ElemKind() != k {
			return 0, types.Field{}, fmt.Errorf("%w: %s holds %s, not %s", ErrTypeMismatch, o.desc.Name(), o.desc.ElemKind(), k)
		}
		return o.desc.ElementOffset(int64(i)), types.Field{Kind: k}, nil
	}
	if i < 0 || i >= o.desc.FieldCount() {
		return 0, types.Field{}, fmt.Errorf("%w: %s field %d of %d", ErrIndexOutOfRange, o.desc.Name(), i, o.desc.FieldCount())
	}
	f := o.desc.Field(i)
	if f.Kind != k {
		return 0, types.Field{}, fmt.Errorf("%w: %s field %d is %s, not %s", ErrTypeMismatch, o.desc.Name(), i, f.Kind, k)
	}
	return o.desc.Offset(i), f, nil
}

// locked runs fn holding the object lock.
func (o *Object) locked(ctx context.Context, fn func() error) error {
	if err := o.live(); err != nil {
		return err
	}
	return o.rt.tm.WithLock(ctx, o, func() error {
		if err := o.live(); err != nil {
			return err
		}
		return fn()
	})
}

func load(r heap.Region, off int64, k types.Kind) int64 {
	switch k {
	case types.KindByte:
		return int64(r.GetByte(off))
	case types.KindShort:
		return int64(r.GetShort(off))
	case types.KindInt:
		return int64(r.GetInt(off))
	default:
		return r.GetLong(off)
	}
}

func store(r heap.Region, off int64, k types.Kind, v int64) {
	switch k {
	case types.KindByte:
		r.PutByte(off, byte(v))
	case types.KindShort:
		r.PutShort(off, int16(v))
	case types.KindInt:
		r.PutInt(off, int32(v))
	default:
		r.PutLong(off, v)
	}
}

func (o *Object) read(ctx context.Context, i int, k types.Kind) (int64, error) {
	off, _, err := o.slot(i, k)
	if err != nil {
		return 0, err
	}
	var v int64
	err = o.locked(ctx, func() error {
		v = load(o.region, off, k)
		return nil
	})
	return v, err
}

// write stores a primitive. Inside a transaction the write is logged; outside
// one it goes straight to the heap and is flushed before returning.
func (o *Object) write(ctx context.Context, i int, k types.Kind, v int64) error {
	off, f, err := o.slot(i, k)
	if err != nil {
		return err
	}
	return o.locked(ctx, func() error {
		if f.Final && o.initialized(i) {
			return fmt.Errorf("%w: %s index %d", ErrAlreadyInitialized, o.desc.Name(), i)
		}
		t := tx.FromContext(ctx)
		if t == nil {
			store(o.region, off, k, v)
			if err := o.region.Flush(off, k.Size()); err != nil {
				return err
			}
			if f.Final {
				bit, mask, _ := o.desc.InitBit(i)
				o.region.PutByte(bit, o.region.GetByte(bit)|mask)
				return o.region.Flush(bit, 1)
			}
			return nil
		}
		w, err := t.Region(o.region)
		if err != nil {
			return err
		}
		store(w, off, k, v)
		if f.Final {
			o.markInitialized(w, i)
		}
		return nil
	})
}

// initialized reports whether final field i has been written.
func (o *Object) initialized(i int) bool {
	bit, mask, ok := o.desc.InitBit(i)
	return ok && o.region.GetByte(bit)&mask != 0
}

func (o *Object) markInitialized(w heap.Region, i int) {
	if bit, mask, ok := o.desc.InitBit(i); ok {
		w.PutByte(bit, o.region.GetByte(bit)|mask)
	}
}

// Byte reads byte slot i.
func (o *Object) Byte(ctx context.Context, i int) (byte, error) {
	v, err := o.read(ctx, i, types.KindByte)
	return byte(v), err
}

// SetByte writes byte slot i.
func (o *Object) SetByte(ctx context.Context, i int, v byte) error {
	return o.write(ctx, i, types.KindByte, int64(v))
}

// Short reads short slot i.
func (o *Object) Short(ctx context.Context, i int) (int16, error) {
	v, err := o.read(ctx, i, types.KindShort)
	return int16(v), err
}

// SetShort writes short slot i.
func (o *Object) SetShort(ctx context.Context, i int, v int16) error {
	return o.write(ctx, i, types.KindShort, int64(v))
}

// Int reads int slot i.
func (o *Object) Int(ctx context.Context, i int) (int32, error) {
	v, err := o.read(ctx, i, types.KindInt)
	return int32(v), err
}

// SetInt writes int slot i.
func (o *Object) SetInt(ctx context.Context, i int, v int32) error {
	return o.write(ctx, i, types.KindInt, int64(v))
}

// Long reads long slot i.
func (o *Object) Long(ctx context.Context, i int) (int64, error) {
	return o.read(ctx, i, types.KindLong)
}

// SetLong writes long slot i.
func (o *Object) SetLong(ctx context.Context, i int, v int64) error {
	return o.write(ctx, i, types.KindLong, v)
}

// RefAddr returns the address stored in reference slot i, 0 for null.
func (o *Object) RefAddr(ctx context.Context, i int) (int64, error) {
	return o.read(ctx, i, types.KindObject)
}

// Ref returns the object referenced by slot i, or nil for null.
func (o *Object) Ref(ctx context.Context, i int) (*Object, error) {
	a, err := o.RefAddr(ctx, i)
	if err != nil || a == 0 {
		return nil, err
	}
	return o.rt.Get(ctx, a)
}

// SetRef stores v, which may be nil, in reference slot i. The new target
// gains a reference and the old one loses its reference, possibly freeing it,
// all in one transaction.
func (o *Object) SetRef(ctx context.Context, i int, v *Object) error {
	off, f, err := o.slot(i, types.KindObject)
	if err != nil {
		return err
	}
	if v != nil && v.rt != o.rt {
		return ErrForeignObject
	}
	return o.rt.tm.Run(ctx, func(ctx context.Context) error {
		t := tx.FromContext(ctx)
		if err := o.live(); err != nil {
			return err
		}
		old := o.region.GetLong(off)
		if f.Final && o.initialized(i) {
			return fmt.Errorf("%w: %s index %d", ErrAlreadyInitialized, o.desc.Name(), i)
		}
		var nv int64
		if v != nil {
			if err := t.Lock(v); err != nil {
				return err
			}
			if err := v.live(); err != nil {
				return err
			}
			nv = v.addr
		}
		w, err := t.Region(o.region)
		if err != nil {
			return err
		}
		if f.Final {
			o.markInitialized(w, i)
		}
		if nv == old {
			return nil
		}
		w.PutLong(off, nv)
		if v != nil {
			if err := o.rt.addReference(ctx, v); err != nil {
				return err
			}
		}
		if old == 0 {
			return nil
		}
		prev, err := o.rt.cache.get(ctx, old, true)
		if err != nil {
			return err
		}
		return o.rt.deleteReference(ctx, prev)
	}, o)
}

// children returns the non-null references held by o. The caller holds o's
// lock or knows o cannot change.
func (o *Object) children() []int64 {
	if o.desc.ValueBased() {
		return nil
	}
	var out []int64
	if o.desc.IsArray() {
		for j := int64(0); j < o.length; j++ {
			if a := o.region.GetLong(o.desc.ElementOffset(j)); a != 0 {
				out = append(out, a)
			}
		}
		return out
	}
	for j := 0; j < o.desc.FieldCount(); j++ {
		if o.desc.Field(j).Kind != types.KindObject {
			continue
		}
		if a := o.region.GetLong(o.desc.Offset(j)); a != 0 {
			out = append(out, a)
		}
	}
	return out
}
