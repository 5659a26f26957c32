package heap

import (
	"github.com/joshuapare/pmemkit/internal/format"
)

// Region is an addressable span of bytes. Offsets are relative to Addr.
//
// Accessors trust their caller: offsets are validated by the object layer
// against the type descriptor, and an out-of-range offset panics.
type Region interface {
	// Addr is the stable heap address of the first byte, or -1 for a volatile region.
	Addr() int64
	Size() int64

	GetByte(off int64) byte
	GetShort(off int64) int16
	GetInt(off int64) int32
	GetLong(off int64) int64

	PutByte(off int64, v byte)
	PutShort(off int64, v int16)
	PutInt(off int64, v int32)
	PutLong(off int64, v int64)
	PutRawBytes(off int64, b []byte)
	ReadRawBytes(off int64, dst []byte)

	// Flush makes [off, off+length) durable. A no-op for volatile regions.
	Flush(off, length int64) error

	// Persistent reports whether the region lives in a heap.
	Persistent() bool
}

// persistentRegion is a window onto a heap's pool.
type persistentRegion struct {
	h    *Heap
	addr int64
	size int64
}

func (r *persistentRegion) bytes(off, n int64) []byte {
	start := r.addr + off
	return r.h.data[start : start+n : start+n]
}

func (r *persistentRegion) Addr() int64 { return r.addr }
func (r *persistentRegion) Size() int64 { return r.size }
func (r *persistentRegion) Persistent() bool { return true }

func (r *persistentRegion) GetByte(off int64) byte { return r.bytes(off, 1)[0] }

func (r *persistentRegion) GetShort(off int64) int16 {
	return int16(format.ReadU16(r.bytes(off, 2), 0))
}

func (r *persistentRegion) GetInt(off int64) int32 {
	return format.ReadI32(r.bytes(off, 4), 0)
}

func (r *persistentRegion) GetLong(off int64) int64 {
	return format.ReadI64(r.bytes(off, 8), 0)
}

func (r *persistentRegion) PutByte(off int64, v byte) { r.bytes(off, 1)[0] = v }

func (r *persistentRegion) PutShort(off int64, v int16) {
	format.PutU16(r.bytes(off, 2), 0, uint16(v))
}

func (r *persistentRegion) PutInt(off int64, v int32) {
	format.PutI32(r.bytes(off, 4), 0, v)
}

func (r *persistentRegion) PutLong(off int64, v int64) {
	format.PutI64(r.bytes(off, 8), 0, v)
}

func (r *persistentRegion) PutRawBytes(off int64, b []byte) {
	copy(r.bytes(off, int64(len(b))), b)
}

func (r *persistentRegion) ReadRawBytes(off int64, dst []byte) {
	copy(dst, r.bytes(off, int64(len(dst))))
}

func (r *persistentRegion) Flush(off, length int64) error {
	return r.h.Flush(r.addr+off, length)
}

// VolatileRegion is a plain byte buffer with the Region contract. Flush is a no-op.
// Used as a staging buffer for values that never live in the heap.
type VolatileRegion struct {
	buf []byte
}

// NewVolatileRegion allocates a zeroed volatile region of size bytes.
func NewVolatileRegion(size int64) *VolatileRegion {
	return &VolatileRegion{buf: make([]byte, size)}
}

func (v *VolatileRegion) Addr() int64 { return -1 }
func (v *VolatileRegion) Size() int64 { return int64(len(v.buf)) }
func (v *VolatileRegion) Persistent() bool { return false }

func (v *VolatileRegion) GetByte(off int64) byte { return v.buf[off] }
func (v *VolatileRegion) GetShort(off int64) int16 { return int16(format.ReadU16(v.buf, off)) }
func (v *VolatileRegion) GetInt(off int64) int32 { return format.ReadI32(v.buf, off) }
func (v *VolatileRegion) GetLong(off int64) int64 { return format.ReadI64(v.buf, off) }

func (v *VolatileRegion) PutByte(off int64, b byte) { v.buf[off] = b }
func (v *VolatileRegion) PutShort(off int64, s int16) { format.PutU16(v.buf, off, uint16(s)) }
func (v *VolatileRegion) PutInt(off int64, i int32) { format.PutI32(v.buf, off, i) }
func (v *VolatileRegion) PutLong(off int64, l int64) { format.PutI64(v.buf, off, l) }
func (v *VolatileRegion) PutRawBytes(off int64, b []byte) { copy(v.buf[off:off+int64(len(b))], b) }
func (v *VolatileRegion) ReadRawBytes(off int64, dst []byte) {
	copy(dst, v.buf[off:off+int64(len(dst))])
}

func (v *VolatileRegion) Flush(int64, int64) error { return nil }

// Copy copies n bytes from src at srcOff to dst at dstOff through the
// regions' accessors, so a logging destination records the overwrite.
func Copy(src Region, srcOff int64, dst Region, dstOff int64, n int64) {
	if n <= 0 {
		return
	}
	tmp := make([]byte, n)
	src.ReadRawBytes(srcOff, tmp)
	dst.PutRawBytes(dstOff, tmp)
}
