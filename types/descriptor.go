package types

import (
	"fmt"
	"math"

	"golang.org/x/text/unicode/norm"

	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/format"
)

const (
	// HeaderSize is the size of the object header that precedes every layout.
	HeaderSize = 16

	// LengthOffset is where an array stores its int32 element count.
	LengthOffset = HeaderSize

	// ElementsOffset is where array elements begin.
	ElementsOffset = 24

	// MaxArrayLength is the largest element count an array can hold.
	MaxArrayLength = math.MaxInt32
)

// Descriptor is the layout of one durable type.
type Descriptor struct {
	name    string
	version uint16
	array   bool

	fields  []Field
	offsets []int64
	size    int64

	// Final fields each own one bit of the init bitmap at initOff.
	initOff int64
	initBit []int // per field, -1 when not final

	elem Kind

	reconstruct func(addr int64) error
}

// NewStruct lays out fields after the header, each at its natural alignment.
func NewStruct(name string, version uint16, fields ...Field) (*Descriptor, error) {
	d := &Descriptor{name: norm.NFC.String(name), version: version}
	if d.name == "" {
		return nil, ErrEmptyName
	}
	d.fields = append([]Field(nil), fields...)
	d.offsets = make([]int64, len(fields))
	off := int64(HeaderSize)
	for i, f := range fields {
		sz := f.Kind.Size()
		if sz == 0 {
			return nil, fmt.Errorf("%w: %s field %d has kind %d", ErrInvalidField, d.name, i, f.Kind)
		}
		off = format.AlignTo(off, sz)
		d.offsets[i] = off
		off += sz
	}
	d.initBit = make([]int, len(fields))
	finals := 0
	for i, f := range fields {
		d.initBit[i] = -1
		if f.Final {
			d.initBit[i] = finals
			finals++
		}
	}
	if finals > 0 {
		d.initOff = off
		off += int64(finals+7) / 8
	}
	d.size = format.Align8(off)
	return d, nil
}

// NewArray describes an array of elem values.
func NewArray(name string, version uint16, elem Kind) (*Descriptor, error) {
	d := &Descriptor{name: norm.NFC.String(name), version: version, array: true, elem: elem}
	if d.name == "" {
		return nil, ErrEmptyName
	}
	if elem.Size() == 0 {
		return nil, fmt.Errorf("%w: %s element kind %d", ErrInvalidField, d.name, elem)
	}
	return d, nil
}

// MustStruct is NewStruct for package-level descriptors; it panics on error.
func MustStruct(name string, version uint16, fields ...Field) *Descriptor {
	d, err := NewStruct(name, version, fields...)
	if err != nil {
		panic(err)
	}
	return d
}

// MustArray is NewArray for package-level descriptors; it panics on error.
func MustArray(name string, version uint16, elem Kind) *Descriptor {
	d, err := NewArray(name, version, elem)
	if err != nil {
		panic(err)
	}
	return d
}

// WithReconstruct sets the reconstruction hook, called with the object's
// address whenever a handle is rebuilt from the heap. It returns d.
func (d *Descriptor) WithReconstruct(fn func(addr int64) error) *Descriptor {
	d.reconstruct = fn
	return d
}

// Reconstruct runs the reconstruction hook, if any.
func (d *Descriptor) Reconstruct(addr int64) error {
	if d.reconstruct == nil {
		return nil
	}
	return d.reconstruct(addr)
}

func (d *Descriptor) Name() string { return d.name }

func (d *Descriptor) Version() uint16 { return d.version }

// IsArray reports whether d describes an array.
func (d *Descriptor) IsArray() bool { return d.array }

// ElemKind returns the element kind of an array, KindInvalid for structs.
func (d *Descriptor) ElemKind() Kind { return d.elem }

// FieldCount returns the number of struct fields, 0 for arrays.
func (d *Descriptor) FieldCount() int { return len(d.fields) }

// Field returns field i. It panics if i is out of range.
func (d *Descriptor) Field(i int) Field { return d.fields[i] }

// Types returns a copy of the struct fields.
func (d *Descriptor) Types() []Field { return append([]Field(nil), d.fields...) }

// Offset returns the byte offset of field i from the object start.
func (d *Descriptor) Offset(i int) int64 { return d.offsets[i] }

// InitBit locates the bit that records whether final field i has been
// written: the byte offset from the object start and the mask within it.
// ok is false for mutable fields.
func (d *Descriptor) InitBit(i int) (off int64, mask byte, ok bool) {
	if d.array || d.initBit[i] < 0 {
		return 0, 0, false
	}
	b := d.initBit[i]
	return d.initOff + int64(b/8), 1 << (b % 8), true
}

// ValueBased reports whether instances can never hold object references.
// Such objects cannot take part in a cycle and are never collector candidates.
func (d *Descriptor) ValueBased() bool {
	if d.array {
		return d.elem != KindObject
	}
	for _, f := range d.fields {
		if f.Kind == KindObject {
			return false
		}
	}
	return true
}

// AllocationSize returns the object size in bytes. count is the element
// count for arrays and is ignored for structs.
func (d *Descriptor) AllocationSize(count int64) (int64, error) {
	if !d.array {
		return d.size, nil
	}
	if count < 0 || count > MaxArrayLength {
		return 0, fmt.Errorf("%w: %s length %d", ErrArrayTooLarge, d.name, count)
	}
	n, ok := buf.MulOverflowSafe(count, d.elem.Size())
	if !ok {
		return 0, fmt.Errorf("%w: %s length %d", ErrArrayTooLarge, d.name, count)
	}
	n, ok = buf.AddOverflowSafe(n, ElementsOffset+7)
	if !ok {
		return 0, fmt.Errorf("%w: %s length %d", ErrArrayTooLarge, d.name, count)
	}
	return n &^ 7, nil
}

// ElementOffset returns the byte offset of array element i.
func (d *Descriptor) ElementOffset(i int64) int64 {
	return ElementsOffset + i*d.elem.Size()
}

func (d *Descriptor) String() string {
	if d.array {
		return fmt.Sprintf("%s[%s] v%d", d.name, d.elem, d.version)
	}
	return fmt.Sprintf("%s{%d fields, %d bytes} v%d", d.name, len(d.fields), d.size, d.version)
}
