package types

// Kind is the stored type of a field or array element.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindByte
	KindShort
	KindInt
	KindLong
	// KindObject is an 8-byte address of another durable object, 0 for nil.
	// Object slots are the edges of the reference graph.
	KindObject
)

// Size returns the stored width in bytes, or 0 for an invalid kind.
func (k Kind) Size() int64 {
	switch k {
	case KindByte:
		return 1
	case KindShort:
		return 2
	case KindInt:
		return 4
	case KindLong, KindObject:
		return 8
	default:
		return 0
	}
}

func (k Kind) String() string {
	switch k {
	case KindByte:
		return "byte"
	case KindShort:
		return "short"
	case KindInt:
		return "int"
	case KindLong:
		return "long"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Field describes one struct field. Final fields may be written once; a bit
// in the object records the first write, so even a written zero is final.
type Field struct {
	Kind  Kind
	Final bool
}

// Byte, Short, Int, Long and Object are shorthands for mutable fields.
var (
	Byte   = Field{Kind: KindByte}
	Short  = Field{Kind: KindShort}
	Int    = Field{Kind: KindInt}
	Long   = Field{Kind: KindLong}
	Object = Field{Kind: KindObject}
)

// Final returns f marked write-once.
func Final(f Field) Field {
	f.Final = true
	return f
}
