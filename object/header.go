package object

import "fmt"

// Header layout, at the start of every object.
const (
	offTypeName = 0  // int64 address of the interned type name record
	offRefCount = 8  // int32
	offVersion  = 12 // uint16 schema version
	offColor    = 14 // byte
)

// Color is an object's cycle collection state.
type Color byte

const (
	// Black objects are in use.
	Black Color = iota
	// Purple objects lost a reference but are still referenced: possible cycle members.
	Purple
	// Grey objects are being trial-deleted by the collector.
	Grey
	// White objects were found unreachable by the collector.
	White
)

func (c Color) String() string {
	switch c {
	case Black:
		return "black"
	case Purple:
		return "purple"
	case Grey:
		return "grey"
	case White:
		return "white"
	default:
		return fmt.Sprintf("color(%d)", byte(c))
	}
}
