package format

import "encoding/binary"

var le = binary.LittleEndian

func PutU16(b []byte, off int64, v uint16) { le.PutUint16(b[off:], v) }
func PutU32(b []byte, off int64, v uint32) { le.PutUint32(b[off:], v) }
func PutU64(b []byte, off int64, v uint64) { le.PutUint64(b[off:], v) }
func PutI32(b []byte, off int64, v int32)  { le.PutUint32(b[off:], uint32(v)) }
func PutI64(b []byte, off int64, v int64)  { le.PutUint64(b[off:], uint64(v)) }

func ReadU16(b []byte, off int64) uint16 { return le.Uint16(b[off:]) }
func ReadU32(b []byte, off int64) uint32 { return le.Uint32(b[off:]) }
func ReadU64(b []byte, off int64) uint64 { return le.Uint64(b[off:]) }
func ReadI32(b []byte, off int64) int32  { return int32(le.Uint32(b[off:])) }
func ReadI64(b []byte, off int64) int64  { return int64(le.Uint64(b[off:])) }
