package heap

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/joshuapare/pmemkit/internal/format"
)

// Superblock layout (all little-endian).
const (
	SuperblockSize = format.PageSize

	offMagic      = 0
	offVersion    = 8
	offFlags      = 12
	offUUID       = 16
	offSize       = 32
	offLanes      = 40
	offLaneSize   = 44
	offArenaStart = 48
	geometryLen   = 56 // bytes covered by the checksum
	offChecksum   = 56 // blake3-256 of [0, geometryLen)
	offTop        = 96
	offRoots      = 104

	// RootSlots is the number of durable root pointers in the superblock.
	RootSlots = 8

	// FormatVersion is the on-disk version written by Create.
	FormatVersion = 1
)

// Well-known root slots.
const (
	RootTypeNames  = 0 // interned type name chain
	RootCandidates = 1 // cycle collector candidate map head
	RootAllObjects = 2 // debug all-objects index head
	RootObject     = 3 // application root object
	RootCLIMap     = 4 // map used by pmctl
)

var magic = [8]byte{'P', 'M', 'E', 'M', 'K', 'I', 'T', 0}

// Superblock is the decoded, immutable geometry of a heap.
type Superblock struct {
	Version    uint32
	Flags      uint32
	UUID       uuid.UUID
	Size       int64
	Lanes      int
	LaneSize   int64
	ArenaStart int64
}

// LaneOffset returns the absolute offset of lane i.
func (sb Superblock) LaneOffset(i int) int64 {
	return SuperblockSize + int64(i)*sb.LaneSize
}

func (sb *Superblock) encode(b []byte) {
	copy(b[offMagic:], magic[:])
	format.PutU32(b, offVersion, sb.Version)
	format.PutU32(b, offFlags, sb.Flags)
	copy(b[offUUID:offUUID+16], sb.UUID[:])
	format.PutI64(b, offSize, sb.Size)
	format.PutU32(b, offLanes, uint32(sb.Lanes))
	format.PutU32(b, offLaneSize, uint32(sb.LaneSize))
	format.PutI64(b, offArenaStart, sb.ArenaStart)
	sum := blake3.Sum256(b[:geometryLen])
	copy(b[offChecksum:offChecksum+len(sum)], sum[:])
}

// parseSuperblock decodes and validates the superblock against the actual image length.
func parseSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(b))
	}
	if !bytes.Equal(b[offMagic:offMagic+8], magic[:]) {
		return nil, ErrBadMagic
	}
	sum := blake3.Sum256(b[:geometryLen])
	if !bytes.Equal(sum[:], b[offChecksum:offChecksum+len(sum)]) {
		return nil, ErrChecksum
	}

	sb := &Superblock{
		Version:    format.ReadU32(b, offVersion),
		Flags:      format.ReadU32(b, offFlags),
		Size:       format.ReadI64(b, offSize),
		Lanes:      int(format.ReadU32(b, offLanes)),
		LaneSize:   int64(format.ReadU32(b, offLaneSize)),
		ArenaStart: format.ReadI64(b, offArenaStart),
	}
	copy(sb.UUID[:], b[offUUID:offUUID+16])

	if sb.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, sb.Version)
	}
	if sb.Size != int64(len(b)) {
		return nil, fmt.Errorf("%w: size field %d, file %d", ErrGeometry, sb.Size, len(b))
	}
	if sb.ArenaStart != arenaStart(sb.Lanes, sb.LaneSize) || sb.ArenaStart >= sb.Size {
		return nil, fmt.Errorf("%w: arena start %d", ErrGeometry, sb.ArenaStart)
	}
	top := format.ReadI64(b, offTop)
	if top < sb.ArenaStart || top > sb.Size {
		return nil, fmt.Errorf("%w: top %d outside arena [%d, %d]", ErrGeometry, top, sb.ArenaStart, sb.Size)
	}
	return sb, nil
}

func arenaStart(lanes int, laneSize int64) int64 {
	return format.AlignPage(SuperblockSize + int64(lanes)*laneSize)
}
