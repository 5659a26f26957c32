// Package undo implements the per-lane undo logs that make heap writes crash-atomic.
//
// Each writing transaction owns one lane: a fixed slice of the pool between the
// superblock and the arena. Before a byte range is modified for the first time,
// its current bytes are appended to the lane and made durable. Commit persists
// the data and then clears the lane; clearing is the commit point. A lane that
// is still active when the heap is opened belongs to a transaction that never
// committed, and Recover rolls it back.
//
// When an Overflow is attached, a lane whose fixed area is full links further
// chunks taken from the arena, so a transaction's log is bounded only by free
// heap space. Chunks are returned after the commit point or a rollback.
package undo

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/internal/logger"
)

// Lane header layout.
const (
	offState = 0  // u32: stateIdle or stateActive
	offCount = 4  // u32: number of entries, all chunks included
	offUsed  = 8  // u64: bytes of entries in the fixed area
	offNext  = 16 // u64: first overflow chunk, 0 if none
	hdrSize  = 24 // entries start here

	// Overflow chunk layout, at the payload address handed out by Overflow.
	offChunkNext = 0  // u64: next chunk, 0 if last
	offChunkUsed = 8  // u64: bytes of entries in this chunk
	offChunkSize = 16 // u64: chunk size including this header
	chunkHdr     = 24

	// entry: {addr u64, len u32, pad u32, old bytes padded to 8}
	entryHdr = 16

	stateIdle   = 0
	stateActive = 1
)

var (
	// ErrLaneFull indicates a transaction logged more bytes than its lane holds
	// and the lane has no overflow source.
	ErrLaneFull = errors.New("undo: lane full")

	// ErrCorruptLane indicates an active lane whose entries cannot be parsed.
	ErrCorruptLane = errors.New("undo: corrupt lane")
)

// Overflow supplies arena blocks that extend a lane past its fixed area.
// Blocks are durable as soon as GrowLog returns and belong to no transaction.
type Overflow interface {
	// GrowLog returns the address and usable size of a block of at least n bytes.
	GrowLog(n int64) (addr, size int64, err error)
	// ReleaseLog returns a block obtained from GrowLog.
	ReleaseLog(addr int64) error
}

// segment is one stretch of log space: the lane's fixed area or a chunk.
type segment struct {
	base  int64 // lane base or chunk address
	start int64 // header size
	size  int64 // total bytes including the header
	used  int64 // entry bytes
}

func (s *segment) free() int64 { return s.size - s.start - s.used }

// Lane is one undo log. A lane is used by a single transaction at a time.
type Lane struct {
	h     *heap.Heap
	index int
	base  int64
	size  int64
	ov    *atomic.Pointer[Overflow] // shared with the pool

	count uint32
	segs  []segment // segs[0] is the fixed area
}

func newLane(h *heap.Heap, i int, ov *atomic.Pointer[Overflow]) *Lane {
	sb := h.Superblock()
	l := &Lane{h: h, index: i, base: sb.LaneOffset(i), size: sb.LaneSize, ov: ov}
	l.reset()
	return l
}

func (l *Lane) overflow() Overflow {
	if p := l.ov.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *Lane) reset() {
	l.count = 0
	l.segs = append(l.segs[:0], segment{base: l.base, start: hdrSize, size: l.size})
}

// Index returns the lane number.
func (l *Lane) Index() int { return l.index }

// Entries returns the number of ranges logged since the last Commit or Rollback.
func (l *Lane) Entries() int { return int(l.count) }

// Chunks returns the number of overflow chunks currently linked.
func (l *Lane) Chunks() int { return len(l.segs) - 1 }

// Active reports whether the durable lane header says a transaction is in flight.
func (l *Lane) Active() bool {
	return format.ReadU32(l.h.Bytes(), l.base+offState) == stateActive
}

// Record snapshots the current contents of [addr, addr+length) into the log and
// makes the entry durable. The caller modifies the range only after Record returns.
func (l *Lane) Record(addr, length int64) error {
	if length <= 0 {
		return nil
	}
	if _, err := buf.CheckSpan(l.h.Size(), addr, length); err != nil {
		return fmt.Errorf("undo: record: %w", err)
	}
	need := entryHdr + format.Align8(length)
	seg, err := l.room(need)
	if err != nil {
		return err
	}

	data := l.h.Bytes()
	e := seg.base + seg.start + seg.used
	format.PutI64(data, e, addr)
	format.PutU32(data, e+8, uint32(length))
	format.PutU32(data, e+12, 0)
	copy(data[e+entryHdr:e+entryHdr+length], data[addr:addr+length])
	if err := dirty.FlushRange(l.h, e, need, l.h.Mode()); err != nil {
		return err
	}

	seg.used += need
	if seg.base != l.base {
		format.PutI64(data, seg.base+offChunkUsed, seg.used)
		if err := dirty.FlushRange(l.h, seg.base+offChunkUsed, 8, l.h.Mode()); err != nil {
			return err
		}
	}
	l.count++
	return l.writeHeader(stateActive)
}

// room returns a segment with need free bytes, linking a new chunk when the
// last one is full.
func (l *Lane) room(need int64) (*segment, error) {
	last := &l.segs[len(l.segs)-1]
	if last.free() >= need {
		return last, nil
	}
	ov := l.overflow()
	if ov == nil {
		return nil, fmt.Errorf("%w: lane %d needs %d more bytes", ErrLaneFull, l.index, need)
	}
	addr, size, err := ov.GrowLog(max(l.size, chunkHdr+need))
	if err != nil {
		return nil, fmt.Errorf("undo: extend lane %d: %w", l.index, err)
	}

	data := l.h.Bytes()
	format.PutI64(data, addr+offChunkNext, 0)
	format.PutI64(data, addr+offChunkUsed, 0)
	format.PutI64(data, addr+offChunkSize, size)
	if err := dirty.FlushRange(l.h, addr, chunkHdr, l.h.Mode()); err != nil {
		return nil, err
	}
	link := last.base + offChunkNext
	if last.base == l.base {
		link = l.base + offNext
	}
	format.PutI64(data, link, addr)
	if err := dirty.FlushRange(l.h, link, 8, l.h.Mode()); err != nil {
		return nil, err
	}

	l.segs = append(l.segs, segment{base: addr, start: chunkHdr, size: size})
	logger.Debug("undo lane extended", "lane", l.index, "chunks", len(l.segs)-1, "chunk_size", size)
	return &l.segs[len(l.segs)-1], nil
}

// Commit clears the lane. The caller must have made the logged ranges durable first.
func (l *Lane) Commit() error {
	if l.count == 0 && !l.Active() {
		return nil
	}
	chunks := l.chunkAddrs()
	l.reset()
	if err := l.writeHeader(stateIdle); err != nil {
		return err
	}
	l.release(chunks)
	return nil
}

// Rollback restores every logged range, newest first, then clears the lane.
func (l *Lane) Rollback() error {
	entries, chunks, err := l.parse()
	if err != nil {
		return err
	}
	data := l.h.Bytes()
	tracker := dirty.NewTracker(l.h)
	for i := len(entries) - 1; i >= 0; i-- {
		en := entries[i]
		copy(data[en.addr:en.addr+en.length], data[en.old:en.old+en.length])
		tracker.Add(en.addr, en.length)
	}
	if err := tracker.Flush(context.Background(), l.h.Mode()); err != nil {
		return fmt.Errorf("undo: flush rollback of lane %d: %w", l.index, err)
	}
	l.reset()
	if err := l.writeHeader(stateIdle); err != nil {
		return err
	}
	l.release(chunks)
	return nil
}

func (l *Lane) chunkAddrs() []int64 {
	out := make([]int64, 0, len(l.segs)-1)
	for _, s := range l.segs[1:] {
		out = append(out, s.base)
	}
	return out
}

// release hands chunks back once the lane no longer points at them. Without
// an overflow source, as during recovery, they stay allocated until the
// allocator reclaims log blocks on its next rebuild.
func (l *Lane) release(chunks []int64) {
	ov := l.overflow()
	if ov == nil {
		return
	}
	for _, c := range chunks {
		if err := ov.ReleaseLog(c); err != nil {
			logger.Warn("undo chunk not released", "lane", l.index, "chunk", c, "err", err)
		}
	}
}

func (l *Lane) writeHeader(state uint32) error {
	data := l.h.Bytes()
	var next int64
	if len(l.segs) > 1 {
		next = l.segs[1].base
	}
	format.PutU32(data, l.base+offState, state)
	format.PutU32(data, l.base+offCount, l.count)
	format.PutI64(data, l.base+offUsed, l.segs[0].used)
	format.PutI64(data, l.base+offNext, next)
	return dirty.FlushRange(l.h, l.base, hdrSize, l.h.Mode())
}

type entry struct {
	addr   int64
	length int64
	old    int64 // absolute offset of the saved bytes
}

// parse reads entries and chunk addresses from the durable log, so it serves
// both an in-process abort and crash recovery.
func (l *Lane) parse() ([]entry, []int64, error) {
	data := l.h.Bytes()
	seg := segment{base: l.base, start: hdrSize, size: l.size, used: format.ReadI64(data, l.base+offUsed)}
	next := format.ReadI64(data, l.base+offNext)

	entries := make([]entry, 0, min(int64(format.ReadU32(data, l.base+offCount)), l.size/entryHdr))
	var chunks []int64
	for {
		if seg.used < 0 || seg.start+seg.used > seg.size {
			return nil, nil, fmt.Errorf("%w: lane %d segment %#x used=%d", ErrCorruptLane, l.index, seg.base, seg.used)
		}
		for pos := int64(0); pos < seg.used; {
			if pos+entryHdr > seg.used {
				return nil, nil, fmt.Errorf("%w: lane %d entry %d past end", ErrCorruptLane, l.index, len(entries))
			}
			e := seg.base + seg.start + pos
			addr := format.ReadI64(data, e)
			length := int64(format.ReadU32(data, e+8))
			step := entryHdr + format.Align8(length)
			if pos+step > seg.used {
				return nil, nil, fmt.Errorf("%w: lane %d entry %d overruns", ErrCorruptLane, l.index, len(entries))
			}
			if _, err := buf.CheckSpan(l.h.Size(), addr, length); err != nil {
				return nil, nil, fmt.Errorf("%w: lane %d entry %d: %w", ErrCorruptLane, l.index, len(entries), err)
			}
			entries = append(entries, entry{addr: addr, length: length, old: e + entryHdr})
			pos += step
		}
		if next == 0 {
			return entries, chunks, nil
		}

		if next < l.h.ArenaStart() || len(chunks) > int(l.h.Size()/l.size) {
			return nil, nil, fmt.Errorf("%w: lane %d bad chunk link %#x", ErrCorruptLane, l.index, next)
		}
		if _, err := buf.CheckSpan(l.h.Size(), next, chunkHdr); err != nil {
			return nil, nil, fmt.Errorf("%w: lane %d chunk %#x: %w", ErrCorruptLane, l.index, next, err)
		}
		size := format.ReadI64(data, next+offChunkSize)
		if _, err := buf.CheckSpan(l.h.Size(), next, size); err != nil || size < chunkHdr {
			return nil, nil, fmt.Errorf("%w: lane %d chunk %#x size %d", ErrCorruptLane, l.index, next, size)
		}
		chunks = append(chunks, next)
		seg = segment{base: next, start: chunkHdr, size: size, used: format.ReadI64(data, next+offChunkUsed)}
		next = format.ReadI64(data, next+offChunkNext)
	}
}
