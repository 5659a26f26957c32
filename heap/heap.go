package heap

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/joshuapare/pmemkit/heap/dirty"
	"github.com/joshuapare/pmemkit/internal/buf"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/internal/logger"
)

const (
	// DefaultSize is the pool size used when Options.Size is zero.
	DefaultSize = 64 << 20
	// DefaultLanes is the number of undo lanes, bounding concurrent writing transactions.
	DefaultLanes = 64
	// DefaultLaneSize is the byte size of one undo lane.
	DefaultLaneSize = 64 << 10

	minLaneSize  = 1 << 10
	minArenaSize = format.PageSize
)

// Options configures a new heap.
type Options struct {
	Size     int64           // Total pool size in bytes
	Lanes    int             // Number of undo lanes
	LaneSize int64           // Bytes per lane (rounded up to 8)
	Mode     dirty.FlushMode // Durability mode for commits
}

// DefaultOptions returns the recommended heap configuration.
func DefaultOptions() Options {
	return Options{
		Size:     DefaultSize,
		Lanes:    DefaultLanes,
		LaneSize: DefaultLaneSize,
		Mode:     dirty.FlushAuto,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Size == 0 {
		o.Size = d.Size
	}
	if o.Lanes == 0 {
		o.Lanes = d.Lanes
	}
	if o.LaneSize == 0 {
		o.LaneSize = d.LaneSize
	}
	o.LaneSize = format.Align8(max(o.LaneSize, minLaneSize))
	return o
}

// Heap is a fixed-size pool of byte-addressable memory, backed by an mmap'd
// file (persistent) or a plain byte slice (volatile). Addresses are offsets from
// the start of the pool and stay valid across reopen.
type Heap struct {
	f      *os.File
	data   []byte
	mapped bool
	sb     *Superblock
	mode   dirty.FlushMode
	path   string

	topMu sync.Mutex // serializes Top and SetTop
}

// Create formats a new heap file at path, failing if the file already exists.
func Create(path string, opts Options) (*Heap, error) {
	opts = opts.withDefaults()
	if err := checkGeometry(opts); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(opts.Size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("heap: truncate %s: %w", path, err)
	}

	data, mapped, err := mapFile(f, opts.Size)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}

	h := &Heap{f: f, data: data, mapped: mapped, mode: opts.Mode, path: path}
	h.format(opts)
	if err := dirty.FlushRange(h, 0, SuperblockSize, dirty.FlushFull); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("heap: flush superblock: %w", err)
	}
	logger.Info("heap created", "path", path, "size", opts.Size, "lanes", opts.Lanes, "uuid", h.sb.UUID)
	return h, nil
}

// Open maps an existing heap file read-write.
func Open(path string, mode dirty.FlushMode) (*Heap, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: empty heap file %s", ErrTooSmall, path)
	}

	data, mapped, err := mapFile(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	sb, err := parseSuperblock(data)
	if err != nil {
		_ = unmap(data, mapped)
		_ = f.Close()
		return nil, fmt.Errorf("heap: open %s: %w", path, err)
	}

	logger.Info("heap opened", "path", path, "size", sb.Size, "uuid", sb.UUID, "mapped", mapped)
	return &Heap{f: f, data: data, mapped: mapped, sb: sb, mode: mode, path: path}, nil
}

// NewVolatile builds a heap with the persistent layout over an in-memory slice.
// All flushes are no-ops.
func NewVolatile(opts Options) (*Heap, error) {
	opts = opts.withDefaults()
	if err := checkGeometry(opts); err != nil {
		return nil, err
	}
	h := &Heap{data: make([]byte, opts.Size), mode: dirty.FlushNone}
	h.format(opts)
	return h, nil
}

func checkGeometry(opts Options) error {
	if opts.Lanes <= 0 {
		return fmt.Errorf("%w: lanes must be positive", ErrGeometry)
	}
	start := arenaStart(opts.Lanes, opts.LaneSize)
	if opts.Size < start+minArenaSize {
		return fmt.Errorf("%w: %d < %d", ErrTooSmall, opts.Size, start+minArenaSize)
	}
	return nil
}

func (h *Heap) format(opts Options) {
	h.sb = &Superblock{
		Version:    FormatVersion,
		UUID:       uuid.New(),
		Size:       opts.Size,
		Lanes:      opts.Lanes,
		LaneSize:   opts.LaneSize,
		ArenaStart: arenaStart(opts.Lanes, opts.LaneSize),
	}
	h.sb.encode(h.data)
	format.PutI64(h.data, offTop, h.sb.ArenaStart)
}

// Close unmaps and closes the heap. The heap must not be used afterwards.
func (h *Heap) Close() error {
	if h == nil {
		return nil
	}
	var err error
	if h.data != nil && h.f != nil {
		err = unmap(h.data, h.mapped)
	}
	h.data = nil
	if h.f != nil {
		if cerr := h.f.Close(); err == nil {
			err = cerr
		}
		h.f = nil
	}
	return err
}

// Bytes returns the whole pool image.
func (h *Heap) Bytes() []byte { return h.data }

// File returns the backing file, or nil for a volatile heap.
func (h *Heap) File() *os.File { return h.f }

// Mapped reports whether Bytes is a shared mapping of File.
func (h *Heap) Mapped() bool { return h.mapped }

// Path returns the file path, empty for a volatile heap.
func (h *Heap) Path() string { return h.path }

// Persistent reports whether the heap is file-backed.
func (h *Heap) Persistent() bool { return h.f != nil }

// Mode returns the durability mode used for commits.
func (h *Heap) Mode() dirty.FlushMode { return h.mode }

// Size returns the pool size in bytes.
func (h *Heap) Size() int64 { return h.sb.Size }

// Superblock returns the decoded geometry.
func (h *Heap) Superblock() Superblock { return *h.sb }

// ArenaStart returns the first allocatable address.
func (h *Heap) ArenaStart() int64 { return h.sb.ArenaStart }

// Top returns the bump pointer: everything in [ArenaStart, Top) has been carved into blocks.
func (h *Heap) Top() int64 {
	h.topMu.Lock()
	defer h.topMu.Unlock()
	return format.ReadI64(h.data, offTop)
}

// SetTop durably advances the bump pointer. It is committed on its own,
// outside any transaction.
func (h *Heap) SetTop(top int64) error {
	if top < h.sb.ArenaStart || top > h.sb.Size {
		return fmt.Errorf("%w: top %d", ErrOutOfBounds, top)
	}
	h.topMu.Lock()
	defer h.topMu.Unlock()
	format.PutI64(h.data, offTop, top)
	return dirty.FlushRange(h, offTop, 8, h.mode)
}

// RootOffset returns the absolute address of root slot i, for transactional writes.
func RootOffset(i int) int64 { return offRoots + int64(i)*8 }

// Root reads root slot i.
func (h *Heap) Root(i int) (int64, error) {
	if i < 0 || i >= RootSlots {
		return 0, fmt.Errorf("%w: %d", ErrRootSlot, i)
	}
	return format.ReadI64(h.data, RootOffset(i)), nil
}

// RootRegion returns the region spanning the root slots.
func (h *Heap) RootRegion() Region {
	return &persistentRegion{h: h, addr: offRoots, size: RootSlots * 8}
}

// Region returns a view of [addr, addr+size).
func (h *Heap) Region(addr, size int64) (Region, error) {
	if h.data == nil {
		return nil, ErrClosed
	}
	if _, err := buf.CheckSpan(h.sb.Size, addr, size); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutOfBounds, err)
	}
	return &persistentRegion{h: h, addr: addr, size: size}, nil
}

// Flush persists [off, off+length) immediately using the heap's mode.
func (h *Heap) Flush(off, length int64) error {
	return dirty.FlushRange(h, off, length, h.mode)
}

// Sync forces all written data to stable storage.
func (h *Heap) Sync() error {
	if h.f == nil {
		return nil
	}
	return dirty.FlushRange(h, 0, int64(len(h.data)), dirty.FlushFull)
}
