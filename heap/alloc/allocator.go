package alloc

import (
	"fmt"
	"math"
	"sync"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/internal/format"
	"github.com/joshuapare/pmemkit/internal/logger"
)

// Allocator carves the heap arena into blocks.
//
// Free lists are volatile and rebuilt by scanning the arena when the allocator
// is created. The only durable allocator state is the block headers and the
// heap's bump pointer. A header flips between free and allocated inside the
// caller's transaction. Extending the bump pointer is committed on its own,
// leaving a durable free block behind before it is handed to the transaction.
type Allocator struct {
	h     *heap.Heap
	table *classTable

	mu     sync.Mutex
	free   [][]int64 // per-class stacks of block addresses
	large  []int64   // blocks above the last class
	nfree  int
	bytes  int64
	allocs uint64
	frees  uint64
}

// New builds an allocator over h, rebuilding free lists from the arena.
// Undo recovery must already have run so that every header is committed state.
func New(h *heap.Heap, cfg SizeClassConfig) (*Allocator, error) {
	table := newClassTable(cfg)
	a := &Allocator{
		h:     h,
		table: table,
		free:  make([][]int64, table.count()),
	}
	n, chunks := 0, 0
	data := h.Bytes()
	err := a.Walk(func(addr, size int64, allocated bool) error {
		n++
		if allocated && format.ReadU32(data, addr+4) == logMagic {
			// No lane references a chunk once recovery has run.
			if err := a.writeFree(addr, size); err != nil {
				return err
			}
			chunks++
			allocated = false
		}
		if !allocated {
			a.push(addr, size)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("allocator rebuilt", "blocks", n, "free_blocks", a.nfree, "free_bytes", a.bytes,
		"log_chunks_reclaimed", chunks, "classes", table.String())
	return a, nil
}

// Walk visits every block in the arena in address order. addr is the block
// start (header), size includes the header.
func (a *Allocator) Walk(fn func(addr, size int64, allocated bool) error) error {
	data := a.h.Bytes()
	top := a.h.Top()
	for p := a.h.ArenaStart(); p < top; {
		raw := format.ReadI32(data, p)
		magic := format.ReadU32(data, p+4)
		if (magic != blockMagic && (magic != logMagic || raw >= 0)) || raw == 0 {
			return fmt.Errorf("%w: bad header at %#x", ErrCorruptArena, p)
		}
		size := int64(raw)
		allocated := raw < 0
		if allocated {
			size = -size
		}
		if size < MinBlock || size%8 != 0 || p+size > top {
			return fmt.Errorf("%w: block at %#x has size %d", ErrCorruptArena, p, size)
		}
		if err := fn(p, size, allocated); err != nil {
			return err
		}
		p += size
	}
	return nil
}

// Alloc allocates a block with at least size payload bytes inside t and returns
// its zeroed payload region. The payload address is stable for the life of the block.
func (a *Allocator) Alloc(t Txn, size int64) (heap.Region, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrBadRef, size)
	}
	need := format.Align8(max(size+HeaderSize, MinBlock))
	if need > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	block, bsize, err := a.take(int32(need))
	if err != nil {
		return nil, err
	}

	hdr, err := a.h.Region(block, HeaderSize)
	if err == nil {
		var logged heap.Region
		if logged, err = t.Region(hdr); err == nil {
			logged.PutInt(0, -int32(bsize))
		}
	}
	if err != nil {
		a.mu.Lock()
		a.push(block, bsize)
		a.mu.Unlock()
		return nil, err
	}

	payload := block + HeaderSize
	t.MarkFresh(payload, bsize-HeaderSize)
	t.OnAbort(func() {
		a.mu.Lock()
		a.push(block, bsize)
		a.mu.Unlock()
	})

	r, err := a.h.Region(payload, bsize-HeaderSize)
	if err != nil {
		return nil, err
	}
	// Fresh payloads are not logged, but the zeroing still has to reach the
	// commit flush.
	zr, err := t.Region(r)
	if err != nil {
		return nil, err
	}
	zr.PutRawBytes(0, make([]byte, bsize-HeaderSize))

	a.mu.Lock()
	a.allocs++
	a.mu.Unlock()
	return r, nil
}

// Free releases the block whose payload starts at addr. The block becomes
// reusable only after t commits.
func (a *Allocator) Free(t Txn, addr int64) error {
	block, bsize, allocated, err := a.header(addr)
	if err != nil {
		return err
	}
	if !allocated {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, addr)
	}
	hdr, err := a.h.Region(block, HeaderSize)
	if err != nil {
		return err
	}
	logged, err := t.Region(hdr)
	if err != nil {
		return err
	}
	logged.PutInt(0, int32(bsize))
	t.OnCommit(func() {
		a.mu.Lock()
		a.push(block, bsize)
		a.frees++
		a.mu.Unlock()
	})
	return nil
}

// GrowLog allocates a block of at least n payload bytes for an undo log chunk
// and returns its payload address and size. The allocation is durable on
// return and belongs to no transaction.
func (a *Allocator) GrowLog(n int64) (int64, int64, error) {
	need := format.Align8(max(n+HeaderSize, MinBlock))
	if need > math.MaxInt32 {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	block, bsize, err := a.take(int32(need))
	if err != nil {
		return 0, 0, err
	}
	data := a.h.Bytes()
	format.PutI32(data, block, -int32(bsize))
	format.PutU32(data, block+4, logMagic)
	if err := a.h.Flush(block, HeaderSize); err != nil {
		a.mu.Lock()
		a.push(block, bsize)
		a.mu.Unlock()
		return 0, 0, err
	}
	return block + HeaderSize, bsize - HeaderSize, nil
}

// ReleaseLog frees a chunk obtained from GrowLog.
func (a *Allocator) ReleaseLog(addr int64) error {
	block := addr - HeaderSize
	if block < a.h.ArenaStart() || block+MinBlock > a.h.Top() {
		return fmt.Errorf("%w: %#x", ErrBadRef, addr)
	}
	data := a.h.Bytes()
	raw := format.ReadI32(data, block)
	if format.ReadU32(data, block+4) != logMagic || raw >= 0 {
		return fmt.Errorf("%w: %#x is not a log chunk", ErrBadRef, addr)
	}
	size := -int64(raw)
	if err := a.writeFree(block, size); err != nil {
		return err
	}
	a.mu.Lock()
	a.push(block, size)
	a.mu.Unlock()
	return nil
}

// writeFree durably rewrites the header at block as a free block.
func (a *Allocator) writeFree(block, size int64) error {
	data := a.h.Bytes()
	format.PutI32(data, block, int32(size))
	format.PutU32(data, block+4, blockMagic)
	return a.h.Flush(block, HeaderSize)
}

// Region returns the payload region of the allocated block at addr.
func (a *Allocator) Region(addr int64) (heap.Region, error) {
	block, bsize, allocated, err := a.header(addr)
	if err != nil {
		return nil, err
	}
	if !allocated {
		return nil, fmt.Errorf("%w: %#x", ErrNotAllocated, addr)
	}
	return a.h.Region(block+HeaderSize, bsize-HeaderSize)
}

// IsAllocated reports whether addr is the payload address of an allocated block.
func (a *Allocator) IsAllocated(addr int64) bool {
	_, _, allocated, err := a.header(addr)
	return err == nil && allocated
}

// PayloadSize returns the usable size of the block at addr.
func (a *Allocator) PayloadSize(addr int64) (int64, error) {
	_, bsize, _, err := a.header(addr)
	if err != nil {
		return 0, err
	}
	return bsize - HeaderSize, nil
}

// Stats returns allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Allocs:     a.allocs,
		Frees:      a.frees,
		FreeBlocks: a.nfree,
		FreeBytes:  a.bytes,
		Top:        a.h.Top(),
		Arena:      a.h.Size() - a.h.ArenaStart(),
	}
}

func (a *Allocator) header(addr int64) (block, size int64, allocated bool, err error) {
	block = addr - HeaderSize
	if block < a.h.ArenaStart() || block+MinBlock > a.h.Top() || addr%8 != 0 {
		return 0, 0, false, fmt.Errorf("%w: %#x", ErrBadRef, addr)
	}
	data := a.h.Bytes()
	if format.ReadU32(data, block+4) != blockMagic {
		return 0, 0, false, fmt.Errorf("%w: %#x has no block header", ErrBadRef, addr)
	}
	raw := format.ReadI32(data, block)
	size = int64(raw)
	if raw < 0 {
		size, allocated = -size, true
	}
	if size < MinBlock || block+size > a.h.Top() {
		return 0, 0, false, fmt.Errorf("%w: %#x has size %d", ErrBadRef, addr, size)
	}
	return block, size, allocated, nil
}

// take removes a block of at least need bytes from the free lists, or carves a
// new one from the bump pointer.
func (a *Allocator) take(need int32) (int64, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.table.fit(need)
	if c < a.table.count() {
		for i := c; i < min(c+2, a.table.count()); i++ {
			if b, ok := a.pop(i); ok {
				return b, a.blockSize(b), nil
			}
		}
		carve := int64(a.table.sizes[c])
		if b, err := a.extend(carve); err == nil {
			return b, carve, nil
		}
		// Arena exhausted: accept any larger free block.
		for i := c + 2; i < a.table.count(); i++ {
			if b, ok := a.pop(i); ok {
				return b, a.blockSize(b), nil
			}
		}
	}
	if b, ok := a.popLarge(int64(need)); ok {
		return b, a.blockSize(b), nil
	}
	if c >= a.table.count() {
		if b, err := a.extend(int64(need)); err == nil {
			return b, int64(need), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: need %d bytes", ErrNoSpace, need)
}

// extend carves a durable free block of size bytes at the bump pointer.
// Caller holds a.mu.
func (a *Allocator) extend(size int64) (int64, error) {
	top := a.h.Top()
	if top+size > a.h.Size() {
		return 0, ErrNoSpace
	}
	data := a.h.Bytes()
	format.PutI32(data, top, int32(size))
	format.PutU32(data, top+4, blockMagic)
	if err := a.h.Flush(top, HeaderSize); err != nil {
		return 0, err
	}
	if err := a.h.SetTop(top + size); err != nil {
		return 0, err
	}
	return top, nil
}

func (a *Allocator) blockSize(block int64) int64 {
	return int64(format.ReadI32(a.h.Bytes(), block))
}

// push adds a free block to its list. Caller holds a.mu.
func (a *Allocator) push(block, size int64) {
	c := a.table.holds(int32(size))
	if c < a.table.count() {
		a.free[c] = append(a.free[c], block)
	} else {
		a.large = append(a.large, block)
	}
	a.nfree++
	a.bytes += size
}

func (a *Allocator) pop(c int) (int64, bool) {
	list := a.free[c]
	if len(list) == 0 {
		return 0, false
	}
	b := list[len(list)-1]
	a.free[c] = list[:len(list)-1]
	a.nfree--
	a.bytes -= a.blockSize(b)
	return b, true
}

// popLarge takes the first large block of at least need bytes and at most
// half again as big.
func (a *Allocator) popLarge(need int64) (int64, bool) {
	for i, b := range a.large {
		s := a.blockSize(b)
		if s >= need && s <= need+need/2 {
			a.large = append(a.large[:i], a.large[i+1:]...)
			a.nfree--
			a.bytes -= s
			return b, true
		}
	}
	return 0, false
}
