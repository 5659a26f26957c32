package object

import (
	"context"
	"fmt"
	"sync"

	"github.com/joshuapare/pmemkit/heap"
	"github.com/joshuapare/pmemkit/heap/alloc"
	"github.com/joshuapare/pmemkit/tx"
)

// Type name record: {next int64, len int32, name bytes}.
const (
	nameNext   = 0
	nameLen    = 8
	nameBytes  = 12
	maxNameLen = 1 << 16
)

// typeNames is the durable chain of interned type names rooted in
// heap.RootTypeNames. Records are shared by every object of the type and are
// never freed.
type typeNames struct {
	h  *heap.Heap
	al *alloc.Allocator

	internMu sync.Mutex // serializes appends to the chain

	mu     sync.RWMutex
	byName map[string]int64
	byAddr map[int64]string
}

func loadTypeNames(h *heap.Heap, al *alloc.Allocator) (*typeNames, error) {
	n := &typeNames{h: h, al: al, byName: make(map[string]int64), byAddr: make(map[int64]string)}
	seen := 0
	for a := readRoot(h, heap.RootTypeNames); a != 0; {
		r, err := al.Region(a)
		if err != nil {
			return nil, fmt.Errorf("object: type name record %#x: %w", a, err)
		}
		l := int64(r.GetInt(nameLen))
		if l < 0 || l > maxNameLen || nameBytes+l > r.Size() {
			return nil, fmt.Errorf("object: type name record %#x: bad length %d", a, l)
		}
		b := make([]byte, l)
		r.ReadRawBytes(nameBytes, b)
		name := string(b)
		if _, dup := n.byName[name]; dup {
			return nil, fmt.Errorf("object: type name %q interned twice", name)
		}
		n.byName[name] = a
		n.byAddr[a] = name
		if seen++; seen > 1<<20 {
			return nil, fmt.Errorf("object: type name chain does not terminate")
		}
		a = r.GetLong(nameNext)
	}
	return n, nil
}

// intern returns the record address for name, appending a record if the
// name is new. The record commits on its own, whatever happens to any
// transaction in ctx.
func (n *typeNames) intern(ctx context.Context, tm *tx.Manager, name string) (int64, error) {
	if a, ok := n.lookup(name); ok {
		return a, nil
	}
	if len(name) > maxNameLen {
		return 0, fmt.Errorf("object: type name of %d bytes too long", len(name))
	}

	n.internMu.Lock()
	defer n.internMu.Unlock()
	if a, ok := n.lookup(name); ok {
		return a, nil
	}
	var a int64
	err := tm.RunOuter(ctx, func(ctx context.Context) error {
		t := tx.FromContext(ctx)
		r, err := n.al.Alloc(t, nameBytes+int64(len(name)))
		if err != nil {
			return err
		}
		w, err := t.Region(r)
		if err != nil {
			return err
		}
		w.PutLong(nameNext, readRoot(n.h, heap.RootTypeNames))
		w.PutInt(nameLen, int32(len(name)))
		w.PutRawBytes(nameBytes, []byte(name))
		a = r.Addr()
		return writeRoot(t, n.h, heap.RootTypeNames, a)
	})
	if err != nil {
		return 0, fmt.Errorf("object: intern %q: %w", name, err)
	}
	n.mu.Lock()
	n.byName[name] = a
	n.byAddr[a] = name
	n.mu.Unlock()
	return a, nil
}

func (n *typeNames) lookup(name string) (int64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a, ok := n.byName[name]
	return a, ok
}

func (n *typeNames) name(addr int64) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.byAddr[addr]
	return s, ok
}

func (n *typeNames) isRecord(addr int64) bool {
	_, ok := n.name(addr)
	return ok
}

func (n *typeNames) len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.byName)
}
