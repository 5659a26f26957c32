package pmap

import (
	"fmt"

	"github.com/joshuapare/pmemkit/heap"
)

// Node layout. Fields are packed without padding.
const (
	nodeHash  = 0  // uint32 sort key
	nodeKey   = 4  // int64
	nodeValue = 12 // int64, sentinelValue for sentinels
	nodeNext  = 20 // int64 address, 0 at the tail

	NodeSize = 28
)

const (
	// NotFound is returned by lookups and updates of absent keys.
	NotFound int64 = -1

	sentinelValue int64 = -3
)

type node struct {
	addr int64
	r    heap.Region
}

func (m *Map) node(addr int64) (node, error) {
	r, err := m.h.Region(addr, NodeSize)
	if err != nil {
		return node{}, fmt.Errorf("%w: node %#x: %w", ErrCorrupt, addr, err)
	}
	return node{addr: addr, r: r}, nil
}

func (n node) sortKey() uint32 { return uint32(n.r.GetInt(nodeHash)) }
func (n node) key() int64 { return n.r.GetLong(nodeKey) }
func (n node) value() int64 { return n.r.GetLong(nodeValue) }
func (n node) next() int64 { return n.r.GetLong(nodeNext) }
func (n node) sentinel() bool { return isSentinel(n.sortKey()) }
