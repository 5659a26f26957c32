package pmap

import "math/bits"

// hash picks the bucket bits of a key. Keys are typically 8-aligned heap
// addresses, so the low byte carries little information.
func hash(key int64) uint32 {
	return uint32(uint64(key) >> 8)
}

// regularKey is the list order of a live entry. The top bit set before
// reversal makes it odd, so it never collides with a sentinel.
func regularKey(h uint32) uint32 {
	return bits.Reverse32(h | 0x8000_0000)
}

// sentinelKey is the list order of a bucket's sentinel. Bucket indexes stay
// below 1<<31, so the reversal is always even.
func sentinelKey(slot uint32) uint32 {
	return bits.Reverse32(slot)
}

func isSentinel(sortKey uint32) bool { return sortKey&1 == 0 }

// parentSlot is the bucket that slot splits from: slot with its highest bit cleared.
func parentSlot(slot uint32) uint32 {
	if slot == 0 {
		return 0
	}
	return slot - 1<<(bits.Len32(slot)-1)
}

// SortKey returns the position of key in the list order. Iteration yields
// entries in non-decreasing SortKey order.
func SortKey(key int64) uint32 {
	return regularKey(hash(key))
}
