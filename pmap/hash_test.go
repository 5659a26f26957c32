package pmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Hash_KeyParity(t *testing.T) {
	for _, h := range []uint32{0, 1, 2, 0x7fffffff, 0xffffffff, 12345} {
		require.False(t, isSentinel(regularKey(h)), "regular key of %#x must be odd", h)
	}
	for _, s := range []uint32{0, 1, 2, 3, 1 << 29, 1<<30 - 1} {
		require.True(t, isSentinel(sentinelKey(s)), "sentinel key of %d must be even", s)
	}
}

func Test_Hash_ParentSlot(t *testing.T) {
	cases := map[uint32]uint32{0: 0, 1: 0, 2: 0, 3: 1, 4: 0, 5: 1, 6: 2, 7: 3, 12: 4, 1 << 20: 0}
	for slot, want := range cases {
		assert.Equal(t, want, parentSlot(slot), "parent of %d", slot)
	}
}

// A regular key sorts after its bucket's sentinel and before the sentinel of
// the bucket that follows in list order, at every capacity.
func Test_Hash_SentinelsPartitionKeys(t *testing.T) {
	keys := []int64{0, 255, 256, 4096, 1 << 20, -8, 0x7fff_ffff_ff00, 987654321}
	for _, key := range keys {
		h := hash(key)
		rk := regularKey(h)
		for c := uint32(1); c <= 1<<16; c <<= 1 {
			b := h & (c - 1)
			require.Less(t, sentinelKey(b), rk, "key %d, capacity %d", key, c)
			for other := uint32(0); other < c && c <= 64; other++ {
				sk := sentinelKey(other)
				if sk > sentinelKey(b) {
					require.True(t, sk > rk || sk < sentinelKey(b),
						"bucket %d sentinel falls inside bucket %d range for key %d", other, b, key)
				}
			}
		}
	}
}

func Test_Hash_Bits(t *testing.T) {
	require.Equal(t, uint32(0), hash(255))
	require.Equal(t, uint32(1), hash(256))
	require.Equal(t, uint32(0xffffffff), hash(-1))
	require.Equal(t, regularKey(hash(512)), SortKey(512))
}
