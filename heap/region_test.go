package heap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func checkRegionAccessors(t *testing.T, r Region) {
	t.Helper()
	r.PutByte(0, 0x7f)
	r.PutShort(2, -2)
	r.PutInt(4, -70000)
	r.PutLong(8, -1<<40)
	r.PutRawBytes(16, []byte("pmem"))

	require.Equal(t, byte(0x7f), r.GetByte(0))
	require.Equal(t, int16(-2), r.GetShort(2))
	require.Equal(t, int32(-70000), r.GetInt(4))
	require.Equal(t, int64(-1<<40), r.GetLong(8))

	got := make([]byte, 4)
	r.ReadRawBytes(16, got)
	require.Equal(t, "pmem", string(got))
	require.NoError(t, r.Flush(0, 20))
}

func Test_Region_Persistent(t *testing.T) {
	h, _ := createTestHeap(t)
	r, err := h.Region(h.ArenaStart(), 64)
	require.NoError(t, err)
	require.True(t, r.Persistent())
	require.Equal(t, h.ArenaStart(), r.Addr())
	checkRegionAccessors(t, r)

	// Writes land in the pool at the region's address.
	require.Equal(t, byte(0x7f), h.Bytes()[h.ArenaStart()])
}

func Test_Region_Volatile(t *testing.T) {
	r := NewVolatileRegion(32)
	require.False(t, r.Persistent())
	require.Equal(t, int64(-1), r.Addr())
	require.Equal(t, int64(32), r.Size())
	checkRegionAccessors(t, r)
}

func Test_Region_OutOfBounds(t *testing.T) {
	h, err := NewVolatile(smallOptions())
	require.NoError(t, err)
	_, err = h.Region(h.Size()-8, 16)
	require.ErrorIs(t, err, ErrOutOfBounds)
	_, err = h.Region(-1, 8)
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func Test_Copy_BetweenRegions(t *testing.T) {
	h, err := NewVolatile(smallOptions())
	require.NoError(t, err)
	src := NewVolatileRegion(16)
	src.PutRawBytes(4, []byte("abcd"))

	dst, err := h.Region(h.ArenaStart(), 16)
	require.NoError(t, err)
	Copy(src, 4, dst, 8, 4)

	got := make([]byte, 4)
	dst.ReadRawBytes(8, got)
	require.Equal(t, "abcd", string(got))

	Copy(src, 0, dst, 0, 0)
}
