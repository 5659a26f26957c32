package heap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pmemkit/heap/dirty"
)

func smallOptions() Options {
	return Options{Size: 1 << 20, Lanes: 4, LaneSize: 16 << 10, Mode: dirty.FlushAuto}
}

func createTestHeap(t *testing.T) (*Heap, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pool")
	h, err := Create(path, smallOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h, path
}

func Test_Heap_CreateGeometry(t *testing.T) {
	h, _ := createTestHeap(t)

	sb := h.Superblock()
	assert.Equal(t, uint32(FormatVersion), sb.Version)
	assert.Equal(t, int64(1<<20), sb.Size)
	assert.Equal(t, 4, sb.Lanes)
	assert.Equal(t, int64(16<<10), sb.LaneSize)
	assert.Equal(t, int64(SuperblockSize+4*(16<<10)), sb.ArenaStart)
	assert.Equal(t, sb.ArenaStart, h.Top())
	assert.Equal(t, int64(SuperblockSize+2*(16<<10)), sb.LaneOffset(2))
	assert.True(t, h.Persistent())
}

func Test_Heap_CreateRefusesExisting(t *testing.T) {
	_, path := createTestHeap(t)
	_, err := Create(path, smallOptions())
	require.Error(t, err)
}

func Test_Heap_ReopenKeepsRootsAndTop(t *testing.T) {
	h, path := createTestHeap(t)
	id := h.Superblock().UUID

	r := h.RootRegion()
	r.PutLong(RootOffset(RootObject)-r.Addr(), 0xBEEF)
	require.NoError(t, r.Flush(0, r.Size()))
	require.NoError(t, h.SetTop(h.ArenaStart()+4096))
	require.NoError(t, h.Close())

	h2, err := Open(path, dirty.FlushAuto)
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, id, h2.Superblock().UUID)
	root, err := h2.Root(RootObject)
	require.NoError(t, err)
	assert.Equal(t, int64(0xBEEF), root)
	assert.Equal(t, h2.ArenaStart()+4096, h2.Top())
}

func Test_Heap_OpenRejectsCorruption(t *testing.T) {
	_, path := createTestHeap(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("magic", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[0] = 'X'
		p := filepath.Join(t.TempDir(), "bad.pool")
		require.NoError(t, os.WriteFile(p, bad, 0o644))
		_, err := Open(p, dirty.FlushAuto)
		require.ErrorIs(t, err, ErrBadMagic)
	})

	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), data...)
		bad[offLanes]++
		p := filepath.Join(t.TempDir(), "bad.pool")
		require.NoError(t, os.WriteFile(p, bad, 0o644))
		_, err := Open(p, dirty.FlushAuto)
		require.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("truncated", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "short.pool")
		require.NoError(t, os.WriteFile(p, data[:len(data)/2], 0o644))
		_, err := Open(p, dirty.FlushAuto)
		require.ErrorIs(t, err, ErrGeometry)
	})

	t.Run("empty", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "empty.pool")
		require.NoError(t, os.WriteFile(p, nil, 0o644))
		_, err := Open(p, dirty.FlushAuto)
		require.ErrorIs(t, err, ErrTooSmall)
	})
}

func Test_Heap_CreateTooSmall(t *testing.T) {
	_, err := NewVolatile(Options{Size: 8192, Lanes: 4, LaneSize: 4096})
	require.ErrorIs(t, err, ErrTooSmall)
}

func Test_Heap_SetTopBounds(t *testing.T) {
	h, err := NewVolatile(smallOptions())
	require.NoError(t, err)
	require.ErrorIs(t, h.SetTop(h.ArenaStart()-8), ErrOutOfBounds)
	require.ErrorIs(t, h.SetTop(h.Size()+8), ErrOutOfBounds)
	require.NoError(t, h.SetTop(h.Size()))
}

func Test_Heap_RootSlotBounds(t *testing.T) {
	h, err := NewVolatile(smallOptions())
	require.NoError(t, err)
	_, err = h.Root(RootSlots)
	require.ErrorIs(t, err, ErrRootSlot)
	_, err = h.Root(-1)
	require.ErrorIs(t, err, ErrRootSlot)
}
