package dirty

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// memTarget is a volatile target: no file, so flushes are no-ops.
type memTarget struct {
	data []byte
	f    *os.File
}

func (m *memTarget) Bytes() []byte  { return m.data }
func (m *memTarget) File() *os.File { return m.f }
func (m *memTarget) Mapped() bool   { return false }

// setupFileTarget creates an unmapped, file-backed target of size bytes.
func setupFileTarget(t testing.TB, size int) *memTarget {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heap.pool")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(size)))
	t.Cleanup(func() { _ = f.Close() })
	return &memTarget{data: make([]byte, size), f: f}
}

func Test_DirtyTracker_PageAlignment(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 16384)})

	// offset 100, length 200 rounds to [0, 4096)
	tracker.Add(100, 200)

	coalesced := tracker.coalesce()
	require.Len(t, coalesced, 1)
	require.Equal(t, int64(0), coalesced[0].Off)
	require.Equal(t, int64(4096), coalesced[0].Len)
}

func Test_DirtyTracker_Coalesce_Adjacent(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 32768)})
	tracker.Add(4096, 4096)
	tracker.Add(8192, 4096)

	coalesced := tracker.coalesce()
	require.Equal(t, []Range{{Off: 4096, Len: 8192}}, coalesced)
}

func Test_DirtyTracker_Coalesce_OverlappingAndSeparate(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 65536)})
	tracker.Add(0x5000, 1)
	tracker.Add(0x1ff8, 16)
	tracker.Add(0x1010, 8)

	coalesced := tracker.coalesce()
	require.Equal(t, []Range{
		{Off: 0x1000, Len: 0x2000},
		{Off: 0x5000, Len: 0x1000},
	}, coalesced)
}

func Test_DirtyTracker_Coalesce_ClampsToImage(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 5000)})
	tracker.Add(4990, 8)

	coalesced := tracker.coalesce()
	require.Equal(t, []Range{{Off: 4096, Len: 5000 - 4096}}, coalesced)
}

func Test_DirtyTracker_IgnoresEmptyRanges(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 4096)})
	tracker.Add(10, 0)
	tracker.Add(10, -4)
	require.Equal(t, 0, tracker.Len())
	require.Nil(t, tracker.DebugCoalescedRanges())
}

func Test_DirtyTracker_Reset(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 8192)})
	tracker.Add(0, 10)
	tracker.Add(5000, 10)
	require.Len(t, tracker.DebugRanges(), 2)

	tracker.Reset()
	require.Empty(t, tracker.DebugRanges())
}

func Test_DirtyTracker_FlushVolatileIsNoop(t *testing.T) {
	tracker := NewTracker(&memTarget{data: make([]byte, 8192)})
	tracker.Add(0, 10)
	require.NoError(t, tracker.Flush(context.Background(), FlushFull))
	require.Equal(t, 0, tracker.Len())
}

func Test_DirtyTracker_FlushWritesBack(t *testing.T) {
	target := setupFileTarget(t, 3*4096)
	copy(target.data[4096+7:], "persisted")
	copy(target.data[8192:], "skipped")

	tracker := NewTracker(target)
	tracker.Add(4096+7, 9)
	require.NoError(t, tracker.Flush(context.Background(), FlushAuto))
	require.Equal(t, 0, tracker.Len())

	onDisk, err := os.ReadFile(target.f.Name())
	require.NoError(t, err)
	require.Equal(t, "persisted", string(onDisk[4096+7:4096+16]))
	require.Equal(t, make([]byte, 7), onDisk[8192:8199])
}

func Test_DirtyTracker_FlushModes(t *testing.T) {
	for _, mode := range []FlushMode{FlushAuto, FlushDataOnly, FlushFull, FlushNone} {
		t.Run(mode.String(), func(t *testing.T) {
			target := setupFileTarget(t, 8192)
			tracker := NewTracker(target)
			tracker.Add(100, 8)
			require.NoError(t, tracker.Flush(context.Background(), mode))
			require.Equal(t, 0, tracker.Len())
		})
	}
}

func Test_DirtyTracker_Flush_PreCancelled(t *testing.T) {
	target := setupFileTarget(t, 8192)
	tracker := NewTracker(target)
	tracker.Add(100, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tracker.Flush(ctx, FlushAuto), context.Canceled)
	require.Equal(t, 1, tracker.Len(), "ranges kept for a later flush")
}

func Test_FlushRange_WritesSingleRange(t *testing.T) {
	target := setupFileTarget(t, 8192)
	copy(target.data[10:], "undo")
	require.NoError(t, FlushRange(target, 10, 4, FlushDataOnly))
	require.NoError(t, Sync(target, FlushAuto))

	onDisk, err := os.ReadFile(target.f.Name())
	require.NoError(t, err)
	require.Equal(t, "undo", string(onDisk[10:14]))
}
