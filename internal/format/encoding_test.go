package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Encoding_RoundTripsAtOffsets(t *testing.T) {
	b := make([]byte, 32)

	PutU16(b, 1, 0xBEEF)
	PutI32(b, 3, -7)
	PutI64(b, 7, -1234567890123)
	PutU64(b, 15, 0xDEADBEEFCAFEBABE)

	require.Equal(t, uint16(0xBEEF), ReadU16(b, 1))
	require.Equal(t, int32(-7), ReadI32(b, 3))
	require.Equal(t, int64(-1234567890123), ReadI64(b, 7))
	require.Equal(t, uint64(0xDEADBEEFCAFEBABE), ReadU64(b, 15))
}

func Test_Align(t *testing.T) {
	require.Equal(t, int64(8), Align8(1))
	require.Equal(t, int64(8), Align8(8))
	require.Equal(t, int64(16), Align8(9))
	require.Equal(t, int64(4096), AlignPage(1))
	require.Equal(t, int64(8192), AlignPage(4097))
	require.Equal(t, int64(64), AlignTo(33, 32))
}
