package byteio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizedReads(t *testing.T) {
	buf := []byte{
		0x01,             // u8
		0x00, 0x02,       // u16 BE = 2
		0x03, 0x00,       // u16 LE = 3
		0x00, 0x00, 0x04, // u24 BE = 4
		0x00, 0x00, 0x00, 0x05, // u32 BE = 5
		0x06, 0x00, 0x00, 0x00, // u32 LE = 6
		0x00, 0x00, 0x00, 0x00, 0x07, // u40 BE = 7
	}
	r := NewReader(buf)

	v8, err := r.U8()
	require.NoError(t, err)
	require.EqualValues(t, 1, v8)

	v16be, err := r.U16BE()
	require.NoError(t, err)
	require.EqualValues(t, 2, v16be)

	v16le, err := r.U16LE()
	require.NoError(t, err)
	require.EqualValues(t, 3, v16le)

	v24, err := r.U24BE()
	require.NoError(t, err)
	require.EqualValues(t, 4, v24)

	v32be, err := r.U32BE()
	require.NoError(t, err)
	require.EqualValues(t, 5, v32be)

	v32le, err := r.U32LE()
	require.NoError(t, err)
	require.EqualValues(t, 6, v32le)

	v40, err := r.U40BE()
	require.NoError(t, err)
	require.EqualValues(t, 7, v40)

	require.Equal(t, 0, r.Remaining())
}

func TestReadPastEndFails(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.U32BE()
	require.Error(t, err)
}

func TestNulString(t *testing.T) {
	r := NewReader([]byte("hello\x00world"))
	s, err := r.NulString(20)
	require.NoError(t, err)
	require.Equal(t, "hello", s)
	rest, err := r.Bytes(5)
	require.NoError(t, err)
	require.Equal(t, "world", string(rest))
}

func TestSeek(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	require.NoError(t, r.Seek(2))
	v, err := r.U8()
	require.NoError(t, err)
	require.EqualValues(t, 3, v)
	require.Error(t, r.Seek(10))
}
