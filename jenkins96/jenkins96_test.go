package jenkins96

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashEmpty(t *testing.T) {
	h := Hash(nil)
	require.EqualValues(t, 0xdeadbeef, h>>32)
	require.EqualValues(t, 0xdeadbeef, h&0xffffffff)

	require.Equal(t, h, Hash([]byte{}))
}

func TestHashStable(t *testing.T) {
	a := Hash([]byte("INTERFACE\\GLUES\\XML\\FRAMEXML.TOC"))
	b := Hash([]byte("INTERFACE\\GLUES\\XML\\FRAMEXML.TOC"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, Hash([]byte("something else")))
}

func TestHashPathNormalizes(t *testing.T) {
	withSlash := HashPath("Interface/Glues/Xml/FrameXML.toc")
	withBackslash := Hash([]byte("INTERFACE\\GLUES\\XML\\FRAMEXML.TOC"))
	require.Equal(t, withBackslash, withSlash)
}

func TestHashVariesWithLength(t *testing.T) {
	// exercises the block-boundary padding for inputs that aren't a
	// multiple of 12 bytes, and inputs that land exactly on one.
	lens := []int{1, 5, 11, 12, 13, 23, 24, 25}
	seen := make(map[uint64]bool)
	for _, n := range lens {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte('A' + i%26)
		}
		h := Hash(buf)
		require.False(t, seen[h], "unexpected collision at length %d", n)
		seen[h] = true
	}
}
