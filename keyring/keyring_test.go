package keyring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsNotError(t *testing.T) {
	k := New()
	require.NoError(t, k.Load(filepath.Join(t.TempDir(), "nope.txt")))
	_, ok := k.TryGet(0x1234)
	require.False(t, ok)
}

func TestLoadParsesPairs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "WoW.txt")
	content := "FA505078126ACB3E BDC51862ABED79B2DE48C8E7E66C6200\n" +
		"# a comment\n" +
		"\n" +
		"malformed-line\n" +
		"FF2274CD267E7218 AA0B5C77F088CCC2D39049BD267F066D\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	k := New()
	require.NoError(t, k.Load(path))

	key, ok := k.TryGet(0xFA505078126ACB3E)
	require.True(t, ok)
	require.Len(t, key, 16)

	_, ok = k.TryGet(0xdeadbeef)
	require.False(t, ok)
}

func TestSetOverwrites(t *testing.T) {
	k := New()
	k.Set(1, []byte("first-key-000000"))
	k.Set(1, []byte("second-key-00000"))
	got, ok := k.TryGet(1)
	require.True(t, ok)
	require.Equal(t, "second-key-00000", string(got))
}
