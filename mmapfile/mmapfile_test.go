package mmapfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenReadSlice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	content := []byte("hello, mapped world")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, int64(len(content)), f.Len())

	got, err := f.Slice(7, 6)
	require.NoError(t, err)
	require.Equal(t, "mapped", string(got))

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestSliceOutOfBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Slice(0, 10)
	require.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.bin"))
	require.Error(t, err)
}
