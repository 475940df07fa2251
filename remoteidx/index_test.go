package remoteidx

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildFileIndex writes a minimal single-block file-index (offsetBytes=0,
// so entries carry only a key and a big-endian u32 size).
func buildFileIndex(t *testing.T, keys [][]byte, sizes []uint32) string {
	t.Helper()
	const keyBytes = 16
	entrySize := keyBytes + 4
	blockKiB := 4
	blockSize := blockKiB << 10
	entriesPerBlock := blockSize / entrySize
	require.GreaterOrEqual(t, entriesPerBlock, len(keys))

	numBlocks := 1
	block := make([]byte, blockSize)
	for i, k := range keys {
		p := i * entrySize
		copy(block[p:p+keyBytes], k)
		binary.BigEndian.PutUint32(block[p+keyBytes:], sizes[i])
	}

	tocKeys := make([]byte, keyBytes*numBlocks)
	copy(tocKeys, keys[len(keys)-1])

	footer := make([]byte, footerSize)
	footer[8] = 1
	footer[11] = byte(blockKiB)
	footer[12] = 0 // offset_bytes: file-index
	footer[13] = 4 // size_bytes
	footer[14] = keyBytes
	footer[15] = 8
	binary.LittleEndian.PutUint32(footer[16:20], uint32(len(keys)))

	var buf bytes.Buffer
	buf.Write(block)
	buf.Write(tocKeys)
	buf.Write(footer)

	path := filepath.Join(t.TempDir(), "test.index")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestFileIndexLookup(t *testing.T) {
	k1 := bytes.Repeat([]byte{0x01}, 16)
	k2 := bytes.Repeat([]byte{0x02}, 16)
	path := buildFileIndex(t, [][]byte{k1, k2}, []uint32{100, 200})

	idx, err := Open(path, -1)
	require.NoError(t, err)
	defer idx.Close()

	ref, err := idx.Lookup(k1)
	require.NoError(t, err)
	require.EqualValues(t, 100, ref.Size)
	require.EqualValues(t, -1, ref.Offset)
	require.EqualValues(t, -1, ref.ArchiveID)

	miss := bytes.Repeat([]byte{0xFF}, 16)
	ref, err = idx.Lookup(miss)
	require.NoError(t, err)
	require.Equal(t, NotFound, ref)
}

func TestGroupIndexBuildAndRoundTrip(t *testing.T) {
	dir := t.TempDir()

	// two synthetic archive indices, each with a single-archive shape
	// (offsetBytes=4): key + size u32 BE + offset u32 BE.
	buildSingleArchiveIndex := func(name string, keys [][]byte, sizes, offsets []uint32) string {
		const keyBytes = 16
		entrySize := keyBytes + 4 + 4
		blockKiB := 4
		blockSize := blockKiB << 10
		block := make([]byte, blockSize)
		for i, k := range keys {
			p := i * entrySize
			copy(block[p:p+keyBytes], k)
			binary.BigEndian.PutUint32(block[p+keyBytes:], sizes[i])
			binary.BigEndian.PutUint32(block[p+keyBytes+4:], offsets[i])
		}
		tocKeys := make([]byte, keyBytes)
		copy(tocKeys, keys[len(keys)-1])

		footer := make([]byte, footerSize)
		footer[8] = 1
		footer[11] = byte(blockKiB)
		footer[12] = 4 // offset_bytes: single-archive
		footer[13] = 4
		footer[14] = keyBytes
		footer[15] = 8
		binary.LittleEndian.PutUint32(footer[16:20], uint32(len(keys)))

		var buf bytes.Buffer
		buf.Write(block)
		buf.Write(tocKeys)
		buf.Write(footer)

		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
		return path
	}

	ka := bytes.Repeat([]byte{0x0A}, 16)
	kb := bytes.Repeat([]byte{0x0B}, 16)
	p0 := buildSingleArchiveIndex("archive-0.index", [][]byte{ka}, []uint32{10}, []uint32{0})
	p1 := buildSingleArchiveIndex("archive-1.index", [][]byte{kb}, []uint32{20}, []uint32{5000})

	paths := []string{p0, p1}
	builder := NewGroupIndexBuilder(func(_ context.Context, name string) (string, error) {
		idx := name[0] - '0'
		return paths[idx], nil
	})

	data, filename, err := builder.Build(context.Background(), []string{"0", "1"}, "")
	require.NoError(t, err)
	require.Contains(t, filename, ".index")

	groupPath := filepath.Join(dir, "group.index")
	require.NoError(t, os.WriteFile(groupPath, data, 0o644))

	idx, err := Open(groupPath, -1)
	require.NoError(t, err)
	defer idx.Close()

	ref, err := idx.Lookup(ka)
	require.NoError(t, err)
	require.EqualValues(t, 10, ref.Size)
	require.EqualValues(t, 0, ref.ArchiveID)
	require.EqualValues(t, 0, ref.Offset)

	ref, err = idx.Lookup(kb)
	require.NoError(t, err)
	require.EqualValues(t, 20, ref.Size)
	require.EqualValues(t, 1, ref.ArchiveID)
	require.EqualValues(t, 5000, ref.Offset)
}
