package encoding

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// putU40BE writes v as a 5-byte big-endian integer, matching byteio's U40BE.
func putU40BE(v uint64) []byte {
	return []byte{byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// buildEncodingFile assembles a minimal one-page-per-table Encoding file
// with one c-record and one e-record, mirroring the on-disk layout
// derived from original_source/EncodingInstance.cpp's ReadHeader.
func buildEncodingFile(t *testing.T, cKey, eKey []byte, decodedSize uint64, encodedSize uint64, spec string) string {
	t.Helper()
	const keySize = 16
	const pageKiB = 4
	pageSize := pageKiB << 10

	specBlob := append([]byte(spec), 0)

	cRec := new(bytes.Buffer)
	cRec.WriteByte(1) // eKey count
	cRec.Write(putU40BE(decodedSize))
	cRec.Write(cKey)
	cRec.Write(eKey)
	cPage := make([]byte, pageSize)
	copy(cPage, cRec.Bytes())

	cHeaderEntry := make([]byte, keySize+16)
	copy(cHeaderEntry, cKey) // last (only) key in the page

	eRec := new(bytes.Buffer)
	eRec.Write(eKey)
	var specIdx [4]byte
	binary.BigEndian.PutUint32(specIdx[:], 0)
	eRec.Write(specIdx[:])
	eRec.Write(putU40BE(encodedSize))
	ePage := make([]byte, pageSize)
	copy(ePage, eRec.Bytes())

	eHeaderEntry := make([]byte, keySize+16)
	copy(eHeaderEntry, eKey)

	header := new(bytes.Buffer)
	header.WriteString("EN")
	header.WriteByte(1)       // version
	header.WriteByte(keySize) // cKeySize
	header.WriteByte(keySize) // eKeySize
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(pageKiB))
	header.Write(u16[:]) // cPageKiB
	header.Write(u16[:]) // ePageKiB
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 1)
	header.Write(u32[:]) // cPageCount
	header.Write(u32[:]) // ePageCount
	header.WriteByte(0)  // reserved
	binary.BigEndian.PutUint32(u32[:], uint32(len(specBlob)))
	header.Write(u32[:]) // specSize

	var buf bytes.Buffer
	buf.Write(header.Bytes())
	buf.Write(specBlob)
	buf.Write(cHeaderEntry)
	buf.Write(cPage)
	buf.Write(eHeaderEntry)
	buf.Write(ePage)

	path := filepath.Join(t.TempDir(), "test.encoding")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestHeaderFixture(t *testing.T) {
	// The spec's literal 22-byte header example: version 1, cKeySize 16,
	// eKeySize 16, 4 KiB pages both sides, one page each, specSize 0x20.
	raw := []byte{
		0x45, 0x4E, 0x01, 0x10, 0x10, 0x00, 0x04, 0x00, 0x04,
		0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
		0x00, 0x00, 0x00, 0x00, 0x20,
	}
	spec := make([]byte, 0x20)
	buf := append(append([]byte{}, raw...), spec...)
	// pad out c-header/c-page/e-header/e-page (32-byte header entries,
	// 4 KiB pages) so the file holds every region the header declares;
	// zero-filled pages are harmless for this test.
	buf = append(buf, make([]byte, 32+4096+32+4096)...)
	path := filepath.Join(t.TempDir(), "hdr.encoding")
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	require.Equal(t, 16, tbl.cKeySize)
	require.Equal(t, 16, tbl.eKeySize)
	require.EqualValues(t, 1, tbl.cPageCount)
	require.EqualValues(t, 1, tbl.ePageCount)
	require.EqualValues(t, 4096, tbl.cPageSize)
	require.EqualValues(t, 4096, tbl.ePageSize)
	require.EqualValues(t, 0x20, tbl.specLen)
}

func TestFindContentKeyHitAndMiss(t *testing.T) {
	cKey := bytes.Repeat([]byte{0xAA}, 16)
	eKey := bytes.Repeat([]byte{0xBB}, 16)
	path := buildEncodingFile(t, cKey, eKey, 12345, 6789, "z")

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	entry, ok, err := tbl.FindContentKey(cKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 12345, entry.DecodedSize)
	require.Len(t, entry.EKeys, 1)
	require.Equal(t, eKey, entry.EKeys[0])

	miss := bytes.Repeat([]byte{0xCC}, 16)
	_, ok, err = tbl.FindContentKey(miss)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetESpecHitAndMiss(t *testing.T) {
	cKey := bytes.Repeat([]byte{0xAA}, 16)
	eKey := bytes.Repeat([]byte{0xBB}, 16)
	path := buildEncodingFile(t, cKey, eKey, 100, 42, "n")

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	entry, ok, err := tbl.GetESpec(eKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "n", entry.Spec)
	require.EqualValues(t, 42, entry.EncodedSize)

	miss := bytes.Repeat([]byte{0xDD}, 16)
	_, ok, err = tbl.GetESpec(miss)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPredecessorPageBeforeFirstEntryIsNotFound(t *testing.T) {
	// A target strictly less than the only page's sole (and thus last)
	// key still resolves to page 0 (the i==0 boundary in
	// predecessorPage), but the in-page linear scan finds no matching
	// record, so the overall lookup reports not-found.
	cKey := bytes.Repeat([]byte{0x50}, 16)
	eKey := bytes.Repeat([]byte{0x60}, 16)
	path := buildEncodingFile(t, cKey, eKey, 1, 1, "z")

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	below := bytes.Repeat([]byte{0x10}, 16)
	_, ok, err := tbl.FindContentKey(below)
	require.NoError(t, err)
	require.False(t, ok)
}
