package roottable

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testLocaleEnUS = 0x2
)

func appendU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func appendU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// legacyBlock writes one legacy-format block: count/content/locale header,
// then the FDID array, then interleaved (ckey[16]+lookup[8]) records.
func legacyBlock(buf *bytes.Buffer, content, locale uint32, deltas []uint32, ckeys [][16]byte, lookups []uint64) {
	appendU32(buf, uint32(len(deltas)))
	appendU32(buf, content)
	appendU32(buf, locale)
	for _, d := range deltas {
		appendU32(buf, d)
	}
	for i := range deltas {
		buf.Write(ckeys[i][:])
		appendU64(buf, lookups[i])
	}
}

func TestLegacyRootBasicDecode(t *testing.T) {
	var ck0, ck1 [16]byte
	for i := range ck0 {
		ck0[i] = 0x11
	}
	for i := range ck1 {
		ck1[i] = 0x22
	}

	var buf bytes.Buffer
	legacyBlock(&buf, 0, testLocaleEnUS,
		[]uint32{100, 5},
		[][16]byte{ck0, ck1},
		[]uint64{0xAAAA, 0xBBBB},
	)

	tbl, err := Parse(buf.Bytes(), Settings{Mode: LoadNormal, Locale: testLocaleEnUS})
	require.NoError(t, err)

	entries := tbl.EntriesByFDID(100)
	require.Len(t, entries, 1)
	require.Equal(t, ck0, entries[0].CKey)

	entries = tbl.EntriesByFDID(106)
	require.Len(t, entries, 1)
	require.Equal(t, ck1, entries[0].CKey)

	require.True(t, tbl.FileExistsByLookup(0xAAAA))
	byLookup := tbl.EntriesByLookup(0xBBBB)
	require.Len(t, byLookup, 1)
	require.EqualValues(t, 106, byLookup[0].FileDataID)
}

func TestLowViolenceBlockOmittedUnderNormalIncludedUnderFull(t *testing.T) {
	var ckA, ckB [16]byte
	for i := range ckA {
		ckA[i] = 0xAA
	}
	for i := range ckB {
		ckB[i] = 0xBB
	}

	var buf bytes.Buffer
	// visible block
	legacyBlock(&buf, 0, testLocaleEnUS, []uint32{10}, [][16]byte{ckA}, []uint64{1})
	// LowViolence block, omitted under Normal
	legacyBlock(&buf, contentLowViolence, testLocaleEnUS, []uint32{500}, [][16]byte{ckB}, []uint64{2})

	normal, err := Parse(buf.Bytes(), Settings{Mode: LoadNormal, Locale: testLocaleEnUS})
	require.NoError(t, err)
	require.True(t, normal.FileExistsByFDID(10))
	require.False(t, normal.FileExistsByFDID(500))

	full, err := Parse(buf.Bytes(), Settings{Mode: LoadFull, Locale: testLocaleEnUS})
	require.NoError(t, err)
	require.True(t, full.FileExistsByFDID(10))
	require.True(t, full.FileExistsByFDID(500))
}

func TestLocaleFilterSkipsNonMatchingBlock(t *testing.T) {
	var ck [16]byte
	for i := range ck {
		ck[i] = 0x77
	}
	var buf bytes.Buffer
	// koKR-only block; requested locale is enUS and it isn't in All_WoW-or-locale set... but koKR IS part of All_WoW,
	// so use a locale bit entirely outside All_WoW to force a skip: Unk_1 (0x1).
	legacyBlock(&buf, 0, 0x1, []uint32{42}, [][16]byte{ck}, []uint64{99})

	tbl, err := Parse(buf.Bytes(), Settings{Mode: LoadNormal, Locale: testLocaleEnUS})
	require.NoError(t, err)
	require.False(t, tbl.FileExistsByFDID(42))

	full, err := Parse(buf.Bytes(), Settings{Mode: LoadFull, Locale: testLocaleEnUS})
	require.NoError(t, err)
	require.True(t, full.FileExistsByFDID(42))
}

// newRootWithNames builds a "TSFM" v0 header (no df_version, data at
// offset 12) followed by one block with names (parallel fdid/ckey/lookup
// arrays, as written when ContentFlags.NoNames is clear).
func newRootWithNames(t *testing.T, content, locale uint32, deltas []uint32, ckeys [][16]byte, lookups []uint64) []byte {
	t.Helper()
	var buf bytes.Buffer
	appendU32(&buf, newRootMagic)
	appendU32(&buf, uint32(0)) // total_files (unused by parser beyond framing)
	appendU32(&buf, uint32(0)) // named_files == 0 means "not df_version", offset = 12

	appendU32(&buf, uint32(len(deltas)))
	appendU32(&buf, content)
	appendU32(&buf, locale)
	for _, d := range deltas {
		appendU32(&buf, d)
	}
	for _, ck := range ckeys {
		buf.Write(ck[:])
	}
	for _, lk := range lookups {
		appendU64(&buf, lk)
	}
	return buf.Bytes()
}

func TestNewRootWithNamesParallelArrays(t *testing.T) {
	var ck [16]byte
	for i := range ck {
		ck[i] = 0x55
	}
	data := newRootWithNames(t, 0, testLocaleEnUS, []uint32{7}, [][16]byte{ck}, []uint64{0xCAFE})

	tbl, err := Parse(data, Settings{Mode: LoadNormal, Locale: testLocaleEnUS})
	require.NoError(t, err)

	entries := tbl.EntriesByFDID(7)
	require.Len(t, entries, 1)
	require.Equal(t, ck, entries[0].CKey)
	require.True(t, tbl.FileExistsByLookup(0xCAFE))
}

func TestNewRootNoNamesHasNoLookup(t *testing.T) {
	var ck [16]byte
	for i := range ck {
		ck[i] = 0x66
	}
	var buf bytes.Buffer
	appendU32(&buf, newRootMagic)
	appendU32(&buf, uint32(0))
	appendU32(&buf, uint32(0))

	appendU32(&buf, 1)                 // count
	appendU32(&buf, contentNoNames)    // content
	appendU32(&buf, testLocaleEnUS)    // locale
	appendU32(&buf, 3)                 // fdid delta
	buf.Write(ck[:])                   // ckey, no lookup array follows

	tbl, err := Parse(buf.Bytes(), Settings{Mode: LoadNormal, Locale: testLocaleEnUS})
	require.NoError(t, err)

	entries := tbl.EntriesByFDID(3)
	require.Len(t, entries, 1)
	require.Equal(t, ck, entries[0].CKey)
	require.Empty(t, tbl.AvailableLookups())
}
