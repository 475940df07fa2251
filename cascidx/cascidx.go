// Package cascidx reads a single local CASC bucket index (one of the
// "XX*.idx" files under Data/data), a fixed 40-byte header followed by
// a tightly packed, EKey-prefix-sorted entry array, and resolves an
// EKey to its archive id, offset, and on-disk size.
//
// Grounded on the teacher's paged lower_bound search in
// compactindexsized/query.go, adapted from that format's hash-bucket
// CDB layout to CASC's flat sorted-array layout (header field order
// taken from original_source's CASCIndexInstance.h); the mmap backing
// comes from mmapfile, shared with every other on-disk table in this
// module.
package cascidx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/rpcpool/tactgo/mmapfile"
	"github.com/rpcpool/tactgo/tacterr"
)

const headerSize = 40

// ArchiveRef locates a blob inside a local data.NNN archive.
// ArchiveID == -1 means "not present in this index".
type ArchiveRef struct {
	ArchiveID int32
	Offset    uint32
	Size      uint32
}

// NotFound is the sentinel returned for an absent key.
var NotFound = ArchiveRef{ArchiveID: -1, Offset: 0xFFFFFFFF, Size: 0}

// Index is one bucketed local .idx file, memory-mapped and parsed once.
type Index struct {
	file *mmapfile.File

	keyBytes         int
	entryOffsetBytes int
	entrySizeBytes   int
	entrySize        int
	numEntries       int
	entriesOff       int64
}

// Open memory-maps path and validates its 40-byte header.
func Open(path string) (*Index, error) {
	f, err := mmapfile.Open(path)
	if err != nil {
		return nil, err
	}
	idx, err := load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return idx, nil
}

func load(f *mmapfile.File) (*Index, error) {
	hdr, err := f.Slice(0, headerSize)
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindBadFormat, "cascidx.load", err)
	}

	// Header layout, all little-endian, exactly 40 bytes:
	//   headerHashSize u32, headerHash u32, version u16,
	//   bucketIndex u8, extraBytes u8, entrySizeBytes u8,
	//   entryOffsetBytes u8, entryKeyBytes u8, entryOffsetBits u8,
	//   maxArchiveSize u64, padding[8], entriesSize u32, entriesHash u32.
	entrySizeBytes := int(hdr[12])
	entryOffsetBytes := int(hdr[13])
	keyBytes := int(hdr[14])
	if keyBytes == 0 {
		keyBytes = 9
	}
	if entrySizeBytes == 0 {
		entrySizeBytes = 4
	}
	if entryOffsetBytes == 0 {
		entryOffsetBytes = 5
	}
	entriesBlockSize := binary.LittleEndian.Uint32(hdr[32:36])

	entrySize := keyBytes + entryOffsetBytes + entrySizeBytes
	numEntries := 0
	if entrySize > 0 {
		numEntries = int(entriesBlockSize) / entrySize
	}

	return &Index{
		file:             f,
		keyBytes:         keyBytes,
		entryOffsetBytes: entryOffsetBytes,
		entrySizeBytes:   entrySizeBytes,
		entrySize:        entrySize,
		numEntries:       numEntries,
		entriesOff:       headerSize,
	}, nil
}

// Close releases the underlying mapping.
func (idx *Index) Close() error { return idx.file.Close() }

// Lookup resolves ekey (the full 16-byte key; only the first KeyBytes()
// bytes are compared) to its archive location, or NotFound.
func (idx *Index) Lookup(ekey []byte) (ArchiveRef, error) {
	prefix := ekey
	if len(prefix) > idx.keyBytes {
		prefix = prefix[:idx.keyBytes]
	}

	i := sort.Search(idx.numEntries, func(i int) bool {
		key, err := idx.entryKey(i)
		if err != nil {
			return true
		}
		return bytes.Compare(key, prefix) >= 0
	})
	if i >= idx.numEntries {
		return NotFound, nil
	}
	key, err := idx.entryKey(i)
	if err != nil {
		return NotFound, err
	}
	if !bytes.Equal(key, prefix) {
		return NotFound, nil
	}
	return idx.entryRef(i)
}

func (idx *Index) entryOffset(i int) int64 {
	return idx.entriesOff + int64(i)*int64(idx.entrySize)
}

func (idx *Index) entryKey(i int) ([]byte, error) {
	return idx.file.Slice(idx.entryOffset(i), idx.keyBytes)
}

// entryRef decodes the packed (archive_id, offset, size) triple that
// follows the key. The local on-disk layout folds archive_id into the
// top bits of a 40-bit big-endian offset field: byte 0 is indexHigh,
// the next four bytes (big-endian) are indexLow.
func (idx *Index) entryRef(i int) (ArchiveRef, error) {
	rest, err := idx.file.Slice(idx.entryOffset(i)+int64(idx.keyBytes), idx.entryOffsetBytes+idx.entrySizeBytes)
	if err != nil {
		return NotFound, tacterr.Wrap(tacterr.KindIO, "cascidx.entryRef", err)
	}
	indexHigh := uint32(rest[0])
	indexLow := binary.BigEndian.Uint32(rest[1:5])
	archiveID := (indexHigh << 2) | (indexLow >> 30)
	archiveOffset := (indexLow & 0x3FFFFFFF) + 30
	rawSize := binary.LittleEndian.Uint32(rest[idx.entryOffsetBytes : idx.entryOffsetBytes+idx.entrySizeBytes])
	if rawSize < 30 {
		return NotFound, tacterr.New(tacterr.KindBadFormat, "cascidx.entryRef", fmt.Sprintf("entry %d has implausible size %d", i, rawSize))
	}
	return ArchiveRef{
		ArchiveID: int32(archiveID),
		Offset:    archiveOffset,
		Size:      rawSize - 30,
	}, nil
}

// Bucket returns the 0..15 bucket an EKey belongs to: XOR-fold of its
// first 9 bytes, low nibble XOR high nibble.
func Bucket(ekey []byte) byte {
	var b byte
	for i := 0; i < 9 && i < len(ekey); i++ {
		b ^= ekey[i]
	}
	return (b & 0xF) ^ (b >> 4)
}
