// Package encoding reads TACT's Encoding table: a paged structure
// mapping CKey -> (decoded size, EKey...) and EKey -> (encoding-spec
// string, encoded size), both selected by a predecessor binary search
// over a sparse header of per-page last-keys.
//
// Grounded on the teacher's paged lookup in compactindexsized/query.go
// for the header-then-linear-scan shape; the exact header byte layout
// and record encodings come from spec §4.9 and
// original_source/TactCppLib/EncodingInstance.cpp.
package encoding

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/rpcpool/tactgo/byteio"
	"github.com/rpcpool/tactgo/mmapfile"
	"github.com/rpcpool/tactgo/tacterr"
)

const headerSize = 22

// Table is an opened Encoding file.
type Table struct {
	file *mmapfile.File

	cKeySize int
	eKeySize int

	cHeaderOff  int64
	cHeaderLen  int64
	cPagesOff   int64
	cPageSize   int64
	cPageCount  int32

	eHeaderOff int64
	eHeaderLen int64
	ePagesOff  int64
	ePageSize  int64
	ePageCount int32

	specOff int64
	specLen int64

	specOnce  sync.Once
	specErr   error
	specTable []string
}

// ContentEntry is the c-table record returned by FindContentKey.
type ContentEntry struct {
	EKeys       [][]byte
	DecodedSize uint64
}

// EncodedEntry is the e-table record returned by GetESpec.
type EncodedEntry struct {
	Spec        string
	EncodedSize uint64
}

// Open memory-maps path and parses its 22-byte header.
func Open(path string) (*Table, error) {
	f, err := mmapfile.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := load(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func load(f *mmapfile.File) (*Table, error) {
	hdr, err := f.Slice(0, headerSize)
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindBadFormat, "encoding.load", err)
	}
	r := byteio.NewReader(hdr)

	magic, err := r.Bytes(2)
	if err != nil || string(magic) != "EN" {
		return nil, tacterr.New(tacterr.KindBadFormat, "encoding.load", "missing EN magic")
	}
	version, err := r.U8()
	if err != nil || version != 1 {
		return nil, tacterr.New(tacterr.KindNotSupported, "encoding.load", fmt.Sprintf("unsupported encoding version %d", version))
	}
	cKeySize, _ := r.U8()
	eKeySize, _ := r.U8()
	cPageKiB, _ := r.U16BE()
	ePageKiB, _ := r.U16BE()
	cPageCount, _ := r.I32BE()
	ePageCount, _ := r.I32BE()
	_, _ = r.U8() // reserved
	specSize, err := r.I32BE()
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindBadFormat, "encoding.load", err)
	}

	cHeaderEntrySize := int64(cKeySize) + 16 // last c-key + per-page md5 ("observed hash" marker)
	eHeaderEntrySize := int64(eKeySize) + 16

	specOff := int64(headerSize)
	specLen := int64(specSize)

	cHeaderOff := specOff + specLen
	cHeaderLen := cHeaderEntrySize * int64(cPageCount)
	cPagesOff := cHeaderOff + cHeaderLen
	cPageSize := int64(cPageKiB) << 10
	cPagesLen := cPageSize * int64(cPageCount)

	eHeaderOff := cPagesOff + cPagesLen
	eHeaderLen := eHeaderEntrySize * int64(ePageCount)
	ePagesOff := eHeaderOff + eHeaderLen
	ePageSize := int64(ePageKiB) << 10

	return &Table{
		file:       f,
		cKeySize:   int(cKeySize),
		eKeySize:   int(eKeySize),
		cHeaderOff: cHeaderOff,
		cHeaderLen: cHeaderLen,
		cPagesOff:  cPagesOff,
		cPageSize:  cPageSize,
		cPageCount: cPageCount,
		eHeaderOff: eHeaderOff,
		eHeaderLen: eHeaderLen,
		ePagesOff:  ePagesOff,
		ePageSize:  ePageSize,
		ePageCount: ePageCount,
		specOff:    specOff,
		specLen:    specLen,
	}, nil
}

// Close releases the underlying mapping.
func (t *Table) Close() error { return t.file.Close() }

// header entries are {lastKey[keySize], md5[16]}; only the key matters for search.
func (t *Table) headerKey(baseOff int64, entrySize int64, keySize int, i int32) ([]byte, error) {
	return t.file.Slice(baseOff+int64(i)*entrySize, keySize)
}

// predecessorPage resolves the page a key may live in: the page whose
// header key is the greatest key <= target, found by searching for the
// first header entry > target and stepping back one. A target equal to
// a header key selects that key's own page, and a target past every
// header key selects the last page. A target below the first header
// key has no earlier page to step back to, so it resolves to page 0
// rather than underflowing to not-found; the in-page scan then decides
// hit or miss. A table with no pages yields -1.
func predecessorPage(numPages int32, keySize int, headerOff, entrySize int64, file *mmapfile.File, target []byte) (int32, error) {
	if numPages <= 0 {
		return -1, nil
	}
	i := sort.Search(int(numPages), func(i int) bool {
		key, err := file.Slice(headerOff+int64(i)*entrySize, keySize)
		if err != nil {
			return true
		}
		return bytes.Compare(key, target) > 0
	})
	if i > 0 {
		i--
	}
	return int32(i), nil
}

// FindContentKey resolves ckey to its EKey list and decoded size.
func (t *Table) FindContentKey(ckey []byte) (ContentEntry, bool, error) {
	prefix := ckey
	if len(prefix) > t.cKeySize {
		prefix = prefix[:t.cKeySize]
	}
	cEntrySize := int64(t.cKeySize) + 16

	page, err := predecessorPage(t.cPageCount, t.cKeySize, t.cHeaderOff, cEntrySize, t.file, prefix)
	if err != nil {
		return ContentEntry{}, false, err
	}
	if page < 0 {
		return ContentEntry{}, false, nil
	}

	pageBytes, err := t.file.Slice(t.cPagesOff+int64(page)*t.cPageSize, int(t.cPageSize))
	if err != nil {
		return ContentEntry{}, false, tacterr.Wrap(tacterr.KindIO, "encoding.FindContentKey", err)
	}
	r := byteio.NewReader(pageBytes)

	for r.Remaining() > 0 {
		count, err := r.U8()
		if err != nil {
			break
		}
		if count == 0 {
			// zero-padding at page tail.
			break
		}
		decodedSize, err := r.U40BE()
		if err != nil {
			return ContentEntry{}, false, tacterr.Wrap(tacterr.KindBadFormat, "encoding.FindContentKey", err)
		}
		recCKey, err := r.Bytes(t.cKeySize)
		if err != nil {
			return ContentEntry{}, false, tacterr.Wrap(tacterr.KindBadFormat, "encoding.FindContentKey", err)
		}
		eKeysBlob, err := r.Bytes(int(count) * t.eKeySize)
		if err != nil {
			return ContentEntry{}, false, tacterr.Wrap(tacterr.KindBadFormat, "encoding.FindContentKey", err)
		}
		if bytes.Equal(recCKey, prefix) {
			eKeys := make([][]byte, count)
			for i := 0; i < int(count); i++ {
				k := make([]byte, t.eKeySize)
				copy(k, eKeysBlob[i*t.eKeySize:(i+1)*t.eKeySize])
				eKeys[i] = k
			}
			return ContentEntry{EKeys: eKeys, DecodedSize: decodedSize}, true, nil
		}
	}
	return ContentEntry{}, false, nil
}

// GetESpec resolves ekey to its encoding-spec string and encoded size.
func (t *Table) GetESpec(ekey []byte) (EncodedEntry, bool, error) {
	if err := t.ensureSpecTable(); err != nil {
		return EncodedEntry{}, false, err
	}

	prefix := ekey
	if len(prefix) > t.eKeySize {
		prefix = prefix[:t.eKeySize]
	}
	eEntrySize := int64(t.eKeySize) + 16

	page, err := predecessorPage(t.ePageCount, t.eKeySize, t.eHeaderOff, eEntrySize, t.file, prefix)
	if err != nil {
		return EncodedEntry{}, false, err
	}
	if page < 0 {
		return EncodedEntry{}, false, nil
	}

	pageBytes, err := t.file.Slice(t.ePagesOff+int64(page)*t.ePageSize, int(t.ePageSize))
	if err != nil {
		return EncodedEntry{}, false, tacterr.Wrap(tacterr.KindIO, "encoding.GetESpec", err)
	}
	recSize := t.eKeySize + 4 + 5
	for off := 0; off+recSize <= len(pageBytes); off += recSize {
		rec := pageBytes[off : off+recSize]
		recKey := rec[:t.eKeySize]
		if !bytes.Equal(recKey, prefix) {
			continue
		}
		r := byteio.NewReader(rec[t.eKeySize:])
		specIdx, err := r.U32BE()
		if err != nil {
			return EncodedEntry{}, false, tacterr.Wrap(tacterr.KindBadFormat, "encoding.GetESpec", err)
		}
		encSize, err := r.U40BE()
		if err != nil {
			return EncodedEntry{}, false, tacterr.Wrap(tacterr.KindBadFormat, "encoding.GetESpec", err)
		}
		if int(specIdx) >= len(t.specTable) {
			return EncodedEntry{}, false, tacterr.New(tacterr.KindBadFormat, "encoding.GetESpec", "spec index out of range")
		}
		return EncodedEntry{Spec: t.specTable[specIdx], EncodedSize: encSize}, true, nil
	}
	return EncodedEntry{}, false, nil
}

func (t *Table) ensureSpecTable() error {
	t.specOnce.Do(func() {
		blob, err := t.file.Slice(t.specOff, int(t.specLen))
		if err != nil {
			t.specErr = tacterr.Wrap(tacterr.KindIO, "encoding.ensureSpecTable", err)
			return
		}
		var specs []string
		start := 0
		for i, b := range blob {
			if b == 0 {
				specs = append(specs, string(blob[start:i]))
				start = i + 1
			}
		}
		t.specTable = specs
	})
	return t.specErr
}
