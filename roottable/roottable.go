// Package roottable reads TACT's Root file: a whole-file, in-memory
// blockwise structure mapping fileDataID (and an optional Jenkins96
// name-hash lookup) to CKey, filtered by locale and content-flag
// bitmasks across two on-disk header shapes and two in-memory load
// modes.
//
// Grounded on original_source/RootInstance.cpp, which parses legacy
// and "TSFM" new-format roots with one shared stride/offset
// computation rather than three separately-coded entry-region layouts;
// this module keeps that shape since it is the real, working
// algorithm and the three layouts spec §4.10 describes fall out of it
// as special cases (see DESIGN.md).
package roottable

const (
	newRootMagic = 0x4D465354 // "TSFM" read as a little-endian u32

	localeAllWoW = 0x2 | 0x4 | 0x10 | 0x20 | 0x40 | 0x80 | 0x100 | 0x200 | 0x1000 | 0x2000 | 0x4000 | 0x8000 | 0x10000
	contentLowViolence = 0x80
	contentNoNames     = 0x10000000

	sizeFDID   = 4
	sizeCHash  = 16
	sizeLookup = 8
)

// LoadMode governs how entries sharing a fileDataID are retained.
type LoadMode int

const (
	// LoadNormal keeps only the first entry seen per fileDataID.
	LoadNormal LoadMode = iota
	// LoadFull keeps every entry seen per fileDataID.
	LoadFull
)

// Entry is one root record: a CKey plus the flags of the block it came from.
type Entry struct {
	ContentFlags uint32
	LocaleFlags  uint32
	Lookup       uint64
	FileDataID   uint32
	CKey         [16]byte
}

// Settings selects which blocks are visible to a load.
type Settings struct {
	Mode   LoadMode
	Locale uint32
}

// Table is a parsed, filtered Root file.
type Table struct {
	mode LoadMode

	byFDID     map[uint32]Entry
	byFDIDFull map[uint32][]Entry
	byLookup   map[uint64]uint32
}

// Parse reads data (the whole Root file) and builds a Table per settings.
func Parse(data []byte, settings Settings) (*Table, error) {
	t := &Table{
		mode:     settings.Mode,
		byLookup: make(map[uint64]uint32),
	}
	if settings.Mode == LoadFull {
		t.byFDIDFull = make(map[uint32][]Entry)
	} else {
		t.byFDID = make(map[uint32]Entry)
	}

	offset := 0
	newRoot := false
	dfVersion := uint32(0)

	if len(data) >= 12 && readU32LE(data, 0) == newRootMagic {
		newRoot = true
		totalFiles := readU32LE(data, 4)
		namedFiles := readU32LE(data, 8)
		if namedFiles == 1 || namedFiles == 2 {
			dfHeaderSize := totalFiles
			dfVersion = namedFiles
			offset = int(dfHeaderSize)
			_ = readU32LE(data, 12) // total_files, unused beyond header framing
			_ = readU32LE(data, 16) // named_files, unused beyond header framing
		} else {
			offset = 12
		}
	}

	for offset < len(data) {
		if offset+4 > len(data) {
			break
		}
		count := readU32LE(data, offset)
		offset += 4

		var contentFlags, localeFlags uint32
		if dfVersion == 2 {
			localeFlags = readU32LE(data, offset)
			offset += 4
			u1 := readU32LE(data, offset)
			offset += 4
			u2 := readU32LE(data, offset)
			offset += 4
			b := data[offset]
			offset++
			contentFlags = u1 | u2 | (uint32(b) << 17)
		} else {
			contentFlags = readU32LE(data, offset)
			offset += 4
			localeFlags = readU32LE(data, offset)
			offset += 4
		}

		localeSkip := localeFlags&localeAllWoW == 0 && localeFlags&settings.Locale == 0
		contentSkip := contentFlags&contentLowViolence != 0
		skipChunk := localeSkip || contentSkip
		if settings.Mode == LoadFull {
			skipChunk = false
		}

		separateLookup := newRoot
		doLookup := !newRoot || contentFlags&contentNoNames == 0

		strideFDID := sizeFDID
		strideCHash := sizeCHash + sizeLookup
		strideLookup := sizeCHash + sizeLookup
		if separateLookup {
			strideCHash = sizeCHash
			strideLookup = sizeLookup
		}

		offFDID := offset
		offCHash := offFDID + int(count)*sizeFDID
		offLookup := offCHash + sizeCHash
		if separateLookup {
			offLookup = offCHash + int(count)*sizeCHash
		}

		lookupSize := 0
		if doLookup {
			lookupSize = sizeLookup
		}
		blockSize := int(count) * (sizeFDID + sizeCHash + lookupSize)

		if !skipChunk {
			fileIndex := uint32(0)
			for i := uint32(0); i < count; i++ {
				if offFDID+sizeFDID > len(data) {
					break
				}
				delta := readU32LE(data, offFDID)
				offFDID += strideFDID
				fid := fileIndex + delta
				fileIndex = fid + 1

				var ckey [16]byte
				if offCHash+sizeCHash <= len(data) {
					copy(ckey[:], data[offCHash:offCHash+sizeCHash])
				}
				offCHash += strideCHash

				entry := Entry{
					ContentFlags: contentFlags,
					LocaleFlags:  localeFlags,
					FileDataID:   fid,
					CKey:         ckey,
				}

				if doLookup {
					if offLookup+sizeLookup <= len(data) {
						entry.Lookup = readU64LE(data, offLookup)
					}
					offLookup += strideLookup
					t.byLookup[entry.Lookup] = fid
				}

				if settings.Mode == LoadFull {
					t.byFDIDFull[fid] = append(t.byFDIDFull[fid], entry)
				} else if _, exists := t.byFDID[fid]; !exists {
					t.byFDID[fid] = entry
				}
			}
		}

		offset += blockSize
	}

	return t, nil
}

func readU32LE(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func readU64LE(b []byte, off int) uint64 {
	return uint64(readU32LE(b, off)) | uint64(readU32LE(b, off+4))<<32
}

// EntriesByFDID returns every entry on record for fileDataID (at most
// one under LoadNormal, all of them under LoadFull).
func (t *Table) EntriesByFDID(fileDataID uint32) []Entry {
	if t.mode == LoadFull {
		return append([]Entry(nil), t.byFDIDFull[fileDataID]...)
	}
	if e, ok := t.byFDID[fileDataID]; ok {
		return []Entry{e}
	}
	return nil
}

// EntriesByLookup resolves a Jenkins96 name hash through the lookup
// table and returns the matching fileDataID's entries.
func (t *Table) EntriesByLookup(lookup uint64) []Entry {
	fid, ok := t.byLookup[lookup]
	if !ok {
		return nil
	}
	return t.EntriesByFDID(fid)
}

// AvailableFDIDs returns every fileDataID with at least one visible entry.
func (t *Table) AvailableFDIDs() []uint32 {
	var out []uint32
	if t.mode == LoadFull {
		out = make([]uint32, 0, len(t.byFDIDFull))
		for id := range t.byFDIDFull {
			out = append(out, id)
		}
	} else {
		out = make([]uint32, 0, len(t.byFDID))
		for id := range t.byFDID {
			out = append(out, id)
		}
	}
	return out
}

// AvailableLookups returns every name-hash lookup key on record.
func (t *Table) AvailableLookups() []uint64 {
	out := make([]uint64, 0, len(t.byLookup))
	for lk := range t.byLookup {
		out = append(out, lk)
	}
	return out
}

// FileExistsByFDID reports whether fileDataID has a visible entry.
func (t *Table) FileExistsByFDID(fileDataID uint32) bool {
	if t.mode == LoadFull {
		_, ok := t.byFDIDFull[fileDataID]
		return ok
	}
	_, ok := t.byFDID[fileDataID]
	return ok
}

// FileExistsByLookup reports whether a name-hash lookup resolves to anything.
func (t *Table) FileExistsByLookup(lookup uint64) bool {
	_, ok := t.byLookup[lookup]
	return ok
}
