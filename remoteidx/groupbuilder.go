package remoteidx

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/rpcpool/tactgo/tacterr"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ArchiveOpener resolves the name of one constituent archive's .index
// file (local disk or CDN-fetched-then-cached) to a local path the
// builder can mmap. Supplied by the Fetcher.
type ArchiveOpener func(ctx context.Context, archiveName string) (path string, err error)

// GroupIndexBuilder merges N per-archive remote indices into a single
// sorted, paged group index, naming the output file after the MD5 of
// its own 28-byte footer.
//
// Grounded on original_source's GroupIndex.cpp: one async task per
// archive feeding a mutex-guarded shared slice, followed by a serial
// sort and buffer-fill; golang.org/x/sync/errgroup replaces the
// teacher's ad hoc goroutine+WaitGroup fan-out (e.g. in
// compactindexsized's parallel build helpers) for the same "wait for
// all, propagate first error" shape.
type GroupIndexBuilder struct {
	open ArchiveOpener
}

func NewGroupIndexBuilder(open ArchiveOpener) *GroupIndexBuilder {
	return &GroupIndexBuilder{open: open}
}

// Build loads every named archive index, merges their entries, and
// returns the finished group-index bytes plus its canonical filename
// (<md5-of-footer>.index). If expectedName is non-empty and disagrees
// with the computed name, it returns a KindFooterMismatch error.
func (b *GroupIndexBuilder) Build(ctx context.Context, archiveNames []string, expectedName string) (data []byte, filename string, err error) {
	entries, err := b.loadAll(ctx, archiveNames)
	if err != nil {
		return nil, "", err
	}
	klog.V(2).Infof("remoteidx: merging %d entries from %d archives", len(entries), len(archiveNames))

	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].EKey, entries[j].EKey) < 0
	})

	return buildGroupIndex(entries, expectedName)
}

func (b *GroupIndexBuilder) loadAll(ctx context.Context, archiveNames []string) ([]mergedEntry, error) {
	var mu sync.Mutex
	var all []mergedEntry

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range archiveNames {
		i, name := i, name
		g.Go(func() error {
			path, err := b.open(ctx, name)
			if err != nil {
				return fmt.Errorf("opening archive index %q: %w", name, err)
			}
			idx, err := Open(path, int32(i))
			if err != nil {
				return fmt.Errorf("parsing archive index %q: %w", name, err)
			}
			defer idx.Close()

			entries, err := idx.AllEntries()
			if err != nil {
				return fmt.Errorf("reading archive index %q: %w", name, err)
			}
			merged := make([]mergedEntry, len(entries))
			for j, e := range entries {
				merged[j] = mergedEntry{EKey: e.EKey, Size: e.Ref.Size, ArchiveID: uint16(i), Offset: uint32(e.Ref.Offset)}
			}

			mu.Lock()
			all = append(all, merged...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, tacterr.Wrap(tacterr.KindIO, "remoteidx.loadAll", err)
	}
	return all, nil
}

type mergedEntry struct {
	EKey      []byte
	Size      uint32
	ArchiveID uint16
	Offset    uint32
}

const (
	groupKeyBytes   = 16
	groupSizeBytes  = 4
	groupHashBytes  = 8
	groupBlockKiB   = 4
)

func buildGroupIndex(entries []mergedEntry, expectedName string) ([]byte, string, error) {
	numElements := uint32(len(entries))
	blockSize := int64(groupBlockKiB) << 10
	entrySize := groupKeyBytes + groupSizeBytes + 2 /* archive id */ + 4 /* offset */
	entriesPerBlock := int(blockSize) / entrySize
	if entriesPerBlock <= 0 {
		return nil, "", tacterr.New(tacterr.KindBadFormat, "remoteidx.buildGroupIndex", "block too small for one entry")
	}
	numBlocks := 0
	if numElements > 0 {
		numBlocks = (int(numElements) + entriesPerBlock - 1) / entriesPerBlock
	}

	totalSize := int64(numBlocks)*blockSize + int64(numBlocks)*int64(groupKeyBytes+groupHashBytes) + footerSize
	buf := make([]byte, totalSize)

	tocKeysOff := int64(numBlocks) * blockSize
	tocHashesOff := tocKeysOff + int64(numBlocks)*int64(groupKeyBytes)

	for i := 0; i < numBlocks; i++ {
		blockStart := int64(i) * blockSize
		sliceStart := i * entriesPerBlock
		count := entriesPerBlock
		if remaining := int(numElements) - sliceStart; remaining < count {
			count = remaining
		}

		for j := 0; j < count; j++ {
			e := entries[sliceStart+j]
			p := blockStart + int64(j)*int64(entrySize)
			copy(buf[p:p+groupKeyBytes], e.EKey)
			binary.BigEndian.PutUint32(buf[p+groupKeyBytes:], e.Size)
			binary.BigEndian.PutUint16(buf[p+groupKeyBytes+4:], e.ArchiveID)
			binary.BigEndian.PutUint32(buf[p+groupKeyBytes+6:], e.Offset)
		}

		if count > 0 {
			lastKey := entries[sliceStart+count-1].EKey
			copy(buf[tocKeysOff+int64(i)*int64(groupKeyBytes):], lastKey)
		}
	}

	for i := 0; i < numBlocks; i++ {
		blockStart := int64(i) * blockSize
		sum := md5.Sum(buf[blockStart : blockStart+blockSize])
		copy(buf[tocHashesOff+int64(i)*int64(groupHashBytes):], sum[:groupHashBytes])
	}

	footerStart := totalSize - footerSize
	F := buf[footerStart:]
	// F[0:8) toc hash, filled below.
	F[8] = 1 // format_rev
	F[9] = 0 // flags0
	F[10] = 0 // flags1
	F[11] = groupBlockKiB
	F[12] = 6 // offset_bytes: group-archive shape
	F[13] = groupSizeBytes
	F[14] = groupKeyBytes
	F[15] = groupHashBytes
	binary.LittleEndian.PutUint32(F[16:20], numElements)

	tocLen := totalSize - tocKeysOff - footerSize
	tocHash := md5.Sum(buf[tocKeysOff : tocKeysOff+tocLen])
	copy(F[0:8], tocHash[:groupHashBytes])

	footerHash := md5.Sum(buf[footerStart : footerStart+20])
	copy(F[20:28], footerHash[:groupHashBytes])

	fullFooterHash := md5.Sum(buf[footerStart : footerStart+footerSize])
	computedName := fmt.Sprintf("%x.index", fullFooterHash)

	if expectedName != "" {
		want := expectedName
		if len(want) < 6 || want[len(want)-6:] != ".index" {
			want += ".index"
		}
		if want != computedName {
			return nil, "", tacterr.New(tacterr.KindFooterMismatch, "remoteidx.buildGroupIndex",
				fmt.Sprintf("computed footer name %q does not match expected %q", computedName, want))
		}
		return buf, want, nil
	}
	return buf, computedName, nil
}
