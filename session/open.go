package session

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rpcpool/tactgo/remoteidx"
	"github.com/rpcpool/tactgo/tacterr"
	"k8s.io/klog/v2"
)

// OpenEKey resolves an EKey to bytes: archive (ranged fetch) if the
// group index has it, else the file index (whole-file fetch with a
// known compressed size), else a blind whole-file CDN fetch with a
// logged warning. decSize of 0 disables the decoded-size sanity check
// inside BLTE decode; decode selects whether the fetched bytes are
// piped through the BLTE codec.
func (s *BuildSession) OpenEKey(ctx context.Context, eKey []byte, decSize uint64, decode bool) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateLoaded {
		return nil, fmt.Errorf("session.OpenEKey: expected Loaded state, got %s", s.state)
	}
	return s.openEKey(ctx, eKey, decSize, decode)
}

func (s *BuildSession) openEKey(ctx context.Context, eKey []byte, decSize uint64, decode bool) ([]byte, error) {
	eHex := hex.EncodeToString(eKey)

	if decode {
		if cached, ok := s.blobs.get(eHex); ok {
			return cached, nil
		}
	}

	data, err := s.fetchEKey(ctx, eHex, eKey, decSize, decode)
	if err != nil {
		return nil, err
	}
	if decode {
		s.blobs.set(eHex, data)
	}
	return data, nil
}

// fetchEKey is the uncached tier walk: archive (ranged fetch) if the
// group index has it, else file index (whole-file fetch with a known
// compressed size), else a blind whole-file CDN fetch.
func (s *BuildSession) fetchEKey(ctx context.Context, eHex string, eKey []byte, decSize uint64, decode bool) ([]byte, error) {
	if s.groupIndex != nil {
		ref, err := s.groupIndex.Lookup(eKey)
		if err != nil {
			return nil, err
		}
		if ref != remoteidx.NotFound {
			if archive, ok := s.archiveName(ref.ArchiveID); ok {
				return s.fetcher.GetFileFromArchive(ctx, eHex, archive, ref.Offset, int64(ref.Size), decSize, decode)
			}
		}
	}

	if s.fileIndex != nil {
		ref, err := s.fileIndex.Lookup(eKey)
		if err != nil {
			return nil, err
		}
		if ref != remoteidx.NotFound {
			return s.fetcher.GetFile(ctx, "data", eHex, uint64(ref.Size), decSize, decode)
		}
	}

	klog.Warningf("session: ekey %s not found in group or file index, attempting blind CDN fetch", eHex)
	return s.fetcher.GetFile(ctx, "data", eHex, 0, decSize, decode)
}

// OpenCKey resolves a CKey via Encoding to its first EKey, then opens
// that EKey with decode=true (a CKey names decoded content by
// definition).
func (s *BuildSession) OpenCKey(ctx context.Context, cKey []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateLoaded {
		return nil, fmt.Errorf("session.OpenCKey: expected Loaded state, got %s", s.state)
	}

	entry, found, err := s.encodingTable.FindContentKey(cKey)
	if err != nil {
		return nil, err
	}
	if !found || len(entry.EKeys) == 0 {
		return nil, tacterr.New(tacterr.KindNotFound, "session.OpenCKey", fmt.Sprintf("ckey %s not in encoding", hex.EncodeToString(cKey)))
	}
	return s.openEKey(ctx, entry.EKeys[0], entry.DecodedSize, true)
}

// OpenFDID resolves a fileDataID via Root to its CKey, then delegates
// to OpenCKey.
func (s *BuildSession) OpenFDID(ctx context.Context, fileDataID uint32) ([]byte, error) {
	s.mu.RLock()
	rootEntries := s.rootTable
	state := s.state
	s.mu.RUnlock()
	if state != StateLoaded {
		return nil, fmt.Errorf("session.OpenFDID: expected Loaded state, got %s", state)
	}

	entries := rootEntries.EntriesByFDID(fileDataID)
	if len(entries) == 0 {
		return nil, tacterr.New(tacterr.KindNotFound, "session.OpenFDID", fmt.Sprintf("fileDataID %d not in root", fileDataID))
	}
	cKey := entries[0].CKey[:]
	return s.OpenCKey(ctx, cKey)
}
