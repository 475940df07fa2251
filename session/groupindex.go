package session

import (
	"context"
	"fmt"

	"github.com/rpcpool/tactgo/remoteidx"
	"k8s.io/klog/v2"
)

// loadGroupIndex resolves the archive group index per spec §4.13.2:
// if `archive-group` is present, prefer a cached copy named after it,
// regenerating via GroupIndexBuilder (checked against that expected
// name) on a miss; if the key is absent entirely, just build a fresh
// group index from `archives` with no name check.
func (s *BuildSession) loadGroupIndex(ctx context.Context) error {
	archives, err := s.requireCDNConfig("archives")
	if err != nil {
		// No archives at all: ranged archive fetches are simply
		// unavailable for this build; Open-by-EKey falls through to
		// the file index / blind CDN tiers.
		klog.V(2).Infof("session: no archives in cdn-config, skipping group index")
		return nil
	}

	archiveGroup, hasGroup := s.cdnConfig["archive-group"]
	opener := func(ctx context.Context, archiveName string) (string, error) {
		return s.fetcher.GetFilePath(ctx, "data", archiveName+".index", 0)
	}

	if hasGroup && len(archiveGroup) > 0 {
		expectedName := archiveGroup[0]
		if path, err := s.fetcher.GetFilePath(ctx, "data", expectedName+".index", 0); err == nil {
			idx, err := remoteidx.Open(path, -1)
			if err == nil {
				s.groupIndex = idx
				return nil
			}
			klog.Warningf("session: cached group index %q unreadable, regenerating: %v", expectedName, err)
		}

		builder := remoteidx.NewGroupIndexBuilder(opener)
		data, filename, err := builder.Build(ctx, archives, expectedName)
		if err != nil {
			return fmt.Errorf("regenerating group index: %w", err)
		}
		return s.installGroupIndex(ctx, filename, data)
	}

	builder := remoteidx.NewGroupIndexBuilder(opener)
	data, filename, err := builder.Build(ctx, archives, "")
	if err != nil {
		return fmt.Errorf("generating group index: %w", err)
	}
	return s.installGroupIndex(ctx, filename, data)
}

func (s *BuildSession) installGroupIndex(ctx context.Context, filename string, data []byte) error {
	path, err := s.fetcher.CachePath("data", filename)
	if err != nil {
		return err
	}
	if err := s.fetcher.WriteCacheFile(path, data); err != nil {
		return err
	}
	idx, err := remoteidx.Open(path, -1)
	if err != nil {
		return err
	}
	s.groupIndex = idx
	return nil
}

// archiveName maps a group-index entry's ArchiveID (a position into
// cdn-config's `archives` list) back to that archive's hash name.
func (s *BuildSession) archiveName(archiveID int32) (string, bool) {
	archives := s.cdnConfig["archives"]
	if archiveID < 0 || int(archiveID) >= len(archives) {
		return "", false
	}
	return archives[archiveID], true
}
