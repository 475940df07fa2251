// Package session implements BuildSession: the top-level composition
// that boots a Fetcher, parses build/cdn configs, resolves or
// regenerates the archive group index, and loads the file index,
// Encoding, and Root tables — then serves Open-by-FDID/CKey/EKey
// against that loaded state.
//
// Grounded on spec §4.13's state machine and original_source's
// CASCLib-adjacent BuildInstance/CDN composition; the package layout
// (one file per concern, thin top-level struct wiring them together)
// follows the teacher's storage.go, which composes MappedFile +
// index + archive lookups the same way.
package session

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rpcpool/tactgo/encoding"
	"github.com/rpcpool/tactgo/fetch"
	"github.com/rpcpool/tactgo/remoteidx"
	"github.com/rpcpool/tactgo/roottable"
	"github.com/rpcpool/tactgo/tactconfig"
	"github.com/rpcpool/tactgo/tacterr"
	"k8s.io/klog/v2"
)

// State is a BuildSession's position in the Created -> Configured ->
// Loaded state machine (spec §4.13).
type State int

const (
	StateCreated State = iota
	StateConfigured
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConfigured:
		return "Configured"
	case StateLoaded:
		return "Loaded"
	default:
		return "Unknown"
	}
}

// BuildSession composes the Fetcher with the parsed configs and the
// loaded Encoding/Root tables and remote indices, exposing Open-by-FDID
// /CKey/EKey. Not safe for concurrent Load, but once Loaded every Open
// call is safe from many goroutines, since nothing mutates its fields
// again after Load completes.
type BuildSession struct {
	mu    sync.RWMutex
	state State

	fetcher    *fetch.Fetcher
	rootSettings roottable.Settings

	buildConfig map[string][]string
	cdnConfig   map[string][]string

	fileIndex  *remoteidx.Index
	groupIndex *remoteidx.Index

	encodingTable *encoding.Table
	rootTable     *roottable.Table

	blobs *blobCache

	// installData is the raw decoded bytes behind the `install` CKey.
	// Parsing the install manifest's own record format is out of
	// scope (spec §1 Non-goals) — BuildSession only has to surface the
	// decoded bytes an InstallInstance contract would be built on top
	// of.
	installData []byte
}

// blobCacheLifeWindow bounds how long a decoded Open-by-EKey result
// stays in the in-memory cache; it has no bearing on correctness
// since a miss just falls through to the Fetcher's own tiers.
const blobCacheLifeWindow = 10 * time.Minute

// New constructs a Created-state BuildSession around an already
// constructed Fetcher (which owns the CDN server list and any scanned
// local CASC indices).
func New(fetcher *fetch.Fetcher, rootSettings roottable.Settings) *BuildSession {
	blobs, err := newBlobCache(context.Background(), blobCacheLifeWindow)
	if err != nil {
		klog.Warningf("session: blob cache disabled: %v", err)
		blobs = nil
	}
	return &BuildSession{
		fetcher:      fetcher,
		rootSettings: rootSettings,
		state:        StateCreated,
		blobs:        blobs,
	}
}

// State returns the session's current state machine position.
func (s *BuildSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LoadConfigs parses the build-config and cdn-config sources, each of
// which may be a local file path or a 32-hex-char config hash (fetched
// via the Fetcher's "config" blob type). Transitions Created ->
// Configured.
func (s *BuildSession) LoadConfigs(ctx context.Context, buildConfigSrc, cdnConfigSrc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCreated {
		return fmt.Errorf("session.LoadConfigs: expected Created state, got %s", s.state)
	}

	buildConfig, err := s.resolveKeyValueConfig(ctx, buildConfigSrc)
	if err != nil {
		return fmt.Errorf("loading build-config: %w", err)
	}
	cdnConfig, err := s.resolveKeyValueConfig(ctx, cdnConfigSrc)
	if err != nil {
		return fmt.Errorf("loading cdn-config: %w", err)
	}

	s.buildConfig = buildConfig
	s.cdnConfig = cdnConfig
	s.state = StateConfigured
	return nil
}

// resolveKeyValueConfig reads src as a local file if it isn't a
// plausible 32-hex-char blob hash, else fetches it from the CDN as a
// "config" blob.
func (s *BuildSession) resolveKeyValueConfig(ctx context.Context, src string) (map[string][]string, error) {
	if isConfigHash(src) {
		data, err := s.fetcher.GetFile(ctx, "config", src, 0, 0, false)
		if err != nil {
			return nil, err
		}
		return tactconfig.ParseKeyValue(bytes.NewReader(data))
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindIO, "session.resolveKeyValueConfig", err)
	}
	defer f.Close()
	return tactconfig.ParseKeyValue(f)
}

func isConfigHash(s string) bool {
	if len(s) != 32 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// Load resolves the group index, file index, Encoding, Root, and
// Install per spec §4.13, transitioning Configured -> Loaded. Any
// missing required cdn-config/build-config key is fatal.
func (s *BuildSession) Load(ctx context.Context, localBaseDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigured {
		return fmt.Errorf("session.Load: expected Configured state, got %s", s.state)
	}

	if localBaseDir != "" {
		if err := s.fetcher.ScanLocalIndices(); err != nil {
			klog.Warningf("session: local CASC scan failed, degrading to CDN-only: %v", err)
		}
	}

	if err := s.loadGroupIndex(ctx); err != nil {
		return fmt.Errorf("resolving group index: %w", err)
	}
	if err := s.loadFileIndex(ctx); err != nil {
		return fmt.Errorf("resolving file index: %w", err)
	}
	if err := s.loadEncoding(ctx); err != nil {
		return fmt.Errorf("loading encoding: %w", err)
	}
	if err := s.loadRoot(ctx); err != nil {
		return fmt.Errorf("loading root: %w", err)
	}
	if err := s.loadInstall(ctx); err != nil {
		return fmt.Errorf("loading install: %w", err)
	}

	s.state = StateLoaded
	return nil
}

func (s *BuildSession) requireBuildConfig(key string) ([]string, error) {
	v, ok := s.buildConfig[key]
	if !ok || len(v) == 0 {
		return nil, tacterr.New(tacterr.KindBadFormat, "session.Load", fmt.Sprintf("build-config missing required key %q", key))
	}
	return v, nil
}

func (s *BuildSession) requireCDNConfig(key string) ([]string, error) {
	v, ok := s.cdnConfig[key]
	if !ok || len(v) == 0 {
		return nil, tacterr.New(tacterr.KindBadFormat, "session.Load", fmt.Sprintf("cdn-config missing required key %q", key))
	}
	return v, nil
}

func (s *BuildSession) loadFileIndex(ctx context.Context) error {
	fileIndexKeys, err := s.requireCDNConfig("file-index")
	if err != nil {
		return err
	}
	path, err := s.fetcher.GetFilePath(ctx, "data", fileIndexKeys[0]+".index", 0)
	if err != nil {
		return err
	}
	idx, err := remoteidx.Open(path, -1)
	if err != nil {
		return err
	}
	s.fileIndex = idx
	return nil
}

func (s *BuildSession) loadEncoding(ctx context.Context) error {
	encKeys, err := s.requireBuildConfig("encoding")
	if err != nil {
		return err
	}
	encSizes, err := s.requireBuildConfig("encoding-size")
	if err != nil {
		return err
	}
	if len(encKeys) < 2 || len(encSizes) < 2 {
		return tacterr.New(tacterr.KindBadFormat, "session.loadEncoding", "encoding/encoding-size require a CKey+EKey pair each")
	}
	eKey := encKeys[1]
	encodedSize, err := strconv.ParseUint(encSizes[1], 10, 64)
	if err != nil {
		return tacterr.Wrap(tacterr.KindBadFormat, "session.loadEncoding", err)
	}
	decodedSize, err := strconv.ParseUint(encSizes[0], 10, 64)
	if err != nil {
		return tacterr.Wrap(tacterr.KindBadFormat, "session.loadEncoding", err)
	}

	path, err := s.fetcher.GetDecodedFilePath(ctx, "data", eKey, encodedSize, decodedSize)
	if err != nil {
		return err
	}
	table, err := encoding.Open(path)
	if err != nil {
		return err
	}
	s.encodingTable = table
	return nil
}

func (s *BuildSession) loadRoot(ctx context.Context) error {
	rootKeys, err := s.requireBuildConfig("root")
	if err != nil {
		return err
	}
	data, err := s.resolveByContentKey(ctx, rootKeys[0])
	if err != nil {
		return err
	}
	table, err := roottable.Parse(data, s.rootSettings)
	if err != nil {
		return err
	}
	s.rootTable = table
	return nil
}

func (s *BuildSession) loadInstall(ctx context.Context) error {
	installKeys, err := s.requireBuildConfig("install")
	if err != nil {
		return err
	}
	data, err := s.resolveByContentKey(ctx, installKeys[0])
	if err != nil {
		return err
	}
	s.installData = data
	return nil
}

// resolveByContentKey decodes a hex CKey string, looks it up in
// Encoding, and fetches + BLTE-decodes the resulting EKey's bytes.
func (s *BuildSession) resolveByContentKey(ctx context.Context, cKeyHex string) ([]byte, error) {
	cKey, err := hex.DecodeString(cKeyHex)
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindBadFormat, "session.resolveByContentKey", err)
	}
	entry, found, err := s.encodingTable.FindContentKey(cKey)
	if err != nil {
		return nil, err
	}
	if !found || len(entry.EKeys) == 0 {
		return nil, tacterr.New(tacterr.KindNotFound, "session.resolveByContentKey", fmt.Sprintf("ckey %s not in encoding", cKeyHex))
	}
	return s.openEKey(ctx, entry.EKeys[0], entry.DecodedSize, true)
}

// InstallData returns the raw decoded bytes of the install manifest
// resolved at Load, for a caller that implements its own
// InstallInstance-shaped parser on top.
func (s *BuildSession) InstallData() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installData
}
