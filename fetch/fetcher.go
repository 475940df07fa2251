// Package fetch implements the tiered content-blob fetcher: local CASC
// archives first, then a per-path-mutexed disk cache, then a
// failover-across-servers ranged CDN download — in that strict order,
// never falling back to an earlier tier once a later one has been
// probed for the same call.
//
// Grounded on the teacher's split-car-fetcher package: NewHTTPClient's
// transport tuning (split-car-fetcher/http.go), the validate-URL /
// Range-GET / retry shape of NewRemoteHTTPFileAsIoReaderAt
// (split-car-fetcher/remote-file.go), and the prometheus
// counter/histogram style of the metrics package. The three-tier
// policy itself (local CASC bucket -> cache -> CDN, size-mismatch
// deletes and retries once) comes from spec §4.11 and
// original_source/CDN.cpp.
package fetch

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/goware/urlx"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rpcpool/tactgo/blte"
	"github.com/rpcpool/tactgo/cascidx"
	"github.com/rpcpool/tactgo/keyring"
	"github.com/rpcpool/tactgo/tacterr"
	"k8s.io/klog/v2"
)

// failedHostTTL is how long a CDN host is skipped after a failed
// request before being retried, a circuit breaker the spec's "try next
// server" description doesn't itself require but which keeps a dead
// mirror from being hammered on every subsequent fetch.
const failedHostTTL = 2 * time.Minute

// Settings configures a Fetcher's local install and cache locations.
type Settings struct {
	// BaseDir is the root of a local CASC install (contains Data/).
	// Empty disables tier 1 entirely.
	BaseDir string
	// CacheDir is the root of the on-disk cache.
	CacheDir string
	// ProductDir is the CDN path component for the active product
	// (e.g. "wow"), set once the build/cdn config has been resolved.
	ProductDir string
}

// Fetcher is the tiered blob fetcher: local CASC, then disk cache,
// then CDN with per-host failover.
type Fetcher struct {
	settings Settings
	client   *http.Client
	keys     *keyring.KeyStore

	cdnMu      sync.Mutex
	cdnServers []string

	failedHosts *ttlcache.Cache[string, struct{}]

	pathLocks sync.Map // string -> *sync.Mutex

	indicesMu sync.RWMutex
	indices   map[byte]*cascidx.Index
}

// New constructs a Fetcher. keys may be nil, in which case
// keyring.Default() is used for BLTE decode calls.
func New(settings Settings, keys *keyring.KeyStore) *Fetcher {
	if keys == nil {
		keys = keyring.Default()
	}
	fc := ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](failedHostTTL))
	go fc.Start()
	return &Fetcher{
		settings:    settings,
		client:      newHTTPClient(),
		keys:        keys,
		failedHosts: fc,
		indices:     make(map[byte]*cascidx.Index),
	}
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			IdleConnTimeout:     90 * time.Second,
			MaxConnsPerHost:     64,
			MaxIdleConnsPerHost: 16,
			Proxy:               http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 60 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// SetCDNServers replaces the ordered list of CDN hosts to try.
func (f *Fetcher) SetCDNServers(hosts []string) {
	f.cdnMu.Lock()
	defer f.cdnMu.Unlock()
	f.cdnServers = append([]string(nil), hosts...)
}

func (f *Fetcher) cdnServerList() []string {
	f.cdnMu.Lock()
	defer f.cdnMu.Unlock()
	return append([]string(nil), f.cdnServers...)
}

// ScanLocalIndices loads every "XX*.idx" bucket index under
// <BaseDir>/Data/data, keeping the lexicographically greatest filename
// per two-hex-digit bucket prefix (CASC's own versioning convention).
// Best-effort: a missing or unreadable BaseDir degrades to CDN-only,
// matching original_source's CDN::OpenLocal, which logs and continues
// rather than failing construction.
func (f *Fetcher) ScanLocalIndices() error {
	if f.settings.BaseDir == "" {
		return nil
	}
	dataDir := filepath.Join(f.settings.BaseDir, "Data", "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		klog.Warningf("fetch: no local CASC indices at %q: %v", dataDir, err)
		return nil
	}

	latest := make(map[string]string) // bucket hex prefix -> filename
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".idx") || len(name) < 2 {
			continue
		}
		prefix := name[:2]
		if cur, ok := latest[prefix]; !ok || name > cur {
			latest[prefix] = name
		}
	}

	f.indicesMu.Lock()
	defer f.indicesMu.Unlock()
	for prefix, name := range latest {
		bucket, err := parseHexByte(prefix)
		if err != nil {
			continue
		}
		idx, err := cascidx.Open(filepath.Join(dataDir, name))
		if err != nil {
			klog.Warningf("fetch: failed to open local index %q: %v", name, err)
			continue
		}
		f.indices[bucket] = idx
	}
	klog.V(2).Infof("fetch: loaded %d local CASC bucket indices from %q", len(f.indices), dataDir)
	return nil
}

func parseHexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}

// GetFile fetches the full blob identified by (type, hash), optionally
// decoding it as BLTE. compSize/decSize of 0 disable their respective
// sanity checks.
func (f *Fetcher) GetFile(ctx context.Context, typ, hash string, compSize, decSize uint64, decode bool) ([]byte, error) {
	data, err := f.downloadFull(ctx, typ, hash, compSize)
	if err != nil {
		return nil, err
	}
	if !decode {
		return data, nil
	}
	return blte.Decode(data, uint32(decSize), f.keys)
}

// GetFileFromArchive fetches a byte range (offset, length) of the
// named archive, optionally decoding it as BLTE. eKey takes no part in
// the fetch: the cache path is derived from the archive name alone.
func (f *Fetcher) GetFileFromArchive(ctx context.Context, eKey, archive string, offset, length int64, decSize uint64, decode bool) ([]byte, error) {
	data, err := f.downloadRange(ctx, archive, offset, length)
	if err != nil {
		return nil, err
	}
	if !decode {
		return data, nil
	}
	return blte.Decode(data, uint32(decSize), f.keys)
}

// CachePath returns the on-disk cache path a (type, hash) blob would
// occupy, without touching the filesystem. Used by callers (such as
// session's group-index regeneration) that build cache content
// out-of-band and need to know where to write it.
func (f *Fetcher) CachePath(typ, hash string) (string, error) {
	return filepath.Join(f.settings.CacheDir, f.settings.ProductDir, typ, hash), nil
}

// WriteCacheFile atomically writes data to path under that path's
// per-path mutex, creating parent directories as needed.
func (f *Fetcher) WriteCacheFile(path string, data []byte) error {
	return f.writeCache(path, data)
}

// GetFilePath ensures a cache copy of (type, hash) exists and returns its path.
func (f *Fetcher) GetFilePath(ctx context.Context, typ, hash string, compSize uint64) (string, error) {
	cachePath := filepath.Join(f.settings.CacheDir, f.settings.ProductDir, typ, hash)
	if f.cacheHitFull(cachePath, compSize) {
		return cachePath, nil
	}
	data, err := f.downloadFull(ctx, typ, hash, compSize)
	if err != nil {
		return "", err
	}
	if err := f.writeCache(cachePath, data); err != nil {
		return "", err
	}
	return cachePath, nil
}

// GetDecodedFilePath ensures a "<hash>.decoded" cache entry exists
// alongside the raw one and returns its path.
func (f *Fetcher) GetDecodedFilePath(ctx context.Context, typ, hash string, compSize, decSize uint64) (string, error) {
	decodedPath := filepath.Join(f.settings.CacheDir, f.settings.ProductDir, typ, hash+".decoded")
	if f.cacheHitFull(decodedPath, decSize) {
		return decodedPath, nil
	}
	data, err := f.downloadFull(ctx, typ, hash, compSize)
	if err != nil {
		return "", err
	}
	decoded, err := blte.Decode(data, uint32(decSize), f.keys)
	if err != nil {
		return "", err
	}
	if err := f.writeCache(decodedPath, decoded); err != nil {
		return "", err
	}
	return decodedPath, nil
}

// downloadFull resolves (type, hash) through all three tiers for a
// whole-file fetch.
func (f *Fetcher) downloadFull(ctx context.Context, typ, hash string, expectedSize uint64) ([]byte, error) {
	start := time.Now()
	if data, ok, err := f.tryLocal(typ, hash); err != nil {
		return nil, err
	} else if ok {
		tierHits.WithLabelValues("local").Inc()
		fetchLatency.WithLabelValues("local").Observe(time.Since(start).Seconds())
		return data, nil
	}

	cachePath := filepath.Join(f.settings.CacheDir, f.settings.ProductDir, typ, hash)
	if data, ok := f.tryCacheFull(cachePath, expectedSize); ok {
		tierHits.WithLabelValues("cache").Inc()
		fetchLatency.WithLabelValues("cache").Observe(time.Since(start).Seconds())
		return data, nil
	}

	data, err := f.downloadFromCDN(ctx, typ, hash, 0, 0)
	if err != nil {
		return nil, err
	}
	tierHits.WithLabelValues("cdn").Inc()
	fetchLatency.WithLabelValues("cdn").Observe(time.Since(start).Seconds())
	if err := f.writeCache(cachePath, data); err != nil {
		klog.Warningf("fetch: failed to cache %q: %v", cachePath, err)
	}
	return data, nil
}

// downloadRange resolves a byte range of a named archive, consulting
// only the disk cache (a previously-cached full archive copy) and the
// CDN; local CASC has no concept of a named remote archive file.
func (f *Fetcher) downloadRange(ctx context.Context, archive string, offset, length int64) ([]byte, error) {
	start := time.Now()
	cachePath := filepath.Join(f.settings.CacheDir, f.settings.ProductDir, "data", archive)
	if slice, ok := f.tryCacheRange(cachePath, offset, length); ok {
		tierHits.WithLabelValues("cache").Inc()
		fetchLatency.WithLabelValues("cache").Observe(time.Since(start).Seconds())
		return slice, nil
	}

	data, err := f.downloadFromCDN(ctx, "data", archive, offset, length)
	if err != nil {
		return nil, err
	}
	tierHits.WithLabelValues("cdn").Inc()
	fetchLatency.WithLabelValues("cdn").Observe(time.Since(start).Seconds())
	// Ranged responses are not cached: spec only ever caches whole files.
	return data, nil
}

// tryLocal implements tier 1: local CASC lookups.
func (f *Fetcher) tryLocal(typ, key string) ([]byte, bool, error) {
	if f.settings.BaseDir == "" {
		return nil, false, nil
	}

	switch {
	case typ == "data" && strings.HasSuffix(key, ".index"):
		path := filepath.Join(f.settings.BaseDir, "Data", "indices", key)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, nil
		}
		return data, true, nil

	case typ == "config":
		if len(key) < 4 {
			return nil, false, nil
		}
		path := filepath.Join(f.settings.BaseDir, "Data", "config", key[0:2], key[2:4], key)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, nil
		}
		return data, true, nil

	default:
		ekey, err := hex.DecodeString(key)
		if err != nil {
			return nil, false, nil
		}
		f.indicesMu.RLock()
		idx, ok := f.indices[cascidx.Bucket(ekey)]
		f.indicesMu.RUnlock()
		if !ok {
			return nil, false, nil
		}
		ref, err := idx.Lookup(ekey)
		if err != nil {
			return nil, false, tacterr.Wrap(tacterr.KindIO, "fetch.tryLocal", err)
		}
		if ref == cascidx.NotFound {
			return nil, false, nil
		}
		archivePath := filepath.Join(f.settings.BaseDir, "Data", "data", fmt.Sprintf("data.%03d", ref.ArchiveID))
		af, err := os.Open(archivePath)
		if err != nil {
			return nil, false, nil
		}
		defer af.Close()
		buf := make([]byte, ref.Size)
		if _, err := af.ReadAt(buf, int64(ref.Offset)); err != nil {
			return nil, false, tacterr.Wrap(tacterr.KindIO, "fetch.tryLocal", err)
		}
		return buf, true, nil
	}
}

// pathLock returns the mutex guarding concurrent access to path,
// creating it atomically on first use.
func (f *Fetcher) pathLock(path string) *sync.Mutex {
	v, _ := f.pathLocks.LoadOrStore(path, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// tryCacheFull implements the whole-file half of tier 2: a hit
// requires expectedSize == 0 or an exact size match; a mismatch
// deletes the stale copy so the caller falls through to the CDN.
func (f *Fetcher) tryCacheFull(path string, expectedSize uint64) ([]byte, bool) {
	lock := f.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if expectedSize != 0 && uint64(info.Size()) != expectedSize {
		klog.V(3).Infof("fetch: cache size mismatch for %q (have %s, want %s), deleting", path, humanize.Bytes(uint64(info.Size())), humanize.Bytes(expectedSize))
		os.Remove(path)
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (f *Fetcher) cacheHitFull(path string, expectedSize uint64) bool {
	_, ok := f.tryCacheFull(path, expectedSize)
	return ok
}

// tryCacheRange reads [offset, offset+length) out of a cached full
// archive copy, if one exists and is large enough.
func (f *Fetcher) tryCacheRange(path string, offset, length int64) ([]byte, bool) {
	lock := f.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if info.Size() < offset+length {
		return nil, false
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer file.Close()
	buf := make([]byte, length)
	if _, err := file.ReadAt(buf, offset); err != nil {
		return nil, false
	}
	return buf, true
}

func (f *Fetcher) writeCache(path string, data []byte) error {
	lock := f.pathLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tacterr.Wrap(tacterr.KindIO, "fetch.writeCache", err)
	}
	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return tacterr.Wrap(tacterr.KindIO, "fetch.writeCache", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return tacterr.Wrap(tacterr.KindIO, "fetch.writeCache", err)
	}
	return nil
}

// downloadFromCDN implements tier 3: try every configured server in
// order, skipping ones recently marked failed (unless every server is
// so marked, in which case all are tried), until one returns 200 (or
// 206 for a ranged request). length == 0 means a whole-file GET.
func (f *Fetcher) downloadFromCDN(ctx context.Context, typ, hash string, offset, length int64) ([]byte, error) {
	servers := f.cdnServerList()
	if len(servers) == 0 {
		return nil, tacterr.New(tacterr.KindCDNExhausted, "fetch.downloadFromCDN", "no CDN servers configured")
	}
	if len(hash) < 4 {
		return nil, tacterr.New(tacterr.KindBadFormat, "fetch.downloadFromCDN", fmt.Sprintf("hash %q too short to shard", hash))
	}

	allFailed := true
	for _, server := range servers {
		if f.failedHosts.Get(server) == nil {
			allFailed = false
			break
		}
	}

	reqID := uuid.NewString()
	var lastErr error
	for _, server := range servers {
		if !allFailed && f.failedHosts.Get(server) != nil {
			continue
		}

		url := fmt.Sprintf("http://%s/%s/%s/%s/%s/%s", server, f.settings.ProductDir, typ, hash[0:2], hash[2:4], hash)
		if _, err := urlx.Parse(url); err != nil {
			lastErr = err
			continue
		}

		data, err := f.fetchOnce(ctx, url, offset, length, reqID)
		if err != nil {
			klog.V(2).Infof("fetch[%s]: server %q failed: %v", reqID, server, err)
			f.failedHosts.Set(server, struct{}{}, ttlcache.DefaultTTL)
			lastErr = err
			continue
		}
		return data, nil
	}
	return nil, tacterr.Wrap(tacterr.KindCDNExhausted, "fetch.downloadFromCDN", fmt.Errorf("all %d CDN servers failed, last error: %w", len(servers), lastErr))
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, offset, length int64, reqID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-Id", reqID)
	ranged := length > 0
	if ranged {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	}

	resp, err := f.client.Do(req)
	code := "error"
	if resp != nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	cdnRequests.WithLabelValues(http.MethodGet, code).Inc()
	if err != nil {
		return nil, tacterr.Wrap(tacterr.KindHTTP, "fetch.fetchOnce", err)
	}
	defer resp.Body.Close()

	wantCode := http.StatusOK
	if ranged {
		wantCode = http.StatusPartialContent
	}
	if resp.StatusCode != wantCode && resp.StatusCode != http.StatusOK {
		return nil, tacterr.New(tacterr.KindHTTP, "fetch.fetchOnce", fmt.Sprintf("unexpected status %d for %q", resp.StatusCode, url))
	}

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, tacterr.Wrap(tacterr.KindIO, "fetch.fetchOnce", err)
	}
	return buf.Bytes(), nil
}

// Close stops the failed-host TTL cache's background eviction goroutine.
func (f *Fetcher) Close() {
	f.failedHosts.Stop()
}
