package session

import (
	"context"
	"errors"
	"time"

	"github.com/allegro/bigcache/v3"
)

// blobCache is a process-wide in-memory cache of decoded blobs keyed
// by hex EKey, sitting in front of Fetcher's tiered lookup. Every
// decode=true Open-by-EKey result is stored, whatever its size and
// whether it came from an archive range; entries expire after the
// life window, and the default bigcache config sets no size cap.
//
// Grounded on huge-cache/cache.go's bigcache wrapper (string key ->
// []byte value, ErrEntryNotFound as the miss signal).
type blobCache struct {
	cache *bigcache.BigCache
}

// newBlobCache builds a blobCache with entries expiring after
// lifeWindow. A zero lifeWindow disables the cache (newBlobCache
// returns nil, and callers must treat a nil *blobCache as always-miss).
func newBlobCache(ctx context.Context, lifeWindow time.Duration) (*blobCache, error) {
	if lifeWindow <= 0 {
		return nil, nil
	}
	cache, err := bigcache.New(ctx, bigcache.DefaultConfig(lifeWindow))
	if err != nil {
		return nil, err
	}
	return &blobCache{cache: cache}, nil
}

func (b *blobCache) get(eKeyHex string) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	v, err := b.cache.Get(eKeyHex)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			return nil, false
		}
		return nil, false
	}
	return v, true
}

func (b *blobCache) set(eKeyHex string, data []byte) {
	if b == nil {
		return
	}
	_ = b.cache.Set(eKeyHex, data)
}
