// Package keyring holds the process-wide table of Salsa20 decryption
// keys used by BLTE's encrypted chunk mode, keyed by a 64-bit key name.
//
// Grounded on the teacher's package-level singleton pattern (klog.go's
// shared logger init) generalized to a lazily-loaded map; the text
// format itself is grounded on original_source's key file loader
// (KeyService), one `<keyname-hex> <key-hex>` pair per line.
package keyring

import (
	"bufio"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// KeyStore is a concurrency-safe u64 -> 16-byte key table. The zero
// value is ready to use (an empty store); use Load to populate it from
// a text file.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[uint64][]byte
}

// New returns an empty KeyStore.
func New() *KeyStore {
	return &KeyStore{keys: make(map[uint64][]byte)}
}

// Load best-effort reads path, a whitespace-delimited text file whose
// non-empty lines are "<keyname-hex> <key-hex>". A missing file is not
// an error: key discovery is out of scope, and an empty KeyStore simply
// means every encrypted chunk will be a soft miss. Malformed lines are
// skipped with a log line rather than aborting the whole load.
func (k *KeyStore) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			klog.V(2).Infof("keyring: no key file at %q, continuing with empty store", path)
			return nil
		}
		return err
	}
	defer f.Close()

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[uint64][]byte)
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			klog.V(3).Infof("keyring: ignoring malformed line %q", line)
			continue
		}
		name, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			klog.V(3).Infof("keyring: ignoring line with bad key name %q: %v", fields[0], err)
			continue
		}
		key, err := hex.DecodeString(fields[1])
		if err != nil {
			klog.V(3).Infof("keyring: ignoring line with bad key hex %q: %v", fields[1], err)
			continue
		}
		k.keys[name] = key
	}
	return scanner.Err()
}

// TryGet returns the key for name and true, or nil and false if absent.
func (k *KeyStore) TryGet(name uint64) ([]byte, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[name]
	return key, ok
}

// Set overwrites (or inserts) the key for name.
func (k *KeyStore) Set(name uint64, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[uint64][]byte)
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	k.keys[name] = cp
}

var (
	defaultOnce  sync.Once
	defaultStore *KeyStore
)

// Default returns the process-wide KeyStore, lazily loading "WoW.txt"
// from the current working directory on first use.
func Default() *KeyStore {
	defaultOnce.Do(func() {
		defaultStore = New()
		if err := defaultStore.Load("WoW.txt"); err != nil {
			klog.V(2).Infof("keyring: default load failed: %v", err)
		}
	})
	return defaultStore
}
