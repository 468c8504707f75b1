// Package aotcache implements the optional on-disk ahead-of-time
// object-code cache described in §6 ("Persisted state"): opaque-bytes
// envelopes keyed by a content hash, stored one file per entry under a
// configured directory. An advisory file lock guards the directory so
// two processes sharing an AOT cache don't corrupt it with a
// concurrent write of the same key.
package aotcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/dbtcore/dbtcore/pkg/dbterr"
)

// ErrMiss is returned by Lookup when no entry exists for a key.
var ErrMiss = errors.New("dbtcore: aot cache miss")

// Key is a content hash identifying one cached object-code blob.
type Key [sha256.Size]byte

// HashKey derives a Key from the guest bytes a block was compiled from,
// so a cache entry is only ever reused for byte-identical guest code.
func HashKey(guestCode []byte) Key {
	return sha256.Sum256(guestCode)
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Cache is a directory-backed store of pre-compiled object code. It is
// safe for concurrent use by multiple goroutines in this process and,
// via its lock file, by other processes sharing the same directory.
type Cache struct {
	dir  string
	lock *flock.Flock
}

// Open prepares dir as an AOT cache root, creating it if necessary.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, dbterr.ErrConfig
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir, lock: flock.New(filepath.Join(dir, ".lock"))}, nil
}

func (c *Cache) pathFor(k Key) string {
	return filepath.Join(c.dir, k.String()+".aot")
}

// Lookup returns the previously stored object code for k, or ErrMiss.
func (c *Cache) Lookup(k Key) ([]byte, error) {
	b, err := os.ReadFile(c.pathFor(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMiss
	}
	return b, err
}

// Store persists objectCode under k. The write is lock-protected and
// atomic (write to a temp file, then rename) so a reader never observes
// a partially-written blob.
func (c *Cache) Store(k Key, objectCode []byte) error {
	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	tmp := c.pathFor(k) + ".tmp"
	if err := os.WriteFile(tmp, objectCode, 0o644); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, c.pathFor(k))
}

// Evict removes k's entry, if present. Missing entries are not an
// error, matching the idempotent-erase behavior used throughout the
// core's own caches.
func (c *Cache) Evict(k Key) error {
	err := os.Remove(c.pathFor(k))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
