package locking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock is a Group backed by advisory file locks, so it also excludes other
// processes that share the same lock directory. Lock files are named by the
// hash of the key and are left in place.
type Flock struct {
	dir string
	mem *MemLock
}

// NewFlock creates a Flock group storing lock files under dir.
func NewFlock(dir string) (*Flock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Flock{dir: dir, mem: NewMemLock()}, nil
}

func (f *Flock) Do(key string, fn func() error) error {
	// flock locks are per open file description, so goroutines in this
	// process are serialized in memory first.
	return f.mem.Do(key, func() error {
		sum := sha256.Sum256([]byte(key))
		lock := flock.New(filepath.Join(f.dir, hex.EncodeToString(sum[:8])+".lock"))
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("failed to lock %q: %w", key, err)
		}
		defer lock.Unlock()
		return fn()
	})
}
