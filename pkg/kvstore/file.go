package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// File is a Store persisted as a single JSON object on disk. Every operation
// takes an exclusive flock on a sidecar lock file so several processes sharing
// the same path see last-write-wins semantics instead of torn files.
type File struct {
	path string

	// mu serializes goroutines sharing this handle. A single flock.Flock
	// treats a second Lock from the same handle as already held.
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFile creates a File store at path. The parent directory is created if
// needed; the file itself is created lazily on the first Set.
func NewFile(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &File{
		path: absPath,
		lock: flock.New(absPath + ".lock"),
	}, nil
}

func (f *File) Get(key string) (string, error) {
	var value string
	err := f.withLock(func() error {
		data, err := f.read()
		if err != nil {
			return err
		}
		v, ok := data[key]
		if !ok {
			return ErrNotFound
		}
		value = v
		return nil
	})
	return value, err
}

func (f *File) Set(key, value string) error {
	return f.withLock(func() error {
		data, err := f.read()
		if err != nil {
			return err
		}
		data[key] = value
		return f.write(data)
	})
}

func (f *File) Remove(key string) error {
	return f.withLock(func() error {
		data, err := f.read()
		if err != nil {
			return err
		}
		if _, ok := data[key]; !ok {
			return nil
		}
		delete(data, key)
		return f.write(data)
	})
}

func (f *File) withLock(fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock store: %w", err)
	}
	defer f.lock.Unlock()
	return fn()
}

func (f *File) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode store: %w", err)
	}
	return data, nil
}

// write replaces the store file via a temp file and rename so readers never
// observe a partially written document.
func (f *File) write(data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	tmpPath := f.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return fmt.Errorf("failed to write temp store: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename store: %w", err)
	}
	return nil
}
