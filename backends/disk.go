package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/richardartoul/scriptdesk/pkg/locking"
)

// fileFormatVersion prefixes every record file name so a format change can
// never read records written by an older layout.
const fileFormatVersion = "v1-"

// Disk is a Backend that stores each record as a file. Records live under
// <root>/<cache>/<first two characters of id>/, similar to Go's build cache
// layout, which keeps directories small.
type Disk struct {
	root   string // Absolute path to the root directory
	locks  locking.Group
	logger *slog.Logger
}

// NewDisk creates a Disk backend rooted at dir. locks serializes writers of the
// same record; pass a locking.Flock when several processes share dir.
func NewDisk(dir string, locks locking.Group, logger *slog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Convert to absolute path once at initialization.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if locks == nil {
		locks = locking.NewMemLock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Disk{root: absDir, locks: locks, logger: logger}, nil
}

func (d *Disk) CreateCache(ctx context.Context, cache string) error {
	if err := ValidateName(cache); err != nil {
		return err
	}
	if err := os.MkdirAll(d.cacheDir(cache), 0755); err != nil {
		return fmt.Errorf("failed to create cache %s: %w", cache, err)
	}
	return nil
}

func (d *Disk) Caches(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() && ValidateName(entry.Name()) == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *Disk) DeleteCache(ctx context.Context, cache string) error {
	if err := ValidateName(cache); err != nil {
		return err
	}
	if err := os.RemoveAll(d.cacheDir(cache)); err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", cache, err)
	}
	return nil
}

// Put atomically writes a record.
func (d *Disk) Put(ctx context.Context, cache, id string, data []byte) error {
	if err := ValidateName(cache); err != nil {
		return err
	}
	if err := ValidateName(id); err != nil {
		return err
	}

	return d.locks.Do(cache+"/"+id, func() error {
		path := d.recordPath(cache, id)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create record directory: %w", err)
		}

		// Write to temp file first, then atomically rename. This prevents
		// any partial record from ever being observed by a reader.
		tmpPath := path + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write temp record: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rename record: %w", err)
		}
		return nil
	})
}

func (d *Disk) Get(ctx context.Context, cache, id string) ([]byte, bool, error) {
	if ValidateName(cache) != nil || ValidateName(id) != nil {
		return nil, true, nil
	}
	data, err := os.ReadFile(d.recordPath(cache, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read record: %w", err)
	}
	return data, false, nil
}

func (d *Disk) Delete(ctx context.Context, cache, id string) error {
	if ValidateName(cache) != nil || ValidateName(id) != nil {
		return nil
	}
	return d.locks.Do(cache+"/"+id, func() error {
		err := os.Remove(d.recordPath(cache, id))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	})
}

func (d *Disk) List(ctx context.Context, cache string) ([]string, error) {
	if err := ValidateName(cache); err != nil {
		return nil, err
	}
	subdirs, err := os.ReadDir(d.cacheDir(cache))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %s: %w", cache, err)
	}

	var ids []string
	for _, subdir := range subdirs {
		if !subdir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(d.cacheDir(cache), subdir.Name()))
		if err != nil {
			d.logger.Warn("failed to read cache subdirectory",
				"cache", cache,
				"subdir", subdir.Name(),
				"error", err)
			continue
		}
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || strings.HasSuffix(name, ".tmp") || !strings.HasPrefix(name, fileFormatVersion) {
				continue
			}
			ids = append(ids, strings.TrimPrefix(name, fileFormatVersion))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *Disk) Close() error { return nil }

func (d *Disk) cacheDir(cache string) string {
	return filepath.Join(d.root, cache)
}

// recordPath converts an id to a file path inside its cache directory.
func (d *Disk) recordPath(cache, id string) string {
	subdir := id
	if len(subdir) > 2 {
		subdir = subdir[:2]
	}
	return filepath.Join(d.cacheDir(cache), subdir, fileFormatVersion+id)
}
