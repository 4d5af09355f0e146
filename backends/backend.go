// Package backends stores the raw records of the router's durable caches.
// A backend is a two-level namespace: named caches, each holding opaque
// records addressed by an id. Implementations can be swapped to use
// different storage mechanisms.
package backends

import (
	"context"
	"fmt"
	"regexp"
)

// Backend defines the interface for durable cache storage backends.
type Backend interface {
	// CreateCache makes an empty named cache. Creating an existing cache is
	// a no-op.
	CreateCache(ctx context.Context, cache string) error

	// Caches lists the names of every existing cache.
	Caches(ctx context.Context) ([]string, error)

	// DeleteCache removes a cache and every record in it. Deleting a
	// missing cache is a no-op.
	DeleteCache(ctx context.Context, cache string) error

	// Put stores a record, creating the cache if needed.
	Put(ctx context.Context, cache, id string, data []byte) error

	// Get retrieves a record. miss is true when the cache or record does
	// not exist.
	Get(ctx context.Context, cache, id string) (data []byte, miss bool, err error)

	// Delete removes a record. Deleting a missing record is a no-op.
	Delete(ctx context.Context, cache, id string) error

	// List returns the ids of every record in a cache.
	List(ctx context.Context, cache string) ([]string, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName rejects cache names and record ids that are not safe to use as
// a single path segment or object key component.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid name %q", name)
	}
	return nil
}
