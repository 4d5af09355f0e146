// Package rescache is the in-memory resource cache: the last successfully
// loaded value per key, valid until its expiry. It lives for the lifetime of
// the process and is never persisted.
package rescache

import (
	"sync"
	"time"

	"github.com/richardartoul/scriptdesk/pkg/clock"
)

// Entry is one cached resource.
type Entry struct {
	Key       string
	Value     any
	ExpiresAt time.Time
}

// Cache maps keys to entries. Expired entries stay in the map until they are
// overwritten or Clear is called; they are simply never returned.
type Cache struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[string]Entry
}

// New creates an empty Cache. A nil clock uses clock.Real.
func New(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		clock:   clk,
		entries: make(map[string]Entry),
	}
}

// Get returns the value for key if it exists and has not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[key]
	if !ok || !c.clock.Now().Before(ent.ExpiresAt) {
		return nil, false
	}
	return ent.Value, true
}

// Put stores value under key, valid for ttl from now.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	ent := Entry{Key: key, Value: value, ExpiresAt: c.clock.Now().Add(ttl)}
	c.mu.Lock()
	c.entries[key] = ent
	c.mu.Unlock()
}

// IsValid reports whether key exists and now < expiresAt.
func (c *Cache) IsValid(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
