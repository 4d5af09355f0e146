// Package durable provides named, persistent response caches in the manner of
// a browser's CacheStorage: a set of caches addressed by name, each mapping a
// GET request URL to a stored response. Cache names carry a version tag, so
// invalidation happens a whole cache at a time.
package durable

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/richardartoul/scriptdesk/backends"
	"github.com/richardartoul/scriptdesk/pkg/clock"
)

// StoredResponse is a response kept in a durable cache.
type StoredResponse struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// OK reports whether the status is 2xx.
func (r *StoredResponse) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// HTTPResponse builds a fresh *http.Response for req. Every call returns an
// independent body reader.
func (r *StoredResponse) HTTPResponse(req *http.Request) *http.Response {
	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status)),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}

// Storage is the set of named caches on one backend.
type Storage struct {
	backend backends.Backend
	clock   clock.Clock
	logger  *slog.Logger
}

// NewStorage creates a Storage on backend.
func NewStorage(backend backends.Backend, clk clock.Clock, logger *slog.Logger) *Storage {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{backend: backend, clock: clk, logger: logger}
}

// Open returns the named cache, creating it if needed.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := s.backend.CreateCache(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	return &Cache{name: name, storage: s}, nil
}

// Names lists every existing cache.
func (s *Storage) Names(ctx context.Context) ([]string, error) {
	return s.backend.Caches(ctx)
}

// Delete removes a whole cache.
func (s *Storage) Delete(ctx context.Context, name string) error {
	if err := s.backend.DeleteCache(ctx, name); err != nil {
		return fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return nil
}

// Close closes the backend.
func (s *Storage) Close() error {
	return s.backend.Close()
}

// Cache is one named durable cache.
type Cache struct {
	name    string
	storage *Storage
}

// Name returns the cache name, including its version tag.
func (c *Cache) Name() string { return c.name }

// Match returns the stored response for url. A corrupted record is logged and
// reported as a miss.
func (c *Cache) Match(ctx context.Context, url string) (*StoredResponse, bool, error) {
	data, miss, err := c.storage.backend.Get(ctx, c.name, requestID(url))
	if err != nil {
		return nil, false, err
	}
	if miss {
		return nil, false, nil
	}
	resp, err := decodeRecord(data)
	if err != nil {
		c.storage.logger.Warn("failed to decode durable cache record",
			"cache", c.name,
			"url", url,
			"error", err)
		return nil, false, nil
	}
	return resp, true, nil
}

// Put stores resp under url. A zero StoredAt is set to now.
func (c *Cache) Put(ctx context.Context, url string, resp *StoredResponse) error {
	stored := *resp
	stored.URL = url
	if stored.StoredAt.IsZero() {
		stored.StoredAt = c.storage.clock.Now()
	}
	data, err := encodeRecord(&stored)
	if err != nil {
		return err
	}
	return c.storage.backend.Put(ctx, c.name, requestID(url), data)
}

// Delete removes the entry for url.
func (c *Cache) Delete(ctx context.Context, url string) error {
	return c.storage.backend.Delete(ctx, c.name, requestID(url))
}

// Entries returns every decodable stored response in the cache.
func (c *Cache) Entries(ctx context.Context) ([]*StoredResponse, error) {
	ids, err := c.storage.backend.List(ctx, c.name)
	if err != nil {
		return nil, err
	}
	out := make([]*StoredResponse, 0, len(ids))
	for _, id := range ids {
		data, miss, err := c.storage.backend.Get(ctx, c.name, id)
		if err != nil {
			return nil, err
		}
		if miss {
			continue
		}
		resp, err := decodeRecord(data)
		if err != nil {
			c.storage.logger.Warn("skipping undecodable durable cache record",
				"cache", c.name,
				"id", id,
				"error", err)
			continue
		}
		out = append(out, resp)
	}
	return out, nil
}

// Keys returns the URL of every stored response.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.URL
	}
	return keys, nil
}

// requestID is the record id of a GET request for url.
func requestID(url string) string {
	sum := sha256.Sum256([]byte("GET " + url))
	return hex.EncodeToString(sum[:])
}

// FromHTTP reads resp's body and builds a StoredResponse. The body is closed.
func FromHTTP(resp *http.Response) (*StoredResponse, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}
	return &StoredResponse{
		URL:    url,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}
