// Package loader implements the retrying resource loader. A load for a given
// (url, type) key moves through three states:
//
//	Idle -> Pending(shared sequence) -> Cached(value, expiry)
//
// Only one fetch sequence runs per key at a time; concurrent callers share its
// outcome. A sequence retries retryable failures with exponential backoff and
// always releases the pending state when it settles, so a failed sequence
// never blocks later callers.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/richardartoul/scriptdesk/pkg/clock"
	"github.com/richardartoul/scriptdesk/pkg/fetcher"
	"github.com/richardartoul/scriptdesk/pkg/metrics"
	"github.com/richardartoul/scriptdesk/pkg/rescache"
)

// Defaults for Options fields left at their zero value.
const (
	DefaultCacheTTL    = 5 * time.Minute
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
)

// Fetcher performs one network request. *fetcher.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Response, error)
}

// Options configure a Loader.
type Options struct {
	// CacheTTL is how long a loaded value stays valid.
	CacheTTL time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero
	// selects DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	// BackoffBase is multiplied by 2^attempt to get the wait before a retry.
	BackoffBase time.Duration

	Clock    clock.Clock
	Logger   *slog.Logger
	Latency  *metrics.LatencyTracker
	Counters *metrics.Counters
}

// State is the lifecycle state of one key.
type State int

const (
	Idle State = iota
	Pending
	Cached
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Cached:
		return "cached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader loads resources through a cache, de-duplicating and retrying fetches.
type Loader struct {
	fetcher Fetcher
	opts    Options
	cache   *rescache.Cache
	group   singleflight.Group

	mu      sync.Mutex
	retries map[string]int
	pending map[string]bool
}

// New creates a Loader around f.
func New(f Fetcher, opts Options) *Loader {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	} else if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loader{
		fetcher: f,
		opts:    opts,
		cache:   rescache.New(opts.Clock),
		retries: make(map[string]int),
		pending: make(map[string]bool),
	}
}

// Key returns the cache key for a (url, type) pair.
func Key(url string, typ Type) string {
	return url + "|" + string(typ)
}

type loadConfig struct {
	useCache bool
}

// LoadOption modifies a single Load call.
type LoadOption func(*loadConfig)

// WithoutCache skips the cache lookup and does not store the result.
func WithoutCache() LoadOption {
	return func(c *loadConfig) { c.useCache = false }
}

// Load returns the resource at url decoded as typ.
//
// A valid cached value is returned without touching the network. Otherwise
// the caller joins the key's in-flight sequence or starts one. Cancelling ctx
// only stops this caller from waiting; the sequence runs until it succeeds or
// exhausts its retries.
func (l *Loader) Load(ctx context.Context, url string, typ Type, opts ...LoadOption) (any, error) {
	if !typ.valid() {
		return nil, fmt.Errorf("unsupported resource type %q", typ)
	}

	cfg := loadConfig{useCache: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	key := Key(url, typ)
	if cfg.useCache {
		if v, ok := l.cache.Get(key); ok {
			l.opts.Counters.Inc(metrics.CacheHit)
			return v, nil
		}
	}
	l.opts.Counters.Inc(metrics.CacheMiss)

	seqCtx := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.sequence(seqCtx, key, url, typ, cfg.useCache)
	})

	select {
	case res := <-ch:
		if res.Shared {
			l.opts.Counters.Inc(metrics.LoadShared)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sequence runs the fetch-with-retry loop for key. It is the only writer of
// the key's cache entry and retry state while it runs.
func (l *Loader) sequence(ctx context.Context, key, url string, typ Type, useCache bool) (any, error) {
	// A sequence that settled between the caller's cache check and DoChan
	// has already stored the value.
	if useCache {
		if v, ok := l.cache.Get(key); ok {
			return v, nil
		}
	}

	l.setPending(key, true)
	defer l.setPending(key, false)

	var v any
	err := l.opts.Latency.Time("load", func() error {
		var err error
		v, err = l.fetchWithRetry(ctx, key, url, typ, useCache)
		return err
	})
	return v, err
}

func (l *Loader) fetchWithRetry(ctx context.Context, key, url string, typ Type, useCache bool) (any, error) {
	l.clearRetry(key)
	for {
		resp, err := l.fetcher.Fetch(ctx, url)
		if err == nil {
			v, err := decode(resp, typ)
			l.clearRetry(key)
			if err != nil {
				l.opts.Counters.Inc(metrics.LoadFailed)
				return nil, err
			}
			if useCache {
				l.cache.Put(key, v, l.opts.CacheTTL)
			}
			return v, nil
		}

		if !fetcher.IsRetryable(err) {
			l.clearRetry(key)
			l.opts.Counters.Inc(metrics.LoadFailed)
			return nil, err
		}

		attempts := l.retryCount(key)
		if attempts >= l.opts.MaxRetries {
			l.clearRetry(key)
			l.opts.Counters.Inc(metrics.LoadFailed)
			l.opts.Logger.Warn("failed to load resource",
				"url", url,
				"type", string(typ),
				"attempts", attempts+1,
				"error", err)
			return nil, &ExhaustedError{URL: url, Attempts: attempts + 1, Err: err}
		}

		attempts = l.bumpRetry(key)
		wait := l.opts.BackoffBase * time.Duration(1<<attempts)
		l.opts.Counters.Inc(metrics.LoadRetry)
		l.opts.Logger.Debug("retrying resource load",
			"url", url,
			"attempt", attempts,
			"wait", wait,
			"error", err)
		<-l.opts.Clock.After(wait)
	}
}

// State reports the lifecycle state of (url, typ).
func (l *Loader) State(url string, typ Type) State {
	key := Key(url, typ)
	l.mu.Lock()
	pending := l.pending[key]
	l.mu.Unlock()
	if pending {
		return Pending
	}
	if l.cache.IsValid(key) {
		return Cached
	}
	return Idle
}

// Attempts returns the number of failed attempts recorded for the key's
// current sequence. It is zero when no sequence is retrying.
func (l *Loader) Attempts(url string, typ Type) int {
	return l.retryCount(Key(url, typ))
}

// Clear drops every cached value. In-flight sequences are unaffected.
func (l *Loader) Clear() {
	l.cache.Clear()
}

func (l *Loader) setPending(key string, pending bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pending {
		l.pending[key] = true
	} else {
		delete(l.pending, key)
	}
}

func (l *Loader) retryCount(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retries[key]
}

func (l *Loader) bumpRetry(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries[key]++
	return l.retries[key]
}

func (l *Loader) clearRetry(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, key)
}
