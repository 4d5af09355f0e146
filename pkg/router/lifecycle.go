package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/scriptdesk/pkg/durable"
)

// Install opens every cache of the current version, prefetches the static
// assets and stores the canned offline payloads. Every asset must fetch with
// a 2xx status; otherwise nothing is stored and the router stays uninstalled.
func (r *Router) Install(ctx context.Context) error {
	caches := make(map[string]*durable.Cache, len(cacheKinds))
	for _, kind := range cacheKinds {
		c, err := r.storage.Open(ctx, r.CacheName(kind))
		if err != nil {
			return fmt.Errorf("failed to install: %w", err)
		}
		caches[kind] = c
	}

	assets, err := r.prefetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to install: %w", err)
	}

	for _, asset := range assets {
		if err := caches[StaticCache].Put(ctx, asset.URL, asset); err != nil {
			return fmt.Errorf("failed to install: %w", err)
		}
	}
	offline := caches[OfflineCache]
	for _, fb := range r.opts.Fallbacks {
		if err := offline.Put(ctx, fb.Prefix, payloadResponse(fb.Prefix, fb.Payload)); err != nil {
			return fmt.Errorf("failed to install: %w", err)
		}
	}
	key := r.offlinePageKey()
	if err := offline.Put(ctx, key, payloadResponse(key, r.opts.OfflinePage)); err != nil {
		return fmt.Errorf("failed to install: %w", err)
	}

	r.mu.Lock()
	r.caches = caches
	if r.phase == Uninstalled {
		r.phase = Installed
	}
	r.mu.Unlock()

	r.logger.Info("router installed",
		"version", r.opts.Version,
		"static_assets", len(assets))
	return nil
}

// prefetch fetches every static asset. All failures are reported together.
func (r *Router) prefetch(ctx context.Context) ([]*durable.StoredResponse, error) {
	var (
		mu     sync.Mutex
		result *multierror.Error
		assets = make([]*durable.StoredResponse, len(r.opts.StaticAssets))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.InstallConcurrency)
	for i, asset := range r.opts.StaticAssets {
		g.Go(func() error {
			resp, err := r.prefetchOne(gctx, asset)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
				return nil
			}
			assets[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return assets, nil
}

func (r *Router) prefetchOne(ctx context.Context, asset string) (*durable.StoredResponse, error) {
	url := asset
	if r.opts.Origin != nil {
		url = strings.TrimSuffix(r.opts.Origin.String(), "/") + asset
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", asset, err)
	}
	resp, err := r.fetch(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", asset, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("failed to fetch %s: status %d", asset, resp.Status)
	}
	return resp, nil
}

func payloadResponse(url string, p OfflinePayload) *durable.StoredResponse {
	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &durable.StoredResponse{
		URL:    url,
		Status: status,
		Header: http.Header{"Content-Type": []string{p.ContentType}},
		Body:   p.Body,
	}
}

// Activate deletes every cache outside the current version's set and starts
// intercepting requests. Deletion failures are returned together, but the
// router is active regardless.
func (r *Router) Activate(ctx context.Context) error {
	r.mu.Lock()
	if r.phase == Uninstalled {
		r.mu.Unlock()
		return ErrNotInstalled
	}
	r.mu.Unlock()

	keep := make(map[string]bool, len(cacheKinds))
	for _, kind := range cacheKinds {
		keep[r.CacheName(kind)] = true
	}

	var result *multierror.Error
	names, err := r.storage.Names(ctx)
	if err != nil {
		result = multierror.Append(result, err)
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := r.storage.Delete(ctx, name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		r.logger.Info("deleted stale cache", "cache", name)
	}

	r.mu.Lock()
	r.phase = Active
	r.mu.Unlock()

	if err := result.ErrorOrNil(); err != nil {
		r.logger.Warn("router activated with errors", "error", err)
		return fmt.Errorf("failed to delete stale caches: %w", err)
	}
	r.logger.Info("router activated", "version", r.opts.Version)
	return nil
}

// MessageType names a control message.
type MessageType string

const (
	CleanCacheMessage MessageType = "CLEAN_CACHE"
	ClearCacheMessage MessageType = "CLEAR_CACHE"
)

// Message is a control message from the page.
type Message struct {
	Type    MessageType `json:"type"`
	Version string      `json:"version,omitempty"`
}

// Handle dispatches a control message. Unknown types are ignored.
func (r *Router) Handle(ctx context.Context, msg Message) error {
	switch msg.Type {
	case CleanCacheMessage:
		_, err := r.CleanCache(ctx)
		return err
	case ClearCacheMessage:
		return r.ClearCache(ctx, msg.Version)
	default:
		r.logger.Debug("ignoring unknown message", "type", string(msg.Type))
		return nil
	}
}

// CleanCache removes dynamic entries older than CleanMaxAge. Age comes from
// the Date header, or from the stored-at time when the header is missing or
// unparseable. It returns the number of entries removed.
func (r *Router) CleanCache(ctx context.Context) (int, error) {
	dynamic := r.cache(DynamicCache)
	if dynamic == nil {
		return 0, nil
	}
	entries, err := dynamic.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to clean cache: %w", err)
	}

	now := r.opts.Clock.Now()
	var (
		removed int
		result  *multierror.Error
	)
	for _, e := range entries {
		if now.Sub(entryTime(e)) <= r.opts.CleanMaxAge {
			continue
		}
		if err := dynamic.Delete(ctx, e.URL); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed++
	}
	r.logger.Info("cleaned dynamic cache",
		"removed", removed,
		"kept", len(entries)-removed)
	if err := result.ErrorOrNil(); err != nil {
		return removed, fmt.Errorf("failed to clean cache: %w", err)
	}
	return removed, nil
}

func entryTime(e *durable.StoredResponse) time.Time {
	if d := e.Header.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			return t
		}
	}
	return e.StoredAt
}

// ClearCache records that the page applied version and empties the static
// and dynamic caches so the next requests fetch that version's content.
func (r *Router) ClearCache(ctx context.Context, version string) error {
	var result *multierror.Error
	for _, kind := range []string{StaticCache, DynamicCache} {
		name := r.CacheName(kind)
		if err := r.storage.Delete(ctx, name); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		c, err := r.storage.Open(ctx, name)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		r.mu.Lock()
		r.caches[kind] = c
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.applied = version
	r.mu.Unlock()

	r.logger.Info("cleared caches for update", "version", version)
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to clear caches: %w", err)
	}
	return nil
}

// AppliedVersion returns the version last announced through CLEAR_CACHE.
func (r *Router) AppliedVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.applied
}
