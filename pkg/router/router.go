// Package router routes GET requests through version-tagged durable caches
// with a per-class strategy, the way an offline-capable page's request
// interceptor does. A Router is an http.RoundTripper and can sit under any
// http.Client or reverse proxy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/richardartoul/scriptdesk/pkg/clock"
	"github.com/richardartoul/scriptdesk/pkg/durable"
	"github.com/richardartoul/scriptdesk/pkg/metrics"
)

// Class is the routing class of a request.
type Class int

const (
	Other Class = iota
	Static
	FallbackAPI
	ExternalAPI
	Local
)

func (c Class) String() string {
	switch c {
	case Static:
		return "static"
	case FallbackAPI:
		return "fallback"
	case ExternalAPI:
		return "external"
	case Local:
		return "local"
	default:
		return "other"
	}
}

// Phase is the lifecycle phase of a Router.
type Phase int

const (
	Uninstalled Phase = iota
	Installed
	Active
)

func (p Phase) String() string {
	switch p {
	case Installed:
		return "installed"
	case Active:
		return "active"
	default:
		return "uninstalled"
	}
}

// Cache kinds. The durable cache name is "<prefix>-<kind>-v<version>".
const (
	StaticCache    = "static"
	DynamicCache   = "dynamic"
	AnalyticsCache = "analytics"
	OfflineCache   = "offline"
)

var cacheKinds = []string{StaticCache, DynamicCache, AnalyticsCache, OfflineCache}

// ErrNotInstalled is returned by Activate before a successful Install.
var ErrNotInstalled = errors.New("router is not installed")

// Router applies a caching strategy per request class.
type Router struct {
	opts    Options
	storage *durable.Storage
	network http.RoundTripper
	logger  *slog.Logger

	mu     sync.RWMutex
	phase  Phase
	caches map[string]*durable.Cache
	// applied is the version last announced through CLEAR_CACHE.
	applied string

	bg sync.WaitGroup
}

// NewRouter creates a Router on storage. It passes every request straight to
// the network until Install and Activate have succeeded.
func NewRouter(storage *durable.Storage, opts Options) *Router {
	if opts.Prefix == "" {
		opts.Prefix = "scriptdesk"
	}
	if opts.StaticAssets == nil {
		opts.StaticAssets = DefaultStaticAssets
	}
	if opts.ExternalAPIs == nil {
		opts.ExternalAPIs = DefaultExternalAPIs
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = DefaultFallbacks
	}
	if opts.OfflinePage.Body == nil {
		opts.OfflinePage = DefaultOfflinePage
	}
	if opts.CleanMaxAge <= 0 {
		opts.CleanMaxAge = DefaultCleanMaxAge
	}
	if opts.IgnoreParams == nil {
		opts.IgnoreParams = DefaultIgnoreParams
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = 4
	}
	if opts.Network == nil {
		opts.Network = cleanhttp.DefaultPooledTransport()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		opts:    opts,
		storage: storage,
		network: opts.Network,
		logger:  opts.Logger,
		caches:  make(map[string]*durable.Cache),
	}
}

// CacheName returns the durable cache name for kind under the router's version.
func (r *Router) CacheName(kind string) string {
	return fmt.Sprintf("%s-%s-v%s", r.opts.Prefix, kind, r.opts.Version)
}

// Phase returns the current lifecycle phase.
func (r *Router) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Wait blocks until every background refresh started so far has finished.
func (r *Router) Wait() {
	r.bg.Wait()
}

// Classify returns the routing class of req.
func (r *Router) Classify(req *http.Request) Class {
	u := req.URL
	raw := u.String()
	if r.isLocal(req) {
		for _, asset := range r.opts.StaticAssets {
			if u.Path == asset || (asset == "/" && u.Path == "") {
				return Static
			}
		}
		return Local
	}
	if r.fallbackFor(raw) != nil {
		return FallbackAPI
	}
	for _, prefix := range r.opts.ExternalAPIs {
		if strings.HasPrefix(raw, prefix) {
			return ExternalAPI
		}
	}
	return Other
}

func (r *Router) isLocal(req *http.Request) bool {
	if r.opts.Origin == nil {
		return req.URL.Host == ""
	}
	return req.URL.Host == "" || strings.EqualFold(req.URL.Host, r.opts.Origin.Host)
}

func (r *Router) fallbackFor(raw string) *Fallback {
	for i := range r.opts.Fallbacks {
		if strings.HasPrefix(raw, r.opts.Fallbacks[i].Prefix) {
			return &r.opts.Fallbacks[i]
		}
	}
	return nil
}

// RoundTrip implements http.RoundTripper.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || r.Phase() != Active {
		return r.network.RoundTrip(req)
	}

	class := r.Classify(req)
	var resp *http.Response
	err := r.opts.Latency.Time("route_"+class.String(), func() error {
		var err error
		resp, err = r.route(req, class)
		return err
	})
	return resp, err
}

func (r *Router) route(req *http.Request, class Class) (*http.Response, error) {
	switch class {
	case Static:
		return r.cacheFirst(req, r.cache(StaticCache), nil)
	case FallbackAPI:
		return r.networkWithFallback(req)
	case ExternalAPI:
		return r.networkFirst(req)
	case Local:
		return r.cacheFirst(req, r.cache(DynamicCache), r.offlinePage)
	default:
		r.opts.Counters.Inc(metrics.RouteNetwork)
		return r.network.RoundTrip(req)
	}
}

func (r *Router) cache(kind string) *durable.Cache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caches[kind]
}

// fetch performs req on the network and buffers the response.
func (r *Router) fetch(req *http.Request) (*durable.StoredResponse, error) {
	resp, err := r.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	stored, err := durable.FromHTTP(resp)
	if err != nil {
		return nil, err
	}
	stored.URL = r.cacheKey(req.URL)
	return stored, nil
}

// cacheKey is u without the ignored query parameters. URLs carrying none of
// them are used as is.
func (r *Router) cacheKey(u *url.URL) string {
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	found := false
	for _, p := range r.opts.IgnoreParams {
		if q.Has(p) {
			q.Del(p)
			found = true
		}
	}
	if !found {
		return u.String()
	}
	k := *u
	k.RawQuery = q.Encode()
	return k.String()
}

// store puts resp into c if it is 2xx. Storage failures are logged only.
func (r *Router) store(ctx context.Context, c *durable.Cache, resp *durable.StoredResponse) {
	if c == nil || !resp.OK() {
		return
	}
	if err := c.Put(ctx, resp.URL, resp); err != nil {
		r.logger.Warn("failed to store response",
			"cache", c.Name(),
			"url", resp.URL,
			"error", err)
	}
}

// match looks req up in c. Lookup failures count as a miss.
func (r *Router) match(ctx context.Context, c *durable.Cache, key string) (*durable.StoredResponse, bool) {
	if c == nil {
		return nil, false
	}
	resp, ok, err := c.Match(ctx, key)
	if err != nil {
		r.logger.Warn("failed to read cached response",
			"cache", c.Name(),
			"url", key,
			"error", err)
		return nil, false
	}
	return resp, ok
}

// cacheFirst serves a hit from c and refreshes it in the background. A miss
// goes to the network and stores a 2xx response. When both fail, onFail (or a
// 503) answers.
func (r *Router) cacheFirst(
	req *http.Request,
	c *durable.Cache,
	onFail func(*http.Request) *http.Response,
) (*http.Response, error) {
	ctx := req.Context()
	key := r.cacheKey(req.URL)

	if hit, ok := r.match(ctx, c, key); ok {
		r.opts.Counters.Inc(metrics.RouteCacheHit)
		resp := hit.HTTPResponse(req)
		r.refresh(req, c)
		return resp, nil
	}

	r.opts.Counters.Inc(metrics.RouteNetwork)
	fresh, err := r.fetch(req)
	if err != nil {
		r.logger.Debug("cache miss and network failure",
			"url", key,
			"error", err)
		r.opts.Counters.Inc(metrics.RouteFallback)
		if onFail != nil {
			return onFail(req), nil
		}
		return unavailable(req), nil
	}
	r.store(ctx, c, fresh)
	return fresh.HTTPResponse(req), nil
}

// refresh re-fetches req into c without blocking the caller. The served
// response is already built, so the refresh cannot change it. The refresh
// outlives the caller's context but not RefreshTimeout.
func (r *Router) refresh(req *http.Request, c *durable.Cache) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), r.opts.RefreshTimeout)
	bgReq := req.Clone(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		defer cancel()
		fresh, err := r.fetch(bgReq)
		if err != nil {
			r.logger.Debug("background refresh failed",
				"url", bgReq.URL.String(),
				"error", err)
			return
		}
		r.store(ctx, c, fresh)
	}()
}

// networkWithFallback serves the network response, then the dynamic cache's
// prior entry, then the API's canned offline payload.
func (r *Router) networkWithFallback(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := r.cacheKey(req.URL)
	dynamic := r.cache(DynamicCache)

	r.opts.Counters.Inc(metrics.RouteNetwork)
	fresh, err := r.fetch(req)
	if err == nil {
		r.store(ctx, dynamic, fresh)
		return fresh.HTTPResponse(req), nil
	}

	r.opts.Counters.Inc(metrics.RouteFallback)
	if hit, ok := r.match(ctx, dynamic, key); ok {
		return hit.HTTPResponse(req), nil
	}
	if fb := r.fallbackFor(key); fb != nil {
		if payload, ok := r.match(ctx, r.cache(OfflineCache), fb.Prefix); ok {
			return payload.HTTPResponse(req), nil
		}
	}
	r.logger.Debug("no fallback for request",
		"url", key,
		"error", err)
	return unavailable(req), nil
}

// networkFirst serves the network response, then the dynamic cache, then a 503.
func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := r.cacheKey(req.URL)
	dynamic := r.cache(DynamicCache)

	r.opts.Counters.Inc(metrics.RouteNetwork)
	fresh, err := r.fetch(req)
	if err == nil {
		r.store(ctx, dynamic, fresh)
		return fresh.HTTPResponse(req), nil
	}

	r.opts.Counters.Inc(metrics.RouteFallback)
	if hit, ok := r.match(ctx, dynamic, key); ok {
		return hit.HTTPResponse(req), nil
	}
	return unavailable(req), nil
}

func (r *Router) offlinePage(req *http.Request) *http.Response {
	if page, ok := r.match(req.Context(), r.cache(OfflineCache), r.offlinePageKey()); ok {
		return page.HTTPResponse(req)
	}
	return unavailable(req)
}

func (r *Router) offlinePageKey() string {
	if r.opts.Origin == nil {
		return "/offline"
	}
	return strings.TrimSuffix(r.opts.Origin.String(), "/") + "/offline"
}

func unavailable(req *http.Request) *http.Response {
	resp := &durable.StoredResponse{
		URL:    req.URL.String(),
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("Resource unavailable"),
	}
	return resp.HTTPResponse(req)
}
