package router

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/richardartoul/scriptdesk/backends"
	"github.com/richardartoul/scriptdesk/pkg/clock"
	"github.com/richardartoul/scriptdesk/pkg/durable"
	"github.com/richardartoul/scriptdesk/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const origin = "http://desk.local"

type fakeResponse struct {
	status int
	body   string
	header http.Header
}

// fakeNetwork answers from a URL-keyed table. Unknown URLs get a 404.
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	calls     map[string]int
	down      bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]fakeResponse),
		calls:     make(map[string]int),
	}
}

func (f *fakeNetwork) set(url string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = fakeResponse{status: status, body: body}
}

func (f *fakeNetwork) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeNetwork) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := req.URL.String()
	f.calls[u]++
	if f.down {
		return nil, errors.New("network is down")
	}
	r, ok := f.responses[u]
	if !ok {
		r = fakeResponse{status: http.StatusNotFound, body: "not found"}
	}
	header := r.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

type testEnv struct {
	router   *Router
	net      *fakeNetwork
	storage  *durable.Storage
	clock    *clock.Fake
	counters *metrics.Counters
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	net := newFakeNetwork()
	net.set(origin+"/", http.StatusOK, "<html>desk</html>")
	net.set(origin+"/script.js", http.StatusOK, "v1")

	clk := clock.NewFake(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	storage := durable.NewStorage(backends.NewMemory(), clk, nil)
	u, err := url.Parse(origin)
	if err != nil {
		t.Fatalf("failed to parse origin: %v", err)
	}
	counters := metrics.NewCounters()
	r := NewRouter(storage, Options{
		Version:      "2.1.0",
		Origin:       u,
		StaticAssets: []string{"/", "/script.js"},
		Network:      net,
		Clock:        clk,
		Counters:     counters,
	})
	return &testEnv{router: r, net: net, storage: storage, clock: clk, counters: counters}
}

func (e *testEnv) activate(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := e.router.Install(ctx); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := e.router.Activate(ctx); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
}

func (e *testEnv) get(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	resp, err := e.router.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip(%s) failed: %v", rawURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestClassify(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		url  string
		want Class
	}{
		{origin + "/", Static},
		{origin + "/script.js", Static},
		{origin + "/notes.html", Local},
		{"https://api.open-meteo.com/v1/forecast?latitude=-23.5", FallbackAPI},
		{"https://raw.githubusercontent.com/acme/desk/main/script-data.json", ExternalAPI},
		{"https://castrox-dev.github.io/desk/config.js", ExternalAPI},
		{"https://example.com/tracker.js", Other},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.url, nil)
		if got := env.router.Classify(req); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestPassThroughBeforeActivation(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		if status, body := env.get(t, origin+"/script.js"); status != http.StatusOK || body != "v1" {
			t.Fatalf("got (%d, %q), want (200, v1)", status, body)
		}
	}
	if got := env.net.callCount(origin + "/script.js"); got != 2 {
		t.Errorf("expected every request on the network before activation, got %d calls", got)
	}
	if got := env.router.Phase(); got != Uninstalled {
		t.Errorf("expected phase uninstalled, got %s", got)
	}
}

func TestInstallFailsOnBadAsset(t *testing.T) {
	env := newTestEnv(t)
	env.net.set(origin+"/script.js", http.StatusInternalServerError, "boom")
	ctx := context.Background()

	if err := env.router.Install(ctx); err == nil {
		t.Fatal("expected install to fail")
	}
	if err := env.router.Activate(ctx); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("expected ErrNotInstalled, got %v", err)
	}

	static, err := env.storage.Open(ctx, env.router.CacheName(StaticCache))
	if err != nil {
		t.Fatalf("failed to open static cache: %v", err)
	}
	keys, err := static.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected nothing stored after failed install, got %v", keys)
	}
}

func TestStaticCacheFirst(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	ctx := context.Background()

	// Start from an empty static cache.
	if err := env.router.ClearCache(ctx, "2.1.0"); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	url := origin + "/script.js"
	before := env.net.callCount(url)

	if status, body := env.get(t, url); status != http.StatusOK || body != "v1" {
		t.Fatalf("first request = (%d, %q), want (200, v1)", status, body)
	}
	if got := env.net.callCount(url) - before; got != 1 {
		t.Fatalf("expected a miss to hit the network once, got %d", got)
	}
	if hit, ok, err := env.router.cache(StaticCache).Match(ctx, url); err != nil || !ok || string(hit.Body) != "v1" {
		t.Fatalf("expected v1 in the static cache after a miss, got (%v, %v, %v)", hit, ok, err)
	}

	// The server moves on. The second request is served from the cache and
	// the background refresh must not change it.
	env.net.set(url, http.StatusOK, "v2")
	if status, body := env.get(t, url); status != http.StatusOK || body != "v1" {
		t.Fatalf("second request = (%d, %q), want cached (200, v1)", status, body)
	}
	env.router.Wait()

	if got := env.counters.Get(metrics.RouteCacheHit); got != 1 {
		t.Errorf("expected 1 cache hit, got %d", got)
	}
	hit, ok, err := env.router.cache(StaticCache).Match(ctx, url)
	if err != nil || !ok {
		t.Fatalf("expected a cached entry, got (%v, %v)", ok, err)
	}
	if string(hit.Body) != "v2" {
		t.Errorf("expected the background refresh to store v2, got %q", hit.Body)
	}
}

func TestStaticMissWithNetworkDown(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	if err := env.router.ClearCache(context.Background(), "2.1.0"); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	env.net.setDown(true)

	status, body := env.get(t, origin+"/script.js")
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", status)
	}
	if body != "Resource unavailable" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestStaticServedOffline(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	env.net.setDown(true)

	if status, body := env.get(t, origin+"/script.js"); status != http.StatusOK || body != "v1" {
		t.Errorf("expected the installed asset offline, got (%d, %q)", status, body)
	}
	env.router.Wait()
}

func TestFallbackAPI(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	seen := "https://api.open-meteo.com/v1/forecast?latitude=-23.5&current_weather=true"
	unseen := "https://api.open-meteo.com/v1/forecast?latitude=40.7&current_weather=true"
	env.net.set(seen, http.StatusOK, `{"current_weather":{"temperature":24.5}}`)

	if _, body := env.get(t, seen); body != `{"current_weather":{"temperature":24.5}}` {
		t.Fatalf("unexpected network body %q", body)
	}

	env.net.setDown(true)
	if status, body := env.get(t, seen); status != http.StatusOK || body != `{"current_weather":{"temperature":24.5}}` {
		t.Errorf("expected the prior dynamic entry, got (%d, %q)", status, body)
	}
	status, body := env.get(t, unseen)
	if status != http.StatusOK || body != string(DefaultFallbacks[0].Payload.Body) {
		t.Errorf("expected the canned offline payload, got (%d, %q)", status, body)
	}
	if got := env.counters.Get(metrics.RouteFallback); got != 2 {
		t.Errorf("expected 2 fallbacks, got %d", got)
	}
}

func TestExternalNetworkFirst(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	data := "https://raw.githubusercontent.com/acme/desk/main/script-data.json"
	other := "https://raw.githubusercontent.com/acme/desk/main/config.js"
	env.net.set(data, http.StatusOK, `{"version":"2.1.0"}`)

	env.get(t, data)
	env.net.set(data, http.StatusOK, `{"version":"2.2.0"}`)
	if _, body := env.get(t, data); body != `{"version":"2.2.0"}` {
		t.Errorf("expected the network to win while online, got %q", body)
	}

	env.net.setDown(true)
	if _, body := env.get(t, data); body != `{"version":"2.2.0"}` {
		t.Errorf("expected the latest cached copy offline, got %q", body)
	}
	if status, _ := env.get(t, other); status != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for an uncached external resource, got %d", status)
	}
}

func TestNonOKNotCached(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	data := "https://raw.githubusercontent.com/acme/desk/main/script-data.json"
	env.net.set(data, http.StatusBadGateway, "bad gateway")

	if status, _ := env.get(t, data); status != http.StatusBadGateway {
		t.Fatalf("expected the 502 to be returned as-is, got %d", status)
	}
	env.net.setDown(true)
	if status, _ := env.get(t, data); status != http.StatusServiceUnavailable {
		t.Errorf("expected a non-2xx response never to be cached, got %d", status)
	}
}

func TestLocalOfflinePage(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	env.net.set(origin+"/notes.html", http.StatusOK, "notes")

	if _, body := env.get(t, origin+"/notes.html"); body != "notes" {
		t.Fatalf("unexpected body %q", body)
	}
	env.net.setDown(true)
	if _, body := env.get(t, origin+"/notes.html"); body != "notes" {
		t.Errorf("expected the cached local page offline, got %q", body)
	}
	env.router.Wait()

	status, body := env.get(t, origin+"/settings.html")
	if status != http.StatusOK || body != string(DefaultOfflinePage.Body) {
		t.Errorf("expected the offline page, got (%d, %q)", status, body)
	}
}

func TestOtherAndNonGETPassThrough(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	tracker := "https://example.com/tracker.js"
	env.net.set(tracker, http.StatusOK, "track")

	env.get(t, tracker)
	env.net.setDown(true)
	req := httptest.NewRequest(http.MethodGet, tracker, nil)
	if _, err := env.router.RoundTrip(req); err == nil {
		t.Error("expected other requests to surface network errors")
	}

	post := httptest.NewRequest(http.MethodPost, origin+"/script.js", strings.NewReader("x"))
	if _, err := env.router.RoundTrip(post); err == nil {
		t.Error("expected POST to bypass the caches")
	}
}

func TestActivateDeletesStaleCaches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"scriptdesk-static-v2.0.0", "scriptdesk-dynamic-v2.0.0", "unrelated"} {
		c, err := env.storage.Open(ctx, name)
		if err != nil {
			t.Fatalf("Open(%s) failed: %v", name, err)
		}
		if err := c.Put(ctx, "http://x/", &durable.StoredResponse{Status: 200, Body: []byte("old")}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	env.activate(t)

	names, err := env.storage.Names(ctx)
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	sort.Strings(names)
	want := []string{
		"scriptdesk-analytics-v2.1.0",
		"scriptdesk-dynamic-v2.1.0",
		"scriptdesk-offline-v2.1.0",
		"scriptdesk-static-v2.1.0",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("cache names mismatch (-want +got):\n%s", diff)
	}
	if got := env.router.Phase(); got != Active {
		t.Errorf("expected phase active, got %s", got)
	}
}

func TestCleanCache(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	ctx := context.Background()
	dynamic := env.router.cache(DynamicCache)

	put := func(url string, date time.Time) {
		t.Helper()
		header := http.Header{}
		if !date.IsZero() {
			header.Set("Date", date.UTC().Format(http.TimeFormat))
		}
		if err := dynamic.Put(ctx, url, &durable.StoredResponse{Status: 200, Header: header, Body: []byte(url)}); err != nil {
			t.Fatalf("Put(%s) failed: %v", url, err)
		}
	}

	// Stored without a Date header, then aged past the limit.
	put("https://raw.githubusercontent.com/undated-old", time.Time{})
	env.clock.Advance(25 * time.Hour)
	now := env.clock.Now()
	put("https://raw.githubusercontent.com/dated-old", now.Add(-48*time.Hour))
	put("https://raw.githubusercontent.com/dated-fresh", now.Add(-time.Hour))
	put("https://raw.githubusercontent.com/undated-fresh", time.Time{})

	if err := env.router.Handle(ctx, Message{Type: CleanCacheMessage}); err != nil {
		t.Fatalf("Handle(CLEAN_CACHE) failed: %v", err)
	}

	keys, err := dynamic.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	sort.Strings(keys)
	want := []string{
		"https://raw.githubusercontent.com/dated-fresh",
		"https://raw.githubusercontent.com/undated-fresh",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("remaining entries mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleClearAndUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	ctx := context.Background()

	if err := env.router.Handle(ctx, Message{Type: "PING"}); err != nil {
		t.Errorf("expected unknown messages to be ignored, got %v", err)
	}
	if err := env.router.Handle(ctx, Message{Type: ClearCacheMessage, Version: "2.2.0"}); err != nil {
		t.Fatalf("Handle(CLEAR_CACHE) failed: %v", err)
	}
	if got := env.router.AppliedVersion(); got != "2.2.0" {
		t.Errorf("expected applied version 2.2.0, got %q", got)
	}
	keys, err := env.router.cache(StaticCache).Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected an empty static cache, got %v", keys)
	}
}

func TestHandlerServesThroughRouter(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	env.net.setDown(true)

	u, _ := url.Parse(origin)
	h := Handler(env.router, u, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/script.js", nil))
	env.router.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Body.String(); got != "v1" {
		t.Errorf("expected the cached asset, got %q", got)
	}
}

// stallingNetwork never answers while stalled and gives up only when the
// request context ends.
type stallingNetwork struct {
	*fakeNetwork
	stalled atomic.Bool
}

func (s *stallingNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.stalled.Load() {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	return s.fakeNetwork.RoundTrip(req)
}

func TestRefreshBoundedOnStalledNetwork(t *testing.T) {
	env := newTestEnv(t)
	stalling := &stallingNetwork{fakeNetwork: env.net}
	env.router.network = stalling
	env.router.opts.RefreshTimeout = 50 * time.Millisecond
	env.activate(t)

	stalling.stalled.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, origin+"/script.js", nil).WithContext(ctx)
	resp, err := env.router.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "v1" {
		t.Fatalf("got (%d, %q), want cached (200, v1)", resp.StatusCode, body)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		env.router.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a refresh that never got an answer")
	}
}

func TestBustedRequestsShareCacheEntry(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t)
	ctx := context.Background()

	remote := "https://raw.githubusercontent.com/acme/desk/main/script-data.json"
	first := remote + "?t=1700000000000000001&v=2.1.0"
	env.net.set(first, http.StatusOK, `{"version":"2.2.0"}`)
	if status, _ := env.get(t, first); status != http.StatusOK {
		t.Fatalf("expected 200 online, got %d", status)
	}

	env.net.setDown(true)
	status, body := env.get(t, remote+"?t=1700000000000000002&v=2.1.0")
	if status != http.StatusOK || body != `{"version":"2.2.0"}` {
		t.Fatalf("offline busted request = (%d, %q), want the cached document", status, body)
	}
	if hit, ok, err := env.router.cache(DynamicCache).Match(ctx, remote); err != nil || !ok || hit.URL != remote {
		t.Fatalf("expected the entry keyed without bust parameters, got (%v, %v, %v)", hit, ok, err)
	}

	// Busted loads of a precached asset hit the precached entry and add no
	// new ones.
	status, body = env.get(t, origin+"/script.js?t=1700000000000000003&v=2.1.0")
	if status != http.StatusOK || body != "v1" {
		t.Fatalf("busted static request = (%d, %q), want (200, v1)", status, body)
	}
	env.router.Wait()
	keys, err := env.router.cache(StaticCache).Keys(ctx)
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected the static cache to keep 2 entries, got %v", keys)
	}
}

func TestCacheKeyKeepsOtherParams(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		raw  string
		want string
	}{
		{origin + "/script.js", origin + "/script.js"},
		{origin + "/notes.html?b=2&a=1", origin + "/notes.html?b=2&a=1"},
		{origin + "/script-data.json?t=5&v=2.1.0", origin + "/script-data.json"},
		{origin + "/notes.html?t=5&page=2", origin + "/notes.html?page=2"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", tt.raw, err)
		}
		if got := env.router.cacheKey(u); got != tt.want {
			t.Errorf("cacheKey(%s) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}
