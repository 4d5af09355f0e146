package router

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/richardartoul/scriptdesk/pkg/clock"
	"github.com/richardartoul/scriptdesk/pkg/fetcher"
	"github.com/richardartoul/scriptdesk/pkg/metrics"
)

// DefaultCleanMaxAge is the age past which CLEAN_CACHE prunes dynamic entries.
const DefaultCleanMaxAge = 24 * time.Hour

// DefaultRefreshTimeout bounds a background refresh of a cache-first hit.
const DefaultRefreshTimeout = 30 * time.Second

// DefaultIgnoreParams are the query parameters left out of cache keys.
var DefaultIgnoreParams = []string{fetcher.VersionParam, fetcher.BustParam}

// DefaultStaticAssets are the local paths served cache-first.
var DefaultStaticAssets = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/script.js",
	"/script-data.json",
}

// DefaultExternalAPIs are the URL prefixes served network-first.
var DefaultExternalAPIs = []string{
	"https://castrox-dev.github.io",
	"https://raw.githubusercontent.com",
}

// DefaultFallbacks route the weather API with an offline payload.
var DefaultFallbacks = []Fallback{{
	Prefix: "https://api.open-meteo.com",
	Payload: OfflinePayload{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        []byte(`{"offline":true,"current_weather":null}`),
	},
}}

// DefaultOfflinePage is served for local requests that fail entirely.
var DefaultOfflinePage = OfflinePayload{
	Status:      http.StatusOK,
	ContentType: "text/html; charset=utf-8",
	Body: []byte(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>Offline</title></head>` +
		`<body><h1>Sem conexão</h1><p>O script continua disponível com os dados em cache.</p></body></html>`),
}

// OfflinePayload is a canned response stored in the offline cache at install.
type OfflinePayload struct {
	Status      int
	ContentType string
	Body        []byte
}

// Fallback marks a URL prefix whose requests fall back to a canned payload
// when both the network and the dynamic cache fail.
type Fallback struct {
	Prefix  string
	Payload OfflinePayload
}

// Options configure a Router.
type Options struct {
	// Version tags every cache name. Caches with another tag are deleted on
	// activation.
	Version string
	// Prefix starts every cache name. Defaults to "scriptdesk".
	Prefix string
	// Origin is the local origin the desk is served from.
	Origin *url.URL

	StaticAssets []string
	ExternalAPIs []string
	Fallbacks    []Fallback
	OfflinePage  OfflinePayload

	// IgnoreParams are dropped from a request URL to form its cache key, so
	// cache-busted requests for one resource share an entry.
	IgnoreParams []string

	// CleanMaxAge bounds the age of dynamic entries kept by CLEAN_CACHE.
	CleanMaxAge time.Duration
	// RefreshTimeout bounds each background refresh.
	RefreshTimeout time.Duration
	// InstallConcurrency bounds parallel static asset fetches during Install.
	InstallConcurrency int

	// Network performs real requests. Defaults to a cleanhttp transport.
	Network http.RoundTripper

	Clock    clock.Clock
	Logger   *slog.Logger
	Latency  *metrics.LatencyTracker
	Counters *metrics.Counters
}
