package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/richardartoul/scriptdesk/backends"
	"github.com/richardartoul/scriptdesk/pkg/durable"
	"github.com/richardartoul/scriptdesk/pkg/fetcher"
	"github.com/richardartoul/scriptdesk/pkg/kvstore"
	"github.com/richardartoul/scriptdesk/pkg/loader"
	"github.com/richardartoul/scriptdesk/pkg/locking"
	"github.com/richardartoul/scriptdesk/pkg/metrics"
	"github.com/richardartoul/scriptdesk/pkg/offline"
	"github.com/richardartoul/scriptdesk/pkg/router"
	"github.com/richardartoul/scriptdesk/pkg/scriptdata"
	"github.com/richardartoul/scriptdesk/pkg/weather"
)

// Keys written by the offline syncers.
const (
	keyAutoBackup = "autoBackup"
	keySettings   = "settings."
)

// app holds every long-lived component. Nothing is global; handlers receive
// the app they belong to.
type app struct {
	cfg      *Config
	origin   *url.URL
	logger   *slog.Logger
	latency  *metrics.LatencyTracker
	counters *metrics.Counters

	kv      kvstore.Store
	store   *kvstore.Soft
	storage *durable.Storage
	router  *router.Router
	loader  *loader.Loader
	queue   *offline.Queue
	updater *scriptdata.Updater
	weather *weather.Client
	syncers map[offline.Kind]offline.Syncer
	client  *http.Client

	server *http.Server
	wg     sync.WaitGroup
}

func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin: %w", err)
	}

	kv, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	backend, err := openBackend(ctx, cfg.Durable, logger)
	if err != nil {
		closeStore(kv)
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		origin:   origin,
		logger:   logger,
		latency:  metrics.NewLatencyTracker(0.01),
		counters: metrics.NewCounters(),
		kv:       kv,
		store:    kvstore.NewSoft(kv, logger),
		client:   cleanhttp.DefaultPooledClient(),
	}
	a.storage = durable.NewStorage(backend, nil, logger)

	a.router = router.NewRouter(a.storage, router.Options{
		Version:      cfg.Version,
		Origin:       origin,
		ExternalAPIs: externalAPIs(cfg),
		CleanMaxAge:  cfg.Router.CleanMaxAge,
		Network:      cleanhttp.DefaultPooledTransport(),
		Logger:       logger,
		Latency:      a.latency,
		Counters:     a.counters,
	})

	// Every load goes through the router, so the caching strategies apply to
	// the script document, the config and the weather alike.
	f := fetcher.New(fetcher.Options{
		Timeout: cfg.Loader.Timeout,
		Version: cfg.Version,
		Bust:    fetcher.NewBustPredicate(origin.Host, fetcher.DefaultBustNames...),
		Client:  &http.Client{Transport: a.router},
		Latency: a.latency,
	})

	maxRetries := cfg.Loader.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	a.loader = loader.New(f, loader.Options{
		CacheTTL:    cfg.Loader.CacheTTL,
		MaxRetries:  maxRetries,
		BackoffBase: cfg.Loader.BackoffBase,
		Logger:      logger,
		Latency:     a.latency,
		Counters:    a.counters,
	})

	a.queue = offline.New(offline.Options{
		Capacity: cfg.Queue.Capacity,
		Logger:   logger,
	})

	a.updater = scriptdata.NewUpdater(a.loader, a.store, scriptdata.Options{
		CurrentVersion:  cfg.Version,
		PrimaryURL:      cfg.Remote.ScriptDataURL,
		BackupURL:       cfg.Remote.BackupScriptDataURL,
		LocalURL:        cfg.LocalScriptDataURL(),
		ConfigURL:       cfg.Remote.ConfigURL,
		BackupConfigURL: cfg.Remote.BackupConfigURL,
		CheckInterval:   cfg.Remote.CheckInterval,
		AutoUpdate:      cfg.Remote.AutoUpdate,
		MaxBackups:      cfg.Remote.MaxBackups,
		Logger:          logger,
	})
	a.weather = weather.New(a.loader, cfg.Weather.URL, cfg.Weather.Location)

	a.syncers = map[offline.Kind]offline.Syncer{
		offline.Analytics: a.syncAnalytics,
		offline.Backup:    a.syncBackup,
		offline.Settings:  a.syncSettings,
	}
	return a, nil
}

func openStore(cfg StoreConfig) (kvstore.Store, error) {
	switch cfg.Kind {
	case "memory":
		return kvstore.NewMemory(), nil
	case "file":
		s, err := kvstore.NewFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return s, nil
	case "bolt":
		s, err := kvstore.OpenBolt(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store kind: %q", cfg.Kind)
	}
}

func closeStore(kv kvstore.Store) error {
	if c, ok := kv.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func openBackend(ctx context.Context, cfg DurableConfig, logger *slog.Logger) (backends.Backend, error) {
	var (
		backend backends.Backend
		err     error
	)
	switch cfg.Kind {
	case "memory":
		backend = backends.NewMemory()
	case "disk":
		// Lock files live beside the cache root so they are never listed as
		// caches.
		locks, lerr := locking.NewFlock(cfg.Dir + ".locks")
		if lerr != nil {
			return nil, lerr
		}
		backend, err = backends.NewDisk(cfg.Dir, locks, logger)
	case "s3":
		backend, err = backends.NewS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Region)
	default:
		return nil, fmt.Errorf("unknown durable backend: %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Kind, err)
	}
	if cfg.Debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, nil
}

// externalAPIs returns the scheme and host of every remote document URL.
func externalAPIs(cfg *Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range []string{
		cfg.Remote.ScriptDataURL,
		cfg.Remote.BackupScriptDataURL,
		cfg.Remote.ConfigURL,
		cfg.Remote.BackupConfigURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		prefix := u.Scheme + "://" + u.Host
		if !seen[prefix] {
			seen[prefix] = true
			out = append(out, prefix)
		}
	}
	return out
}

// start installs the router, starts the listener, preloads the script
// document and schedules the periodic tasks. Failures degrade; they do not
// stop the binary.
func (a *app) start(ctx context.Context) {
	if err := a.router.Install(ctx); err != nil {
		a.logger.Warn("failed to install router, requests pass straight to the network", "error", err)
	} else if err := a.router.Activate(ctx); err != nil {
		a.logger.Warn("router activation incomplete", "error", err)
	}

	if a.cfg.Listen != "" {
		a.server = &http.Server{
			Addr:              a.cfg.Listen,
			Handler:           router.Handler(a.router, a.origin, a.logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Info("serving origin through router", "listen", a.cfg.Listen, "origin", a.cfg.Origin)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("listener failed", "error", err)
			}
		}()
	}

	doc, source, err := a.updater.Load(ctx)
	if err != nil {
		a.logger.Warn("failed to preload script data", "error", err)
	} else {
		a.logger.Info("script data loaded",
			"version", doc.Version,
			"source", string(source),
			"topics", len(doc.Topics))
	}

	a.every(ctx, "update check", a.cfg.Remote.CheckInterval, func(ctx context.Context) {
		updated, err := a.updater.CheckForUpdates(ctx)
		if err != nil {
			a.logger.Warn("update check failed", "error", err)
			return
		}
		if updated {
			a.loader.Clear()
		}
	})
	a.every(ctx, "offline drain", a.cfg.Queue.DrainInterval, func(ctx context.Context) {
		a.drain(ctx)
	})
	a.every(ctx, "cache clean", a.cfg.Router.CleanInterval, func(ctx context.Context) {
		if _, err := a.router.CleanCache(ctx); err != nil {
			a.logger.Warn("cache clean failed", "error", err)
		}
	})
}

// every runs fn each interval until ctx is done. A non-positive interval
// disables the task.
func (a *app) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.logger.Debug("running periodic task", "task", name)
				fn(ctx)
			}
		}
	}()
}

func (a *app) drain(ctx context.Context) offline.DrainResult {
	result := a.queue.Drain(ctx, a.syncers)
	if result.Succeeded > 0 || len(result.Remaining) > 0 {
		a.logger.Info("drained offline queue",
			"succeeded", result.Succeeded,
			"remaining", len(result.Remaining))
	}
	return result
}

type analyticsEvent struct {
	ID         string    `json:"id"`
	Payload    any       `json:"payload"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// syncAnalytics posts the event to the analytics endpoint, or keeps it in
// the analytics durable cache when no endpoint is configured.
func (a *app) syncAnalytics(ctx context.Context, item offline.Item) error {
	body, err := json.Marshal(analyticsEvent{ID: item.ID, Payload: item.Payload, EnqueuedAt: item.EnqueuedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal analytics event: %w", err)
	}

	if a.cfg.Queue.AnalyticsURL == "" {
		c, err := a.storage.Open(ctx, a.router.CacheName(router.AnalyticsCache))
		if err != nil {
			return err
		}
		return c.Put(ctx, "urn:scriptdesk:analytics:"+item.ID, &durable.StoredResponse{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   body,
		})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Queue.AnalyticsURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build analytics request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post analytics event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &fetcher.NetworkError{URL: a.cfg.Queue.AnalyticsURL, Status: resp.StatusCode}
	}
	return nil
}

// syncBackup persists the payload as the latest automatic backup.
func (a *app) syncBackup(ctx context.Context, item offline.Item) error {
	if !a.store.SetJSON(keyAutoBackup, item.Payload) {
		return fmt.Errorf("failed to persist backup %s", item.ID)
	}
	return nil
}

// syncSettings persists each field of an object payload under its own key.
func (a *app) syncSettings(ctx context.Context, item offline.Item) error {
	fields, ok := item.Payload.(map[string]any)
	if !ok {
		return fmt.Errorf("settings payload must be an object, got %T", item.Payload)
	}
	for name, value := range fields {
		if !a.store.SetJSON(keySettings+name, value) {
			return fmt.Errorf("failed to persist setting %q", name)
		}
	}
	return nil
}

// Close stops the listener and the periodic tasks, waits for background
// refreshes and releases the stores. The context passed to start must be
// done before Close is called.
func (a *app) Close() error {
	var errs []error
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down listener: %w", err))
		}
	}
	a.wg.Wait()
	a.router.Wait()
	if err := a.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close durable storage: %w", err))
	}
	if err := closeStore(a.kv); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
