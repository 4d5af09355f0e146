package metrics

import (
	"sort"
	"strings"
	"time"

	gometrics "github.com/armon/go-metrics"
)

// Counter names used across the module.
const (
	CacheHit      = "cache_hit"
	CacheMiss     = "cache_miss"
	LoadShared    = "load_shared"
	LoadRetry     = "load_retry"
	LoadFailed    = "load_failed"
	RouteCacheHit = "route_cache_hit"
	RouteNetwork  = "route_network"
	RouteFallback = "route_fallback"
)

const (
	counterService  = "scriptdesk"
	counterInterval = time.Minute
	// CounterRetention is how far back Get and Snapshot add up increments.
	CounterRetention = 24 * time.Hour
)

// Counters emits named counters through a go-metrics client into an
// in-memory sink. A nil *Counters is valid and discards every increment.
type Counters struct {
	sink    *gometrics.InmemSink
	metrics *gometrics.Metrics
}

// NewCounters creates a counter set with its own sink. It does not touch the
// go-metrics global.
func NewCounters() *Counters {
	sink := gometrics.NewInmemSink(counterInterval, CounterRetention)
	cfg := gometrics.DefaultConfig(counterService)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	m, err := gometrics.New(cfg, sink)
	if err != nil {
		// Increments are dropped but reads still work.
		m = nil
	}
	return &Counters{sink: sink, metrics: m}
}

// Inc adds one to the named counter.
func (c *Counters) Inc(name string) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.IncrCounter([]string{name}, 1)
}

// Get returns the named counter's total over the retention window.
func (c *Counters) Get(name string) int64 {
	if c == nil {
		return 0
	}
	return c.totals()[name]
}

// Counter is one named value in a Snapshot.
type Counter struct {
	Name  string
	Value int64
}

// Snapshot returns every counter, sorted by name.
func (c *Counters) Snapshot() []Counter {
	if c == nil {
		return nil
	}
	totals := c.totals()
	out := make([]Counter, 0, len(totals))
	for name, v := range totals {
		out = append(out, Counter{Name: name, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// totals sums each counter across the sink's retained intervals. The sink
// keeps a counter's running sum per interval.
func (c *Counters) totals() map[string]int64 {
	prefix := counterService + "."
	out := make(map[string]int64)
	for _, intv := range c.sink.Data() {
		intv.RLock()
		for key, sample := range intv.Counters {
			if sample.AggregateSample == nil {
				continue
			}
			out[strings.TrimPrefix(key, prefix)] += int64(sample.Sum)
		}
		intv.RUnlock()
	}
	return out
}
