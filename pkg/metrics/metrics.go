// Package metrics tracks operation latencies with DDSketch and counts cache
// events for the loader and router with go-metrics.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

var summaryQuantiles = []float64{0.50, 0.90, 0.99}

// series is the latency distribution and failure count of one operation.
type series struct {
	sketch   *ddsketch.DDSketch
	failures int64
}

// LatencyTracker keeps a latency sketch per operation name. A nil
// *LatencyTracker discards every observation.
type LatencyTracker struct {
	accuracy float64

	mu     sync.Mutex
	series map[string]*series
}

// NewLatencyTracker creates a tracker whose quantiles are within accuracy of
// the true value, e.g. 0.01 for 1%.
func NewLatencyTracker(accuracy float64) *LatencyTracker {
	return &LatencyTracker{
		accuracy: accuracy,
		series:   make(map[string]*series),
	}
}

// Record adds one successful observation of operation.
func (lt *LatencyTracker) Record(operation string, d time.Duration) {
	lt.observe(operation, d, false)
}

// Time runs fn and records its duration under operation. A non-nil error
// from fn also counts as a failure.
func (lt *LatencyTracker) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	lt.observe(operation, time.Since(start), err != nil)
	return err
}

func (lt *LatencyTracker) observe(operation string, d time.Duration, failed bool) {
	if lt == nil {
		return
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	s, ok := lt.series[operation]
	if !ok {
		s = &series{sketch: newSketch(lt.accuracy)}
		lt.series[operation] = s
	}
	// Milliseconds with microsecond resolution.
	_ = s.sketch.Add(float64(d.Microseconds()) / 1000.0)
	if failed {
		s.failures++
	}
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	sketch, err := ddsketch.LogUnboundedDenseDDSketch(accuracy)
	if err != nil {
		sketch, _ = ddsketch.NewDefaultDDSketch(0.01)
	}
	return sketch
}

// Stats summarizes one operation. Latencies are in milliseconds.
type Stats struct {
	Operation string
	Count     int64
	Failures  int64
	Min       float64
	P50       float64
	P90       float64
	P99       float64
	Max       float64
}

// GetStats summarizes operation. It fails if nothing was recorded for it.
func (lt *LatencyTracker) GetStats(operation string) (Stats, error) {
	if lt == nil {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()
	s, ok := lt.series[operation]
	if !ok {
		return Stats{}, fmt.Errorf("no data for operation: %s", operation)
	}
	return summarize(operation, s), nil
}

// GetAllStats summarizes every operation, sorted by name.
func (lt *LatencyTracker) GetAllStats() []Stats {
	if lt == nil {
		return nil
	}
	lt.mu.Lock()
	defer lt.mu.Unlock()

	out := make([]Stats, 0, len(lt.series))
	for operation, s := range lt.series {
		out = append(out, summarize(operation, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func summarize(operation string, s *series) Stats {
	st := Stats{
		Operation: operation,
		Count:     int64(s.sketch.GetCount()),
		Failures:  s.failures,
	}
	if st.Count == 0 {
		return st
	}
	st.Min, _ = s.sketch.GetMinValue()
	st.Max, _ = s.sketch.GetMaxValue()
	if q, err := s.sketch.GetValuesAtQuantiles(summaryQuantiles); err == nil {
		st.P50, st.P90, st.P99 = q[0], q[1], q[2]
	}
	return st
}

func (s Stats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("  %s: no data", s.Operation)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s (n=%d", s.Operation, s.Count)
	if s.Failures > 0 {
		fmt.Fprintf(&b, ", failed=%d", s.Failures)
	}
	fmt.Fprintf(&b, "): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Min, s.P50, s.P90, s.P99, s.Max)
	return b.String()
}
