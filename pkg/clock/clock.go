// Package clock abstracts wall-clock time so that TTL expiry and retry backoff
// can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by caches, loaders and routers.
type Clock interface {
	Now() time.Time
	// After returns a channel that fires once d has elapsed. Callers that wait
	// on it are not cancellable.
	After(d time.Duration) <-chan time.Time
}

// Real is the Clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manually driven Clock. After advances the fake time by d and fires
// immediately, so a retry loop runs to completion without real sleeping while
// still observing the elapsed time. Every requested wait is recorded.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	f.waits = append(f.waits, d)
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Waits returns a copy of every duration passed to After, in call order.
func (f *Fake) Waits() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.waits))
	copy(out, f.waits)
	return out
}
