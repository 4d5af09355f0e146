// Package offline holds sync items that could not be delivered while the
// network was unavailable. It is a best-effort bounded FIFO kept in memory;
// it is not a durable log.
package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/scriptdesk/pkg/clock"
)

// DefaultCapacity is the queue bound used when Options.Capacity is zero.
const DefaultCapacity = 100

// Kind classifies a queued item and selects its Syncer.
type Kind string

const (
	Analytics Kind = "analytics"
	Backup    Kind = "backup"
	Settings  Kind = "settings"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Analytics, Backup, Settings:
		return k, nil
	default:
		return "", fmt.Errorf("unknown offline item kind: %q", s)
	}
}

// Item is one deferred synchronization unit.
type Item struct {
	ID         string
	Kind       Kind
	Payload    any
	EnqueuedAt time.Time
}

// Syncer delivers one item. Returning nil removes the item from the queue.
type Syncer func(ctx context.Context, item Item) error

// DrainResult reports the outcome of a Drain.
type DrainResult struct {
	Succeeded int
	Remaining []Item
}

// Options configure a Queue.
type Options struct {
	// Capacity bounds the queue length. When exceeded, the queue keeps only
	// the newest Capacity/2 items.
	Capacity int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Queue is a bounded FIFO of pending sync items.
type Queue struct {
	opts Options

	mu       sync.Mutex
	items    []Item
	draining bool
}

// New creates an empty Queue.
func New(opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Queue{opts: opts}
}

// Enqueue appends an item. If the queue then exceeds its capacity, the oldest
// items are dropped so that the newest Capacity/2 remain in order.
func (q *Queue) Enqueue(kind Kind, payload any) Item {
	item := Item{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		EnqueuedAt: q.opts.Clock.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	if len(q.items) > q.opts.Capacity {
		keep := q.opts.Capacity / 2
		dropped := len(q.items) - keep
		q.items = append([]Item(nil), q.items[dropped:]...)
		q.opts.Logger.Info("offline queue over capacity, dropped oldest items",
			"dropped", dropped,
			"kept", keep)
	}
	return item
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items, oldest first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

// Drain syncs every queued item concurrently and waits for all of them.
// Items whose Syncer succeeded are removed; the rest stay queued. Items with
// no registered Syncer count as failed. If another Drain is running or the
// queue is empty, Drain returns immediately with zero successes.
func (q *Queue) Drain(ctx context.Context, syncers map[Kind]Syncer) DrainResult {
	q.mu.Lock()
	if q.draining || len(q.items) == 0 {
		remaining := append([]Item(nil), q.items...)
		q.mu.Unlock()
		return DrainResult{Remaining: remaining}
	}
	q.draining = true
	batch := append([]Item(nil), q.items...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	var (
		doneMu sync.Mutex
		done   = make(map[string]bool, len(batch))
	)
	var g errgroup.Group
	for _, item := range batch {
		g.Go(func() error {
			if err := q.sync(ctx, syncers, item); err != nil {
				q.opts.Logger.Warn("failed to sync offline item",
					"id", item.ID,
					"kind", string(item.Kind),
					"error", err)
				return nil
			}
			doneMu.Lock()
			done[item.ID] = true
			doneMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Correlate by id: items enqueued or evicted during the drain are
	// handled correctly.
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0:0]
	for _, item := range q.items {
		if !done[item.ID] {
			kept = append(kept, item)
		}
	}
	q.items = kept

	return DrainResult{
		Succeeded: len(done),
		Remaining: append([]Item(nil), kept...),
	}
}

func (q *Queue) sync(ctx context.Context, syncers map[Kind]Syncer, item Item) (err error) {
	syncer, ok := syncers[item.Kind]
	if !ok {
		return fmt.Errorf("no syncer registered for kind %q", item.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("syncer panicked: %v", r)
		}
	}()
	return syncer(ctx, item)
}
