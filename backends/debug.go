package backends

import (
	"context"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{backend: backend, logger: logger.With("component", "backend")}
}

func (d *Debug) CreateCache(ctx context.Context, cache string) error {
	err := d.backend.CreateCache(ctx, cache)
	d.log(ctx, "create cache", err, "cache", cache)
	return err
}

func (d *Debug) Caches(ctx context.Context) ([]string, error) {
	names, err := d.backend.Caches(ctx)
	d.log(ctx, "list caches", err, "count", len(names))
	return names, err
}

func (d *Debug) DeleteCache(ctx context.Context, cache string) error {
	err := d.backend.DeleteCache(ctx, cache)
	d.log(ctx, "delete cache", err, "cache", cache)
	return err
}

func (d *Debug) Put(ctx context.Context, cache, id string, data []byte) error {
	err := d.backend.Put(ctx, cache, id, data)
	d.log(ctx, "put", err, "cache", cache, "id", id, "size", len(data))
	return err
}

func (d *Debug) Get(ctx context.Context, cache, id string) ([]byte, bool, error) {
	data, miss, err := d.backend.Get(ctx, cache, id)
	d.log(ctx, "get", err, "cache", cache, "id", id, "miss", miss, "size", len(data))
	return data, miss, err
}

func (d *Debug) Delete(ctx context.Context, cache, id string) error {
	err := d.backend.Delete(ctx, cache, id)
	d.log(ctx, "delete", err, "cache", cache, "id", id)
	return err
}

func (d *Debug) List(ctx context.Context, cache string) ([]string, error) {
	ids, err := d.backend.List(ctx, cache)
	d.log(ctx, "list", err, "cache", cache, "count", len(ids))
	return ids, err
}

func (d *Debug) Close() error {
	err := d.backend.Close()
	d.log(context.Background(), "close", err)
	return err
}

func (d *Debug) log(ctx context.Context, op string, err error, args ...any) {
	if err != nil {
		d.logger.ErrorContext(ctx, op+" failed", append(args, "error", err)...)
		return
	}
	d.logger.DebugContext(ctx, op, args...)
}
