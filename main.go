// scriptdesk runs the resource-loading and offline-cache core of the
// call-center script desk. It loads the script document through a retrying,
// de-duplicating loader whose requests pass through a cache-strategy router,
// keeps a bounded offline queue of deferred syncs, and is driven by JSON
// requests on stdin, one per line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Environ(), os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args, environ []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := LoadConfig(args, environ)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger := newLogger(cfg, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		stop()
		if err := a.Close(); err != nil {
			logger.Error("failed to close", "error", err)
		}
	}()
	a.start(ctx)

	ctrl := NewControl(a, stdin, stdout)
	if err := ctrl.Run(ctx); err != nil {
		return err
	}
	if a.server != nil && !ctrl.Closed() {
		logger.Info("control channel ended, serving until interrupted")
		<-ctx.Done()
	}
	return nil
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
