// Spins up kvcached: a cache server compatible w/ the Redis protocol, backed by any kvcache backend.

package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nobletooth/kvcache/pkg/backend"
	"github.com/nobletooth/kvcache/pkg/cache"
	"github.com/nobletooth/kvcache/pkg/clock"
	"github.com/nobletooth/kvcache/pkg/config"
	"github.com/nobletooth/kvcache/pkg/port"
	"github.com/nobletooth/kvcache/pkg/utils"
)

var printVersion = flag.Bool("print_version", false, "Print the version and exit.")

func main() {
	configErr := config.InitFlags()
	if err := utils.InitLogging(); err != nil {
		slog.Warn("Falling back to the default logger.", "error", err)
	}
	if configErr != nil {
		slog.Error("Failed to load configuration.", "error", configErr)
		os.Exit(1)
	}

	if *printVersion {
		slog.Info("kvcached build info.", utils.BuildAttrs()...)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() { // Listen for OS interrupts in the background.
		select {
		case sig := <-signals:
			slog.Info("Received termination signal, cancelling server context.", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	kv, err := backend.New(ctx, clock.Wall())
	if err != nil {
		slog.Error("Failed to create the cache backend.", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting kvcached.", utils.BuildAttrs()...)
	if err := serve(ctx, kv); err != nil {
		slog.Error("kvcached stopped.", "error", err)
		os.Exit(1)
	}
	slog.Info("kvcached stopped.")
}

// serve runs the Redis and admin servers until `ctx` is done or one of them fails, which stops the other one.
// The cache is closed on return.
func serve(ctx context.Context, kv cache.KeyValueCache) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	redisErrs := make(chan error, 1)
	go func() { redisErrs <- port.RunRedisServer(ctx, kv) }()
	adminErrs := make(chan error, 1)
	go func() { adminErrs <- runAdminServer(ctx) }()

	var redisErr, adminErr error
	select {
	case redisErr = <-redisErrs:
		cancel()
		adminErr = <-adminErrs
	case adminErr = <-adminErrs: // Also returns right away, with no error, when the admin server is disabled.
		if adminErr != nil {
			slog.Error("Admin server failed, stopping kvcached.", "error", adminErr)
			cancel()
		}
		redisErr = <-redisErrs
	}
	return errors.Join(redisErr, adminErr)
}
