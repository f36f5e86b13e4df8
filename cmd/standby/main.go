// Command standby keeps a local segment store in sync with a primary.
// It runs a sync attempt at a fixed interval and serves status,
// controls and metrics over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jrife/standby/management"
	"github.com/jrife/standby/standby"
	"github.com/jrife/standby/storage/segment"
	"github.com/jrife/standby/utils/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	config, err := parseArgs(os.Args[1:])

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := log.New(config.LogLevel)

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	defer logger.Sync()

	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, logger); err != nil {
		logger.Fatal("standby failed", zap.Error(err))
	}
}

func run(ctx context.Context, config Config, logger *zap.Logger) error {
	store, err := segment.Open(segment.Options{Path: config.Store, RetainedGenerations: config.RetainedGenerations, Logger: logger})

	if err != nil {
		return err
	}

	defer store.Close()

	registry := management.NewMemoryRegistry()
	client, err := standby.NewClientSync(config.standbyConfig(store, registry, logger))

	if err != nil {
		return err
	}

	defer client.Close()

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(registry, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	mux.Handle("/", management.NewHandler(registry, logger))

	server := &http.Server{Addr: config.Management, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("serving management", zap.String("address", config.Management))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("management server failed", zap.Error(err))
		}
	}()

	schedule(ctx, config.interval(), client.Run, client.Stop)

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

// schedule calls fn right away and then every interval
// until ctx is done. Calls never overlap. stop is called
// as soon as ctx is done so an in-flight fn can return early.
func schedule(ctx context.Context, interval time.Duration, fn func(), stop func()) {
	defer context.AfterFunc(ctx, stop)()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn()

		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
