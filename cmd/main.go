// Command offsyncd runs the offline sync layer as a standalone daemon: it
// restores the persisted queue, drains it on the configured interval through
// a plain HTTP executor, and serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/offsync"
	"github.com/l0p7/offsync/config"
	"github.com/l0p7/offsync/logging"
	"github.com/l0p7/offsync/metrics"
	"github.com/l0p7/offsync/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to configuration file")
		envPrefix  = flag.String("env-prefix", "OFFSYNC", "environment variable prefix")
		dataDir    = flag.String("data-dir", "offsync-data", "badger database directory")
		valkeyAddr = flag.String("valkey", "", "valkey address; overrides -data-dir when set")
		listenAddr = flag.String("listen", ":9187", "metrics listen address")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	var backing store.Store
	if *valkeyAddr != "" {
		backing, err = store.NewValkey(store.ValkeyConfig{Address: *valkeyAddr})
	} else {
		backing, err = store.NewBadger(*dataDir)
	}
	if err != nil {
		logger.Error("unable to open backing store", slog.Any("error", err))
		os.Exit(1)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	manager, err := offsync.New(ctx, cfg, backing, newHTTPExecutor(logger),
		offsync.WithLogger(logger),
		offsync.WithMetrics(recorder),
	)
	if err != nil {
		logger.Error("unable to construct sync manager", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Error("shutdown failed", slog.Any("error", err))
		}
	}()

	if *configFile != "" {
		// Components validate their config once at construction, so a
		// watched reload is advisory until the daemon restarts.
		watcher, err := loader.Watch(ctx, func(config.Config) {
			logger.Info("configuration changed on disk; restart to apply")
		}, func(err error) {
			logger.Error("config watcher error", slog.Any("error", err))
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	manager.StartAutoSync(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("offsyncd started", slog.String("listen", *listenAddr), slog.Bool("autoSync", cfg.Sync.Auto))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server terminated unexpectedly", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("offsyncd shutdown complete")
}
