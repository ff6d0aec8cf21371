// Command jsmem-server runs a heap with the HTTP inspector in front of it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kilupskalvis/jsmem/internal/config"
	"github.com/kilupskalvis/jsmem/internal/engine"
	"github.com/kilupskalvis/jsmem/internal/gc"
	"github.com/kilupskalvis/jsmem/internal/history"
	"github.com/kilupskalvis/jsmem/internal/icache"
	"github.com/kilupskalvis/jsmem/internal/inspect"
	"github.com/kilupskalvis/jsmem/internal/pool"
	"github.com/kilupskalvis/jsmem/internal/snapshot"
	"github.com/kilupskalvis/jsmem/internal/workload"
)

func main() {
	listen := flag.String("listen", envOrDefault("JSMEM_LISTEN", ""), "Listen address (default from jsmem.toml)")
	dataDir := flag.String("data-dir", os.Getenv("JSMEM_DATA_DIR"), "Directory for snapshot and history databases (default: the .jsmem workspace)")
	strategy := flag.String("strategy", os.Getenv("JSMEM_STRATEGY"), "Collection strategy (default from jsmem.toml)")
	adminToken := flag.String("admin-token", os.Getenv("JSMEM_ADMIN_TOKEN"), "Token required for POST endpoints")
	logLevel := flag.String("log-level", envOrDefault("JSMEM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("JSMEM_LOG_FORMAT", "json"), "Log format (json, text)")
	tlsCert := flag.String("tls-cert", os.Getenv("JSMEM_TLS_CERT"), "TLS certificate file")
	tlsKey := flag.String("tls-key", os.Getenv("JSMEM_TLS_KEY"), "TLS key file")
	webhookURLs := flag.String("webhook-urls", os.Getenv("JSMEM_WEBHOOK_URLS"), "Comma-separated webhook URLs to notify on collection")
	demo := flag.Duration("demo", durationEnv("JSMEM_DEMO", 0), "Run a synthetic workload at this interval (0 disables)")
	flag.Parse()

	// Setup logger
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Config: workspace if there is one, defaults otherwise.
	cfg, err := config.Load()
	if err != nil {
		logger.Info("no jsmem workspace, using defaults", "reason", err)
		cfg = config.Default()
	}
	if *listen == "" {
		*listen = cfg.Server.Addr
	}

	gcCfg, err := cfg.GCConfig()
	if err != nil {
		logger.Error("invalid gc config", "error", err)
		os.Exit(1)
	}
	if *strategy != "" {
		if gcCfg.Strategy, err = gc.ParseStrategy(*strategy); err != nil {
			logger.Error("invalid strategy", "error", err)
			os.Exit(1)
		}
	}

	snapshotPath, historyPath := cfg.SnapshotDBPath(), cfg.HistoryDBPath()
	if *dataDir != "" {
		if err := os.MkdirAll(*dataDir, 0755); err != nil {
			logger.Error("failed to create data directory", "error", err, "path", *dataDir)
			os.Exit(1)
		}
		snapshotPath = filepath.Join(*dataDir, config.SnapshotsDBFile)
		historyPath = filepath.Join(*dataDir, config.HistoryDBFile)
	}

	snapshots, err := snapshot.Open(snapshotPath)
	if err != nil {
		logger.Error("failed to open snapshot store", "error", err, "path", snapshotPath)
		os.Exit(1)
	}
	defer snapshots.Close()

	hist, err := history.Open(historyPath)
	if err != nil {
		logger.Error("failed to open history store", "error", err, "path", historyPath)
		os.Exit(1)
	}
	defer hist.Close()

	pools := cfg.NewPool(pool.WithLogger(logger))
	gcOpts := []gc.Option{
		gc.WithLogger(logger),
		gc.WithAllocator(pools),
		gc.WithObserver(gc.ObserverFunc(func(gc.CollectionEvent) { pools.HandleMemoryPressure() })),
		gc.WithObserver(history.NewRecorder(hist, "server", logger)),
	}

	// Webhooks
	urls := append([]string(nil), cfg.Server.Webhooks...)
	for _, u := range strings.Split(*webhookURLs, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	webhooks := inspect.NewWebhookNotifier(&inspect.WebhookConfig{URLs: urls}, logger)
	if webhooks != nil {
		gcOpts = append(gcOpts, gc.WithObserver(webhooks))
		logger.Info("webhooks configured", "count", len(urls))
	}

	heap := gc.New(gcCfg, gcOpts...)
	realm := engine.NewRealm(heap, cfg.NewCaches(icache.WithLogger(logger)), logger)

	// Handler
	apiCfg := inspect.DefaultConfig()
	apiCfg.AdminToken = *adminToken
	apiCfg.Snapshots = snapshots
	apiCfg.History = hist
	apiCfg.Pool = pools
	h := inspect.Handler(realm, apiCfg, logger)

	// HTTP server
	srv := &http.Server{
		Addr:         *listen,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	ctx, cancel := context.WithCancel(context.Background())
	demoDone := make(chan struct{})
	if *demo > 0 {
		go func() {
			defer close(demoDone)
			runDemo(ctx, realm, *demo, logger)
		}()
	} else {
		close(demoDone)
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting jsmem-server", "listen", *listen, "strategy", gcCfg.Strategy.String())
		var err error
		if *tlsCert != "" && *tlsKey != "" {
			err = srv.ListenAndServeTLS(*tlsCert, *tlsKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	cancel()
	<-demoDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	heap.WaitBackground()
	webhooks.Wait()
	logger.Info("server stopped")
}

// runDemo runs a small workload every interval. Roots left by the previous
// run are dropped first so its objects become garbage.
func runDemo(ctx context.Context, realm *engine.Realm, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	opts := workload.DefaultOptions()
	for run := uint64(1); ; run++ {
		for _, r := range realm.Heap().Roots() {
			realm.Unroot(r.ID)
		}
		opts.Seed = run
		res, err := workload.NewRunner(realm, opts, logger).Run(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("demo workload failed", "error", err)
		} else {
			logger.Info("demo workload done",
				"run", run,
				"allocated", res.Allocated,
				"live", res.GC.LiveObjects,
				"property_hit_rate", res.Caches.PropertyCache.HitRate,
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func durationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
