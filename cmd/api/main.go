package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hikari-project/FD-Reid/internal/api"
	"github.com/Hikari-project/FD-Reid/internal/api/handlers"
	"github.com/Hikari-project/FD-Reid/internal/api/ws"
	"github.com/Hikari-project/FD-Reid/internal/config"
	"github.com/Hikari-project/FD-Reid/internal/eventlog"
	"github.com/Hikari-project/FD-Reid/internal/observability"
	"github.com/Hikari-project/FD-Reid/internal/queue"
	"github.com/Hikari-project/FD-Reid/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting flow API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checks := map[string]handlers.Pinger{}

	// Feature store (read side)
	store, err := storage.OpenFeatureStore(ctx, cfg)
	if err != nil {
		slog.Error("open feature store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	checks["feature_store"] = store

	// Connect to MinIO
	var snapshots handlers.SnapshotLister
	if cfg.MinIO.Enabled() {
		minioStore, err := storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
		snapshots = minioStore
		checks["minio"] = minioStore
	}

	// Connect to NATS
	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect to nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	checks["nats"] = handlers.PingFunc(func(context.Context) error { return producer.Ping() })

	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Warn("ensure nats streams", "error", err)
	}

	// WebSocket hub
	hub := ws.NewHub()
	go hub.Run(ctx)

	// Live counters follow the published business events
	counters := eventlog.NewCounters(cfg.EventLog.Cooldown)

	consumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("create event consumer", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	if err := consumer.ConsumeEvents(ctx, "api-events", api.EventHandler(counters, hub)); err != nil {
		slog.Warn("start event consumer", "error", err)
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				counters.Prune(now)
			}
		}
	}()

	// Setup router
	router := api.NewRouter(api.RouterConfig{
		APIKey:     cfg.Server.APIKey,
		Identities: store,
		Snapshots:  snapshots,
		Control:    producer,
		Counters:   counters,
		LogDir:     cfg.EventLog.Dir,
		Cooldown:   cfg.EventLog.Cooldown,
		Hub:        hub,
		Checks:     checks,
	})

	// Start HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
