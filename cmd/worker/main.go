package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Hikari-project/FD-Reid/internal/config"
	"github.com/Hikari-project/FD-Reid/internal/eventlog"
	"github.com/Hikari-project/FD-Reid/internal/geometry"
	"github.com/Hikari-project/FD-Reid/internal/ingest"
	"github.com/Hikari-project/FD-Reid/internal/observability"
	"github.com/Hikari-project/FD-Reid/internal/queue"
	"github.com/Hikari-project/FD-Reid/internal/reid"
	"github.com/Hikari-project/FD-Reid/internal/session"
	"github.com/Hikari-project/FD-Reid/internal/storage"
	"github.com/Hikari-project/FD-Reid/internal/vision"
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

	slog.Info("starting flow worker",
		"sources", len(cfg.Sources),
		"feature_store", cfg.FeatureStore.Driver,
		"cpu_cores", runtime.NumCPU(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize ONNX Runtime
	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("init onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	models, err := vision.LoadModels(cfg.Vision, nil)
	if err != nil {
		slog.Error("load vision models", "error", err)
		os.Exit(1)
	}
	defer models.Close()

	// Feature store
	store, err := storage.OpenFeatureStore(ctx, cfg)
	if err != nil {
		slog.Error("open feature store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// MinIO archive (optional)
	var archive *storage.MinIOStore
	if cfg.MinIO.Enabled() {
		archive, err = storage.NewMinIOStore(cfg.MinIO)
		if err != nil {
			slog.Error("connect to minio", "error", err)
			os.Exit(1)
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			slog.Warn("ensure minio bucket", "error", err)
		}
	}

	// NATS (optional, embedded for single-node setups)
	var producer *queue.Producer
	if cfg.NATS.Enabled() {
		natsURL := cfg.NATS.URL
		if cfg.NATS.Embedded {
			ns, err := queue.StartEmbedded(embeddedPort(natsURL), cfg.NATS.StoreDir)
			if err != nil {
				slog.Error("start embedded nats", "error", err)
				os.Exit(1)
			}
			defer ns.Shutdown()
			natsURL = ns.ClientURL()
			slog.Info("embedded nats running", "url", natsURL)
		}

		producer, err = queue.NewProducer(natsURL)
		if err != nil {
			slog.Error("connect to nats producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()

		if err := producer.EnsureStreams(ctx); err != nil {
			slog.Warn("ensure nats streams", "error", err)
		}
		cfg.NATS.URL = natsURL
	}

	// Event log
	var logOpts []eventlog.Option
	if producer != nil {
		logOpts = append(logOpts, eventlog.WithSink(producer))
	}
	if archive != nil && cfg.EventLog.Archive {
		logOpts = append(logOpts, eventlog.WithArchiver(archive))
	}
	events, err := eventlog.New(eventlog.Config{
		Dir:           cfg.EventLog.Dir,
		FlushSize:     cfg.EventLog.FlushSize,
		FlushAge:      cfg.EventLog.FlushAge,
		CheckInterval: cfg.EventLog.CheckInterval,
		MaxBufferAge:  cfg.EventLog.MaxBufferAge,
		Cooldown:      cfg.EventLog.Cooldown,
	}, logOpts...)
	if err != nil {
		slog.Error("open event log", "error", err)
		os.Exit(1)
	}
	go events.Run(ctx)

	// Identity resolver
	resolverOpts := []reid.Option{reid.WithReporter(events)}
	if scorer := models.Scorer(); scorer != nil {
		resolverOpts = append(resolverOpts, reid.WithScorer(scorer))
	}
	resolver, err := reid.NewResolver(ctx, store, models.Embedder, reid.Config{
		MatchThreshold:   cfg.ReID.MatchThreshold,
		ConfidenceFloor:  cfg.ReID.ConfidenceFloor,
		ConfidenceWeight: cfg.ReID.ConfidenceWeight,
		QualityMargin:    cfg.ReID.QualityMargin,
		IdleThreshold:    cfg.FeatureStore.IdleThreshold,
	}, resolverOpts...)
	if err != nil {
		slog.Error("init resolver", "error", err)
		os.Exit(1)
	}
	slog.Info("resolver ready", "identities", resolver.Len())

	// Sources
	deps := session.Deps{
		Resolver: resolver,
		Log:      events,
		Policy: session.Policy{
			TrackMaxAge: cfg.Tracking.MaxAge,
			ZoneMaxAge:  cfg.Tracking.ZoneMaxAge,
			ExpandedROI: cfg.ReID.ExpandedROI,
			ROIScale:    cfg.ReID.ROIScale,
		},
	}
	if archive != nil && cfg.ReID.ArchiveSnapshots {
		deps.Snapshots = archive
	}

	manager := session.NewManager(deps, func(spec session.Spec) (session.FrameSource, session.Tracker, error) {
		fps := spec.FPS
		if fps <= 0 {
			fps = cfg.Vision.DefaultFPS
		}
		frames := &ingest.FFmpegSource{URL: spec.URL, FPS: fps, Width: cfg.Vision.FrameWidth}
		return frames, models.NewTracker(cfg.Tracking), nil
	})

	specs := make([]session.Spec, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		spec := session.Spec{ID: sc.ID, URL: sc.URL, FPS: sc.FPS, ZoneFile: sc.ZoneFile}
		if sc.ZoneFile == "" {
			spec.Zone = geometry.DefaultZone()
		}
		specs = append(specs, spec)
	}
	if err := manager.StartAll(ctx, specs); err != nil {
		slog.Error("start configured sources", "error", err)
		os.Exit(1)
	}

	// Control commands from the API
	if cfg.NATS.Enabled() {
		consumer, err := queue.NewConsumer(cfg.NATS.URL)
		if err != nil {
			slog.Error("create control consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		if err := consumer.ServeControl(ctx, manager.HandleCommand, session.ReplyCode); err != nil {
			slog.Error("start control subscriber", "error", err)
			os.Exit(1)
		}
	}

	// Idle identity sweep
	go func() {
		ticker := time.NewTicker(cfg.FeatureStore.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := resolver.Sweep(ctx)
				if err != nil {
					continue
				}
				if len(deleted) > 0 {
					slog.Info("swept idle identities", "count", len(deleted), "remaining", resolver.Len())
				}
			}
		}
	}()

	// Periodically report event stream depth
	if producer != nil {
		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					depth, err := producer.StreamDepth(ctx)
					if err == nil {
						observability.EventStreamDepth.Set(float64(depth))
					}
				}
			}
		}()
	}

	// Status endpoint
	statusAddr := fmt.Sprintf(":%d", cfg.Server.StatusPort)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(manager.List())
		})
		mux.HandleFunc("/counts", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(events.Counts())
		})
		slog.Info("worker status listening", "addr", statusAddr)
		if err := http.ListenAndServe(statusAddr, mux); err != nil {
			slog.Error("status server error", "error", err)
		}
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	manager.StopAll()
	if err := events.Flush(); err != nil {
		slog.Error("final event log flush", "error", err)
	}
	cancel()
	slog.Info("worker stopped", "counts", events.Counts())
}

// embeddedPort takes the listen port of the in-process server from the
// configured client URL.
func embeddedPort(natsURL string) int {
	u, err := url.Parse(natsURL)
	if err != nil || u.Port() == "" {
		return 4222
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return 4222
	}
	return port
}

// getONNXLibPath returns the ONNX Runtime shared library path
// based on the operating system.
func getONNXLibPath() string {
	if p := os.Getenv("ONNXRUNTIME_LIB"); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
