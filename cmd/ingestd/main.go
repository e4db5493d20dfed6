package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/flock"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/ingestd/internal/cache"
	"github.com/italolelis/ingestd/internal/cleanup"
	"github.com/italolelis/ingestd/internal/config"
	"github.com/italolelis/ingestd/internal/convert"
	"github.com/italolelis/ingestd/internal/fetch"
	"github.com/italolelis/ingestd/internal/http/rest"
	"github.com/italolelis/ingestd/internal/http/ws"
	"github.com/italolelis/ingestd/internal/hub"
	"github.com/italolelis/ingestd/internal/job"
	"github.com/italolelis/ingestd/internal/library"
	"github.com/italolelis/ingestd/internal/logctx"
	"github.com/italolelis/ingestd/internal/notifier"
	"github.com/italolelis/ingestd/internal/objectstore"
	"github.com/italolelis/ingestd/internal/pipeline"
	"github.com/italolelis/ingestd/internal/storage/sqlite"
	"github.com/italolelis/ingestd/internal/telemetry"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		slog.Error("logger error", "err", err)
		os.Exit(1)
	}
	defer closeLog()

	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("ingestd starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// buildLogger fans log records out to stdout and, when configured, a log
// file. The trace handler stamps every record with the active span context.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	handlers := []slog.Handler{slog.NewJSONHandler(os.Stdout, opts)}
	closeLog := func() {}

	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closeLog = func() { file.Close() }
	}

	return slog.New(logctx.NewTraceHandler(slogmulti.Fanout(handlers...))), closeLog, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Single Instance Lock
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("creating work dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.WorkDir, "ingestd.lock"))

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring instance lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("another instance already holds %s", lock.Path())
	}
	defer lock.Unlock()

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer database.Close()

	jobRepo := sqlite.NewInstrumentedJobRepository(database, tel)
	assetRepo := sqlite.NewInstrumentedAssetRepository(database, tel)

	// =========================================================================
	// Shared HTTP client (traced outbound requests)
	transport := otelhttp.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{Transport: transport}

	// =========================================================================
	// Start Object Store
	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
	}, transport)
	if err != nil {
		return fmt.Errorf("failed to setup object store: %w", err)
	}

	instrumentedStore := objectstore.NewInstrumentedStore(store, tel, "minio")

	// =========================================================================
	// Start Hub and Library
	eventHub := hub.New(cfg.Hub.SendBuffer, tel)
	defer eventHub.Close()

	librarySvc := library.NewService(assetRepo, eventHub)

	// =========================================================================
	// Start Pipeline
	fetcher := fetch.NewInstrumentedFetcher(fetch.NewYTDLPFetcher(), tel, "ytdlp")
	converter := convert.New(cfg.Pipeline.FFmpegPath, cfg.Pipeline.FFprobePath)

	pool := pipeline.NewPool(
		pipeline.Config{
			WorkDir:          cfg.WorkDir,
			MaxParallel:      cfg.Pipeline.MaxParallel,
			DispatchInterval: cfg.Pipeline.DispatchInterval,
			ProgressInterval: cfg.Pipeline.ProgressInterval,
		},
		jobRepo,
		fetcher,
		converter,
		instrumentedStore,
		librarySvc,
		eventHub,
		tel,
	)

	// =========================================================================
	// Start Content Cache
	contentCache, err := cache.NewManager(cfg.Cache.Dir, httpClient, tel)
	if err != nil {
		return fmt.Errorf("failed to setup content cache: %w", err)
	}

	// =========================================================================
	// Start Background Workers
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		pool.Run(groupCtx)

		return nil
	})

	setupNotifications(groupCtx, group, pool, cfg, httpClient)

	group.Go(func() error {
		runCleanup(groupCtx, jobRepo, cfg)

		return nil
	})

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, pool, jobRepo, assetRepo, fetcher, instrumentedStore, contentCache, eventHub, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for submissions...",
		"work_dir", cfg.WorkDir,
		"max_parallel", cfg.Pipeline.MaxParallel,
		"bucket", cfg.ObjectStore.Bucket,
	)

	// =========================================================================
	// Shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := group.Wait(); err != nil {
			logger.Error("background worker error during shutdown", "err", err)
		}

		pool.Close()

		return nil
	}
}

// setupNotifications consumes the pool's terminal-job events and forwards
// them to the configured webhook. Delivery failures are logged, never fatal.
func setupNotifications(ctx context.Context, group *errgroup.Group, pool *pipeline.Pool, cfg *config.Config, client *http.Client) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.NoopNotifier{}
	if cfg.Notifier.WebhookURL != "" {
		notif = notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, client)
	}

	group.Go(func() error {
		consumeJobEvents(ctx, pool.OnJobCompleted, func(j *job.Job) {
			logger.Info("job completed", "job_id", j.ID, "title", j.Title)

			if err := notif.Notify(ctx, "✅ ingestion finished: "+j.Title+" ("+j.ID+")"); err != nil {
				logger.Error("failed to send notification", "job_id", j.ID, "err", err)
			}
		})

		return nil
	})

	group.Go(func() error {
		consumeJobEvents(ctx, pool.OnJobFailed, func(j *job.Job) {
			logger.Error("job failed", "job_id", j.ID, "job_error", j.Error)

			if err := notif.Notify(ctx, "❌ ingestion failed: "+j.SourceRef+" ("+j.ID+")"); err != nil {
				logger.Error("failed to send notification", "job_id", j.ID, "err", err)
			}
		})

		return nil
	})
}

func consumeJobEvents(ctx context.Context, events <-chan *job.Job, handle func(*job.Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-events:
			if !ok {
				return
			}

			handle(j)
		}
	}
}

// runCleanup sweeps expired work directories on a fixed interval.
func runCleanup(ctx context.Context, repo cleanup.JobLookup, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(cfg.Cleanup.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down")

			return
		case <-ticker.C:
			if err := cleanup.SweepWorkDirs(ctx, repo, cfg.WorkDir, cfg.Cleanup.KeepFor); err != nil {
				logger.Error("failed to sweep work dirs", "err", err)
			}
		}
	}
}

// setupServer prepares the handlers and middlewares of the http rest server.
func setupServer(
	ctx context.Context,
	pool *pipeline.Pool,
	jobRepo *sqlite.InstrumentedJobRepository,
	assetRepo *sqlite.InstrumentedAssetRepository,
	fetcher fetch.Fetcher,
	store *objectstore.InstrumentedStore,
	contentCache *cache.Manager,
	eventHub *hub.Hub,
	tel *telemetry.Telemetry,
	cfg *config.Config,
) *http.Server {
	jobsHandler := rest.NewJobsHandler(
		pool,
		jobRepo,
		assetRepo,
		fetcher,
		store,
		contentCache,
		cfg.ObjectStore.URLExpiry,
	)

	wsHandler := ws.NewHandler(eventHub, cfg.Hub.WriteDeadline, cfg.Hub.PingInterval)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Mount("/api", jobsHandler.Routes())
	r.Handle("/ws", wsHandler)
	r.Handle("/metrics", tel.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
