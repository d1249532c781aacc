package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sudwebd/3d-to-svg/internal/config"
	"github.com/sudwebd/3d-to-svg/internal/converter"
	"github.com/sudwebd/3d-to-svg/internal/dispatch"
	"github.com/sudwebd/3d-to-svg/internal/events"
	"github.com/sudwebd/3d-to-svg/internal/httpapi"
	"github.com/sudwebd/3d-to-svg/internal/jobs"
	"github.com/sudwebd/3d-to-svg/internal/metrics"
	"github.com/sudwebd/3d-to-svg/internal/pkg/logger"
	"github.com/sudwebd/3d-to-svg/internal/pkg/shutdown"
	"github.com/sudwebd/3d-to-svg/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "polysvg",
		AddSource:   cfg.LogSource,
	})

	log.Info("starting polysvg API",
		"converter", cfg.Converter.Bin,
		"converter_timeout", cfg.Converter.Timeout.String(),
		"max_concurrent", cfg.Converter.MaxConcurrent,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	// Job store
	var store jobs.Store
	if cfg.Redis.Enabled() {
		log.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		store = jobs.NewRedisStore(rdb, cfg.JobTTL)
		log.Info("Redis job store ready")
	} else {
		store = jobs.NewMemoryStore(cfg.JobTTL)
		log.Info("in-memory job store ready")
	}
	shutdownMgr.Register("job-store", func(ctx context.Context) error {
		return store.Close()
	})

	// Storage provider
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.LogFatal("failed to create work directory", err, "work_dir", cfg.WorkDir)
	}

	conv := converter.New(cfg.Converter)
	if err := conv.Check(); err != nil {
		log.WithError(err).Warn("converter executable is not usable yet; conversions will fail")
	}

	collector := metrics.NewCollector()

	hub := events.NewHub(log, cfg.CORSAllowedOrigins)
	shutdownMgr.Register("events", func(ctx context.Context) error {
		hub.Close()
		return nil
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Store:         store,
		Storage:       sp,
		Converter:     conv,
		Notifier:      hub,
		Metrics:       collector,
		WorkDir:       cfg.WorkDir,
		CleanupLocal:  cfg.CleanupWorkDir,
		MaxConcurrent: cfg.Converter.MaxConcurrent,
		Log:           log,
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Store:          store,
		SP:             sp,
		Dispatcher:     dispatcher,
		Events:         hub,
		Tool:           conv,
		Metrics:        collector,
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Log:            log,
	})

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		// A result request waits for the converter, possibly behind others.
		WriteTimeout: 2*cfg.Converter.Timeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait(ctx)
}
