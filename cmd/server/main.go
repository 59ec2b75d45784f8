package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/api"
	"github.com/fhirbridge/receiver/internal/auth"
	"github.com/fhirbridge/receiver/internal/bulk"
	"github.com/fhirbridge/receiver/internal/config"
	"github.com/fhirbridge/receiver/internal/events"
	"github.com/fhirbridge/receiver/internal/health"
	"github.com/fhirbridge/receiver/internal/logger"
	"github.com/fhirbridge/receiver/internal/metrics"
	"github.com/fhirbridge/receiver/internal/registry"
	"github.com/fhirbridge/receiver/internal/storage"
	"github.com/fhirbridge/receiver/internal/websocket"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.Development())
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DestinationDir, 0o755); err != nil {
		log.Fatal("failed to create destination directory", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Progress bus: Redis when configured, in-process fallback otherwise.
	var bus events.Bus
	if cfg.RedisURL != "" {
		redisBus, err := events.NewRedisBus(cfg.RedisURL)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		bus = redisBus
		log.Info("using redis progress bus")
	} else {
		bus = events.NewLocalBus()
		log.Info("using in-process progress bus")
	}
	defer bus.Close()

	// Optional archival storage.
	var archive *storage.Client
	if cfg.MinioEndpoint != "" {
		archive, err = storage.New(&storage.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal("failed to create storage client", zap.Error(err))
		}
		if err := archive.EnsureBucket(ctx); err != nil {
			log.Fatal("failed to ensure archive bucket", zap.Error(err))
		}
		log.Info("submission archival enabled", zap.String("bucket", archive.Bucket()))
	}

	appMetrics := metrics.New()

	reg := registry.New(registry.Config{
		OutcomeDir:        filepath.Join(cfg.DestinationDir, "outcomes"),
		RetentionComplete: cfg.RetentionComplete,
		RetentionPending:  cfg.RetentionPending,
		Bus:               bus,
		Logger:            logger.Component(log, "registry"),
	})

	// The registry sweep is ticker-driven; nothing expires on its own.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := reg.Sweep(now); n > 0 {
					log.Info("swept expired submissions", zap.Int("count", n))
				}
				appMetrics.SetActiveSubmissions(int64(reg.Len()))
			}
		}
	}()

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	newFetcher := func(slug string, headers map[string]string) (*bulk.Fetcher, error) {
		return bulk.NewFetcher(bulk.Config{
			Client:      httpClient,
			Destination: filepath.Join(cfg.DestinationDir, slug),
			FHIRBaseURL: cfg.FHIRBaseURL,
			Headers:     headers,
			Logger:      logger.Component(log, "fetcher").With(zap.String("slug", slug)),
		})
	}

	authService := auth.NewService(cfg.JWTSecret)

	hub := websocket.NewHub(appMetrics)
	go hub.Run()
	go func() {
		if err := websocket.RunBridge(ctx, bus, hub, logger.Component(log, "websocket")); err != nil &&
			!errors.Is(err, context.Canceled) {
			log.Warn("progress bridge stopped", zap.Error(err))
		}
	}()
	wsHandler := websocket.NewHandler(hub, authService, logger.Component(log, "websocket"))

	checkerCfg := &health.CheckerConfig{
		DestinationDir: cfg.DestinationDir,
		Version:        version,
	}
	if redisBus, ok := bus.(*events.RedisBus); ok {
		checkerCfg.Redis = redisBus.Client()
	}
	if archive != nil {
		checkerCfg.StorageCheck = archive.Ping
	}
	healthHandler := health.NewHandler(health.NewChecker(checkerCfg))

	handlers := api.NewHandlers(reg, archive, newFetcher, cfg.BaseURL, cfg.DestinationDir,
		logger.Component(log, "api"))
	handlers.SetMetrics(appMetrics)
	router := api.NewRouter(handlers, healthHandler, wsHandler, authService, appMetrics, log)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	go func() {
		log.Info("server listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
}
