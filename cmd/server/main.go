package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatkeep/internal/api"
	"chatkeep/internal/chats"
	"chatkeep/internal/config"
	"chatkeep/internal/knowledge"
	"chatkeep/internal/metrics"
	"chatkeep/internal/queue"
	"chatkeep/internal/storage"
	"chatkeep/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("store_driver", cfg.Store.Driver).
		Bool("redis", cfg.Redis.Enabled()).
		Int64("rate_per_hour", cfg.Rate.PerHour).
		Msg("starting chatkeep")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := storage.New(ctx, storage.Options{
		Driver:        cfg.Store.Driver,
		Path:          cfg.Store.Path,
		DSN:           cfg.Store.DSN,
		AutoMigrate:   cfg.Store.AutoMigrate,
		MigrationsDir: cfg.Store.MigrationsDir,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer backend.Close()

	m := metrics.Global()
	errCh := make(chan error, 2)

	var (
		registry   knowledge.Registry = knowledge.NewMemoryRegistry()
		dispatcher knowledge.Dispatcher
		limiter    api.RateLimiter
		rdb        *redis.Client
		jobQueue   *queue.StreamQueue
	)
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()

		registry = knowledge.NewRedisRegistry(rdb, cfg.Redis.KnowledgeKey)
		jobQueue = queue.NewStreamQueue(rdb, cfg.Redis.IngestStream, cfg.Redis.IngestGroup, cfg.Worker.ConsumerName, cfg.Redis.IngestBlock)
		dispatcher = worker.Dispatcher{Queue: jobQueue, Metrics: m}
		if cfg.Rate.PerHour > 0 {
			limiter = queue.NewRateLimiter(rdb, cfg.Rate.PerHour)
		}
	}

	chatService := chats.NewService(chats.Config{
		Backend: backend,
		Logger:  log.Logger,
		Metrics: m,
	})
	knowledgeService := knowledge.NewService(knowledge.Config{
		Registry:    registry,
		Dispatcher:  dispatcher,
		UploadDir:   cfg.Knowledge.UploadDir,
		SourceLimit: cfg.Knowledge.SourceLimit,
		Logger:      log.Logger,
		Metrics:     m,
	})

	apiServer := api.New(api.Config{
		Chats:          chatService,
		Knowledge:      knowledgeService,
		RateLimiter:    limiter,
		Logger:         log.Logger,
		Metrics:        m,
		CORSOrigin:     cfg.HTTP.CORSOrigin,
		MaxUploadBytes: cfg.Knowledge.MaxUploadBytes,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET "+cfg.HTTP.MetricsPath, promhttp.Handler())
	apiServer.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           apiServer.Wrap(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if jobQueue != nil {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Knowledge:     knowledgeService,
			Dedupe:        queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("ingest worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
