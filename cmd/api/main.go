package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"threadmod/api/internal/adapter"
	"threadmod/api/internal/app"
	"threadmod/api/internal/cache"
	"threadmod/api/internal/config"
	"threadmod/api/internal/logging"
	"threadmod/api/internal/moderation"
	"threadmod/api/internal/notify"
	"threadmod/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, !cfg.IsProduction())
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("record_store", cfg.RecordStore).Msg("record store unavailable")
	}
	defer closeBackend()

	notifier := notify.New(cfg.NotifyQueueSize)
	defer notifier.Close()

	var queryCache cache.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info().Msg("using Redis for the query cache and event fan-out")
		redisCache, err := openRedis(ctx, cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		queryCache = redisCache

		bridge := notify.NewBridge(redisCache.Client(), notifier, logger, notify.BridgeOptions{Origin: uuid.NewString()})
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("event bridge stopped")
			}
		}()
	} else {
		logger.Info().Msg("using in-process query cache")
		queryCache = cache.NewMemory(cfg.CacheTTL, cache.WithSweep(cfg.CacheTTL))
	}
	defer queryCache.Close()

	records := adapter.New(backend, queryCache, adapter.Options{Timeout: cfg.StoreTimeout, Logger: logger})
	coordinator := moderation.NewCoordinator(records, notifier, moderation.Options{
		Concurrency: cfg.BulkConcurrency,
		Logger:      logger,
	})
	service := app.New(cfg, records, coordinator, notifier, logger)

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:         cfg.CORSOrigin,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Logger:             logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("record_store", cfg.RecordStore).Msg("threadmod API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	// end open event streams before draining connections
	notifier.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.RecordStore, func(), error) {
	switch cfg.RecordStore {
	case "postgres":
		db, err := store.Open(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		migrations := store.Migrations()
		if cfg.MigrationsDir != "" {
			migrations = os.DirFS(cfg.MigrationsDir)
		}
		if err := store.ApplyMigrations(ctx, db, migrations); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	case "s3":
		objects, err := store.NewObjectStore(store.ObjectStoreOptions{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		err = retryStartup(ctx, logger, "object storage", func() error {
			return objects.EnsureBucket(ctx)
		})
		if err != nil {
			return nil, nil, err
		}
		return objects, func() {}, nil
	default:
		logger.Warn().Msg("using the in-memory record store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func openRedis(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*cache.Redis, error) {
	var redisCache *cache.Redis
	err := retryStartup(ctx, logger, "redis", func() error {
		var err error
		redisCache, err = cache.NewRedis(cfg.RedisURL, cfg.CacheTTL)
		return err
	})
	return redisCache, err
}

// retryStartup retries a dependency check while the service boots. Nothing
// on the request path is retried.
func retryStartup(ctx context.Context, logger zerolog.Logger, dependency string, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(5),
		retry.Delay(time.Second),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn().Err(err).Str("dependency", dependency).Uint("attempt", n+1).Msg("dependency not ready, retrying")
		}),
	)
}
