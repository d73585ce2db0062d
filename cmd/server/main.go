package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/metabrainz/webhook-engine/internal/api"
	"github.com/metabrainz/webhook-engine/internal/config"
	"github.com/metabrainz/webhook-engine/internal/engine"
	"github.com/metabrainz/webhook-engine/internal/scheduler"
	"github.com/metabrainz/webhook-engine/internal/store"
	"github.com/metabrainz/webhook-engine/internal/worker"
	"github.com/metabrainz/webhook-engine/internal/ws"
	"github.com/metabrainz/webhook-engine/migrations"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	if err := pgStore.RunMigrations(ctx, migrations.FS); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid redis URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	queue := worker.NewQueue(redisClient)
	breakers := engine.NewBreakerRegistry(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout, logger)

	var limiter engine.RateLimiter = engine.AllowAll{}
	if cfg.RateLimitPerSecond > 0 {
		limiter = engine.NewRedisRateLimiter(redisClient, cfg.RateLimitPerSecond, time.Second, logger)
	}

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	httpClient := engine.NewHTTPClient(cfg.DeliveryTimeout)
	deliveryEngine := engine.NewEngine(pgStore, breakers, limiter, httpClient, hub, logger, cfg.MaxRetries)
	dispatcher := engine.NewDispatcher(pgStore, queue, logger)

	runner := worker.NewRunner(deliveryEngine, queue, pgStore, logger, cfg.MaxRetries)
	pool := worker.NewPool(cfg.NumWorkers, runner, logger)
	pool.Start(ctx)

	poller := worker.NewPoller(queue, pool, logger)
	go poller.Start(ctx)

	retryScheduler := scheduler.NewRetryScheduler(pgStore, queue, logger, cfg.RetrySchedulerInterval, cfg.MaxRetries)
	go retryScheduler.Start(ctx)

	cleanupJob := scheduler.NewCleanupJob(pgStore, logger, cfg.CleanupInterval, cfg.RetentionDays)
	go cleanupJob.Start(ctx)

	var adminAuth func(http.Handler) http.Handler
	if cfg.AdminToken != "" {
		adminAuth = api.BearerAuth(cfg.AdminToken)
	} else {
		logger.Warn("ADMIN_TOKEN not set, admin routes are unauthenticated")
	}

	router := api.NewRouter(api.Deps{
		Store:      pgStore,
		Dispatcher: dispatcher,
		Breakers:   breakers,
		Queue:      queue,
		Hub:        hub,
		AdminAuth:  adminAuth,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	pool.Stop()

	logger.Info("server stopped")
}
