package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/metabrainz/webhook-engine/internal/config"
	"github.com/metabrainz/webhook-engine/internal/scheduler"
	"github.com/metabrainz/webhook-engine/internal/store"
	"github.com/metabrainz/webhook-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Run one retry-scheduler sweep",
	Long: `Scan for failed deliveries whose retry time has passed, move them back
to pending, and enqueue them for the worker pool. This is the same sweep
the server runs on its scheduler interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		ctx := context.Background()

		pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %v", err)
		}
		defer pgStore.Close()

		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %v", err)
		}
		redisClient := redis.NewClient(redisOpts)
		defer redisClient.Close()

		queue := worker.NewQueue(redisClient)
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		sched := scheduler.NewRetryScheduler(pgStore, queue, logger, cfg.RetrySchedulerInterval, cfg.MaxRetries)

		stats, err := sched.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("retry sweep failed: %v", err)
		}

		fmt.Printf("Found:      %d\n", stats.Found)
		fmt.Printf("Queued:     %d\n", stats.Queued)
		fmt.Printf("Requeued:   %d\n", stats.Requeued)
		fmt.Printf("Reconciled: %d\n", stats.Reconciled)
		fmt.Printf("Errors:     %d\n", stats.Errors)
		if stats.Errors > 0 {
			return fmt.Errorf("%d deliveries could not be re-queued", stats.Errors)
		}
		return nil
	},
}
