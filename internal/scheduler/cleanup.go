package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupStore is the slice of the durable store the cleanup job needs.
type CleanupStore interface {
	DeleteDelivered(ctx context.Context, cutoff time.Time) (int64, error)
	CountDelivered(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob periodically deletes delivered rows past the retention window.
// Failed and in-flight deliveries are never touched; they stay for audit.
type CleanupJob struct {
	store         CleanupStore
	logger        *slog.Logger
	interval      time.Duration
	retentionDays int
}

func NewCleanupJob(store CleanupStore, logger *slog.Logger, interval time.Duration, retentionDays int) *CleanupJob {
	return &CleanupJob{
		store:         store,
		logger:        logger,
		interval:      interval,
		retentionDays: retentionDays,
	}
}

// Start runs the cleanup loop until the context is cancelled.
func (j *CleanupJob) Start(ctx context.Context) {
	j.logger.Info("cleanup job started", "interval", j.interval, "retention_days", j.retentionDays)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup job stopping")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx, j.retentionDays); err != nil {
				j.logger.Error("cleanup pass failed", "error", err)
			}
		}
	}
}

// RunOnce deletes delivered rows older than days and returns the count.
func (j *CleanupJob) RunOnce(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	deleted, err := j.store.DeleteDelivered(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up deliveries: %w", err)
	}

	j.logger.Info("cleaned up old deliveries", "deleted", deleted, "retention_days", days)
	return deleted, nil
}

// DryRun reports how many rows RunOnce would delete.
func (j *CleanupJob) DryRun(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	count, err := j.store.CountDelivered(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("counting old deliveries: %w", err)
	}
	return count, nil
}
