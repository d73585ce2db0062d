// Package scheduler hosts the periodic jobs that cooperate with the workers
// through the durable store: retrying failed deliveries and garbage
// collecting old ones.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/metabrainz/webhook-engine/internal/domain"
)

// RetryStore is the slice of the durable store the retry scheduler needs.
type RetryStore interface {
	DueRetries(ctx context.Context, limit int) ([]string, error)
	MarkPending(ctx context.Context, id string) (bool, error)
	Stale(ctx context.Context, status string, olderThan time.Duration, limit int) ([]string, error)
	ReconcileFailure(ctx context.Context, id, errMsg string, maxRetries int) (bool, error)
}

// Enqueuer schedules a worker task for a delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error
}

// RetryStats summarizes one scheduler pass.
type RetryStats struct {
	Found      int `json:"found"`
	Queued     int `json:"queued"`
	Requeued   int `json:"requeued"`
	Reconciled int `json:"reconciled"`
	Errors     int `json:"errors"`
}

// staleAge is how long a pending or processing row may sit untouched before
// the sweep treats its task as lost. Must exceed the worst-case runtime
// retry chain so live tasks are never swept.
const staleAge = 10 * time.Minute

// RetryScheduler periodically re-queues failed deliveries whose retry time
// has passed and whose subscription is still active, and sweeps up rows
// whose queue task was lost.
type RetryScheduler struct {
	store      RetryStore
	queue      Enqueuer
	logger     *slog.Logger
	interval   time.Duration
	batchLimit int
	maxRetries int
}

func NewRetryScheduler(store RetryStore, queue Enqueuer, logger *slog.Logger, interval time.Duration, maxRetries int) *RetryScheduler {
	return &RetryScheduler{
		store:      store,
		queue:      queue,
		logger:     logger,
		interval:   interval,
		batchLimit: 1000,
		maxRetries: maxRetries,
	}
}

// Start runs the scheduler loop until the context is cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	s.logger.Info("retry scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("retry scheduler pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs one scheduler pass. Per-delivery failures are logged and
// counted but never abort the batch.
func (s *RetryScheduler) RunOnce(ctx context.Context) (RetryStats, error) {
	ids, err := s.store.DueRetries(ctx, s.batchLimit)
	if err != nil {
		return RetryStats{}, fmt.Errorf("selecting due retries: %w", err)
	}

	stats := RetryStats{Found: len(ids)}
	for _, id := range ids {
		ok, err := s.store.MarkPending(ctx, id)
		if err != nil {
			stats.Errors++
			s.logger.Error("failed to mark delivery pending", "delivery_id", id, "error", err)
			continue
		}
		if !ok {
			// Someone else already moved it; not an error
			continue
		}
		if err := s.queue.Enqueue(ctx, id, time.Now()); err != nil {
			stats.Errors++
			s.logger.Error("failed to enqueue retry", "delivery_id", id, "error", err)
			continue
		}
		stats.Queued++
	}

	s.sweepStale(ctx, &stats)

	if stats.Found > 0 || stats.Requeued > 0 || stats.Reconciled > 0 {
		s.logger.Info("retry scheduler pass complete",
			"found", stats.Found, "queued", stats.Queued,
			"requeued", stats.Requeued, "reconciled", stats.Reconciled,
			"errors", stats.Errors)
	}
	return stats, nil
}

// sweepStale recovers rows whose queue task is gone: pending rows whose
// enqueue was lost get a fresh task, and processing rows abandoned by a
// dead worker are reconciled to failed with a scheduled retry.
func (s *RetryScheduler) sweepStale(ctx context.Context, stats *RetryStats) {
	pending, err := s.store.Stale(ctx, domain.StatusPending, staleAge, s.batchLimit)
	if err != nil {
		stats.Errors++
		s.logger.Error("failed to select stale pending deliveries", "error", err)
	} else {
		for _, id := range pending {
			if err := s.queue.Enqueue(ctx, id, time.Now()); err != nil {
				stats.Errors++
				s.logger.Error("failed to re-enqueue stale delivery", "delivery_id", id, "error", err)
				continue
			}
			stats.Requeued++
		}
	}

	processing, err := s.store.Stale(ctx, domain.StatusProcessing, staleAge, s.batchLimit)
	if err != nil {
		stats.Errors++
		s.logger.Error("failed to select stale processing deliveries", "error", err)
		return
	}
	for _, id := range processing {
		ok, err := s.store.ReconcileFailure(ctx, id,
			"Worker lost before recording a result", s.maxRetries)
		if err != nil {
			stats.Errors++
			s.logger.Error("failed to reconcile stale delivery", "delivery_id", id, "error", err)
			continue
		}
		if ok {
			stats.Reconciled++
			s.logger.Warn("reconciled delivery abandoned in processing", "delivery_id", id)
		}
	}
}
