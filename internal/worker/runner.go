package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/metabrainz/webhook-engine/internal/engine"
)

// Deliverer executes one delivery attempt. Satisfied by *engine.Engine.
type Deliverer interface {
	Deliver(ctx context.Context, deliveryID string) (*engine.Result, error)
}

// ReconcileStore flips a delivery stuck in pending/processing to failed with
// a scheduled retry. Satisfied by *store.PostgresStore.
type ReconcileStore interface {
	ReconcileFailure(ctx context.Context, id, errMsg string, maxRetries int) (bool, error)
}

const (
	// rateLimitDelay is how long a rate-limited task waits before the
	// runtime re-invokes it.
	rateLimitDelay = time.Second
	// infraRetryBase is the first delay after an infrastructure error;
	// it doubles per runtime attempt.
	infraRetryBase = time.Minute
)

// Runner enforces the task-runtime contract around the delivery engine:
// clean delivery results are never retried here (the engine already
// scheduled the next attempt on the row), while infrastructure errors and
// rate-limit deferrals get a bounded number of re-enqueues. When those are
// exhausted the delivery row is reconciled to failed so the retry scheduler
// can still pick it up.
type Runner struct {
	engine      Deliverer
	queue       *Queue
	store       ReconcileStore
	logger      *slog.Logger
	maxAttempts int
	maxRetries  int
}

func NewRunner(eng Deliverer, queue *Queue, store ReconcileStore, logger *slog.Logger, maxRetries int) *Runner {
	return &Runner{
		engine:      eng,
		queue:       queue,
		store:       store,
		logger:      logger,
		maxAttempts: 3,
		maxRetries:  maxRetries,
	}
}

// Run processes a single task.
func (r *Runner) Run(ctx context.Context, task Task) {
	result, err := r.engine.Deliver(ctx, task.DeliveryID)
	if err == nil {
		if result.Skipped {
			r.logger.Debug("delivery skipped", "delivery_id", task.DeliveryID)
		}
		return
	}

	switch {
	case errors.Is(err, engine.ErrDeliveryNotFound),
		errors.Is(err, engine.ErrSubscriptionNotFound):
		// Nothing to retry or reconcile
		r.logger.Error("dropping task", "delivery_id", task.DeliveryID, "error", err)

	case errors.Is(err, engine.ErrRateLimited):
		r.retryOrReconcile(ctx, task, err, rateLimitDelay)

	case errors.Is(err, engine.ErrDeliveryInProgress):
		// Either another worker holds the row, or a crashed attempt left
		// it stranded in processing. Retrying with a delay lets a live
		// worker finish; exhaustion reconciles a stranded row to failed
		// with a scheduled retry.
		r.logger.Warn("delivery still in progress",
			"delivery_id", task.DeliveryID, "attempt", task.Attempt)
		r.retryOrReconcile(ctx, task, err, infraRetryBase<<(task.Attempt-1))

	default:
		// Infrastructure error: database down, unexpected failure
		delay := infraRetryBase << (task.Attempt - 1)
		r.logger.Error("delivery task failed",
			"delivery_id", task.DeliveryID,
			"attempt", task.Attempt,
			"error", err,
		)
		r.retryOrReconcile(ctx, task, err, delay)
	}
}

func (r *Runner) retryOrReconcile(ctx context.Context, task Task, cause error, delay time.Duration) {
	if task.Attempt < r.maxAttempts {
		task.Attempt++
		if err := r.queue.Requeue(ctx, task, time.Now().Add(delay)); err != nil {
			r.logger.Error("failed to requeue task", "delivery_id", task.DeliveryID, "error", err)
		}
		return
	}

	reconciled, err := r.store.ReconcileFailure(ctx, task.DeliveryID,
		"Unexpected error: "+cause.Error(), r.maxRetries)
	if err != nil {
		r.logger.Error("failed to reconcile delivery",
			"delivery_id", task.DeliveryID, "error", err)
		return
	}
	if reconciled {
		r.logger.Warn("delivery reconciled to failed after task retries",
			"delivery_id", task.DeliveryID, "attempts", task.Attempt)
	}
}
