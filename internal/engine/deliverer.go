package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/metabrainz/webhook-engine/internal/domain"
	"github.com/metabrainz/webhook-engine/internal/ws"
)

const userAgent = "MetaBrainz-Webhooks/1.0"

var (
	// ErrDeliveryNotFound is terminal: there is no row to retry.
	ErrDeliveryNotFound = errors.New("delivery not found")
	// ErrSubscriptionNotFound is terminal: the delivery references a
	// subscription that no longer exists.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrRateLimited defers the attempt without consuming a retry slot.
	// The task runtime re-enqueues shortly after.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrDeliveryInProgress marks a row found in processing: either another
	// worker holds it right now, or a crashed attempt left it stranded. The
	// task runtime retries with a delay and reconciles the row to failed
	// when its attempts run out.
	ErrDeliveryInProgress = errors.New("delivery already in progress")
)

// Result describes the outcome of one delivery attempt.
type Result struct {
	DeliveryID string
	Success    bool
	Skipped    bool
	StatusCode *int
	RetryCount int
	WillRetry  bool
	Error      string
	Duration   time.Duration
}

// Engine executes single delivery attempts: it loads the delivery, checks
// subscription activeness, the circuit breaker and the rate limiter, claims
// the row, signs and sends the payload, records the outcome, and schedules
// the next retry on failure.
type Engine struct {
	repo       DeliveryRepository
	breakers   *BreakerRegistry
	limiter    RateLimiter
	client     *http.Client
	hub        *ws.Hub
	logger     *slog.Logger
	maxRetries int
}

func NewEngine(repo DeliveryRepository, breakers *BreakerRegistry, limiter RateLimiter, client *http.Client, hub *ws.Hub, logger *slog.Logger, maxRetries int) *Engine {
	return &Engine{
		repo:       repo,
		breakers:   breakers,
		limiter:    limiter,
		client:     client,
		hub:        hub,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Deliver executes exactly one attempt for the given delivery id.
//
// A returned error means no clean outcome was recorded: the task runtime
// decides whether to re-invoke (infrastructure errors, ErrRateLimited) or
// drop (ErrDeliveryNotFound, ErrSubscriptionNotFound). A nil error with
// Result.Success == false is a clean failure; the next attempt, if any, is
// already scheduled on the row and the runtime must not retry it.
func (e *Engine) Deliver(ctx context.Context, deliveryID string) (*Result, error) {
	d, err := e.repo.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("loading delivery %s: %w", deliveryID, err)
	}
	if d == nil {
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, ErrDeliveryNotFound)
	}
	if d.Status == domain.StatusProcessing {
		return nil, fmt.Errorf("delivery %s: %w", d.ID, ErrDeliveryInProgress)
	}

	sub, err := e.repo.GetSubscription(ctx, d.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("loading subscription %d: %w", d.SubscriptionID, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %d: %w", d.SubscriptionID, ErrSubscriptionNotFound)
	}

	if !sub.IsActive {
		return e.failTerminal(ctx, d, "Webhook is not active")
	}

	breaker := e.breakers.Get(sub.ID)
	if !breaker.CanExecute() {
		return e.failBreakerOpen(ctx, d, sub)
	}

	if !e.limiter.Allow(ctx, sub.ID) {
		e.logger.Info("rate limit exceeded, deferring delivery",
			"delivery_id", d.ID, "subscription_id", sub.ID)
		return nil, ErrRateLimited
	}

	claimed, err := e.repo.MarkProcessing(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming delivery %s: %w", d.ID, err)
	}
	if !claimed {
		// The row changed since we loaded it. A terminal row is done; a
		// row another worker claimed must keep its task alive so a stranded
		// claim is eventually reconciled rather than skipped forever.
		current, err := e.repo.GetDelivery(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("reloading delivery %s: %w", d.ID, err)
		}
		if current != nil && current.Status == domain.StatusProcessing {
			return nil, fmt.Errorf("delivery %s: %w", d.ID, ErrDeliveryInProgress)
		}
		e.logger.Debug("delivery already claimed", "delivery_id", d.ID)
		return &Result{DeliveryID: d.ID, Skipped: true}, nil
	}

	return e.attempt(ctx, d, sub, breaker)
}

// attempt signs the stored payload bytes, POSTs them, and records the
// outcome. The bytes sent are exactly the bytes signed.
func (e *Engine) attempt(ctx context.Context, d *domain.Delivery, sub *domain.Subscription, breaker *CircuitBreaker) (*Result, error) {
	start := time.Now()
	payload := []byte(d.Payload)
	signature := sub.SignPayload(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return e.failTransient(ctx, d, sub, breaker, fmt.Sprintf("building request: %v", err), time.Since(start))
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-MetaBrainz-Event", d.EventType)
	req.Header.Set("X-MetaBrainz-Delivery", d.ID)
	req.Header.Set("X-MetaBrainz-Attempt", fmt.Sprintf("%d", d.RetryCount+1))
	req.Header.Set("X-MetaBrainz-Signature-256", "sha256="+signature)

	resp, err := e.client.Do(req)
	if err != nil {
		return e.failTransient(ctx, d, sub, breaker, fmt.Sprintf("request failed: %v", err), time.Since(start))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBodyBytes))
	bodyStr := string(body)
	d.ResponseStatus = &resp.StatusCode
	d.ResponseBody = &bodyStr
	if headers, err := json.Marshal(resp.Header); err == nil {
		d.ResponseHeaders = headers
	}

	elapsed := time.Since(start)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = domain.StatusDelivered
		d.ErrorMessage = nil
		d.NextRetryAt = nil
		if err := e.repo.RecordResult(ctx, d); err != nil {
			return nil, fmt.Errorf("recording delivery %s: %w", d.ID, err)
		}
		breaker.RecordSuccess()

		e.logger.Info("delivery succeeded",
			"delivery_id", d.ID,
			"subscription_id", sub.ID,
			"attempt", d.RetryCount+1,
			"status_code", resp.StatusCode,
			"duration_ms", elapsed.Milliseconds(),
		)
		e.notify(d, "", elapsed)

		return &Result{
			DeliveryID: d.ID,
			Success:    true,
			StatusCode: d.ResponseStatus,
			RetryCount: d.RetryCount,
			Duration:   elapsed,
		}, nil
	}

	return e.failTransient(ctx, d, sub, breaker, fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode), elapsed)
}

// failTransient records a recoverable failure: schedule the next retry and
// inform the breaker.
func (e *Engine) failTransient(ctx context.Context, d *domain.Delivery, sub *domain.Subscription, breaker *CircuitBreaker, errMsg string, elapsed time.Duration) (*Result, error) {
	d.Status = domain.StatusFailed
	msg := domain.TruncateError(errMsg)
	d.ErrorMessage = &msg
	d.ScheduleRetry(e.maxRetries)
	if err := e.repo.RecordResult(ctx, d); err != nil {
		return nil, fmt.Errorf("recording delivery %s: %w", d.ID, err)
	}
	breaker.RecordFailure()

	e.logger.Error("delivery failed",
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"attempt", d.RetryCount,
		"error", msg,
		"will_retry", d.NextRetryAt != nil,
		"duration_ms", elapsed.Milliseconds(),
	)
	e.notify(d, msg, elapsed)

	return &Result{
		DeliveryID: d.ID,
		StatusCode: d.ResponseStatus,
		RetryCount: d.RetryCount,
		WillRetry:  d.NextRetryAt != nil,
		Error:      msg,
		Duration:   elapsed,
	}, nil
}

// failBreakerOpen rejects without a network call but still schedules a retry
// so the delivery is picked up after the breaker recovers.
func (e *Engine) failBreakerOpen(ctx context.Context, d *domain.Delivery, sub *domain.Subscription) (*Result, error) {
	d.Status = domain.StatusFailed
	msg := "Circuit breaker open"
	d.ErrorMessage = &msg
	d.ScheduleRetry(e.maxRetries)
	if err := e.repo.RecordResult(ctx, d); err != nil {
		return nil, fmt.Errorf("recording delivery %s: %w", d.ID, err)
	}

	e.logger.Warn("circuit breaker open, rejecting delivery",
		"delivery_id", d.ID,
		"subscription_id", sub.ID,
		"will_retry", d.NextRetryAt != nil,
	)
	e.notify(d, msg, 0)

	return &Result{
		DeliveryID: d.ID,
		RetryCount: d.RetryCount,
		WillRetry:  d.NextRetryAt != nil,
		Error:      msg,
	}, nil
}

// failTerminal records a failure that must never be retried.
func (e *Engine) failTerminal(ctx context.Context, d *domain.Delivery, errMsg string) (*Result, error) {
	d.Status = domain.StatusFailed
	msg := domain.TruncateError(errMsg)
	d.ErrorMessage = &msg
	d.NextRetryAt = nil
	if err := e.repo.RecordResult(ctx, d); err != nil {
		return nil, fmt.Errorf("recording delivery %s: %w", d.ID, err)
	}

	e.logger.Warn("delivery failed terminally",
		"delivery_id", d.ID,
		"subscription_id", d.SubscriptionID,
		"error", msg,
	)
	e.notify(d, msg, 0)

	return &Result{
		DeliveryID: d.ID,
		RetryCount: d.RetryCount,
		Error:      msg,
	}, nil
}

func (e *Engine) notify(d *domain.Delivery, errMsg string, elapsed time.Duration) {
	if e.hub == nil {
		return
	}

	updateType := "delivery.delivered"
	if d.Status != domain.StatusDelivered {
		updateType = "delivery.failed"
	}
	e.hub.Broadcast(ws.DeliveryUpdate{
		Type:           updateType,
		DeliveryID:     d.ID,
		SubscriptionID: d.SubscriptionID,
		EventType:      d.EventType,
		Attempt:        d.RetryCount + 1,
		StatusCode:     d.ResponseStatus,
		Error:          errMsg,
		DurationMs:     elapsed.Milliseconds(),
		Timestamp:      time.Now().UTC(),
	})
}
