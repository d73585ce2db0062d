package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/metabrainz/webhook-engine/internal/domain"
)

// Dispatcher turns one internal domain event into zero or more durable
// pending deliveries and enqueues a worker task for each.
type Dispatcher struct {
	repo   DispatchRepository
	queue  Enqueuer
	logger *slog.Logger
}

func NewDispatcher(repo DispatchRepository, queue Enqueuer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{repo: repo, queue: queue, logger: logger}
}

// Emit fans out an event to every active subscription that wants its type.
// The payload must be a JSON object; it is compacted once here and the
// resulting bytes are what every delivery signs and sends. A failure for one
// subscription never aborts the others. Returns the created delivery ids.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, payload json.RawMessage) ([]string, error) {
	if !domain.IsValidEventType(eventType) {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	canonical := buf.Bytes()

	subscriptions, err := d.repo.FindActiveForEvent(ctx, eventType)
	if err != nil {
		return nil, fmt.Errorf("finding subscriptions for %s: %w", eventType, err)
	}

	ids := []string{}
	for _, sub := range subscriptions {
		delivery, err := d.repo.CreateDelivery(ctx, sub.ID, eventType, canonical)
		if err != nil {
			d.logger.Error("failed to create delivery",
				"subscription_id", sub.ID, "event_type", eventType, "error", err)
			continue
		}
		if err := d.queue.Enqueue(ctx, delivery.ID, time.Now()); err != nil {
			d.logger.Error("failed to enqueue delivery",
				"delivery_id", delivery.ID, "subscription_id", sub.ID, "error", err)
			continue
		}
		ids = append(ids, delivery.ID)
	}

	d.logger.Info("event dispatched",
		"event_type", eventType,
		"subscriptions_matched", len(subscriptions),
		"deliveries_created", len(ids),
	)
	return ids, nil
}
