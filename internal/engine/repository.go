package engine

import (
	"context"
	"time"

	"github.com/metabrainz/webhook-engine/internal/domain"
)

// DeliveryRepository is the slice of the durable store the delivery engine
// needs. Lookups return (nil, nil) for missing rows.
type DeliveryRepository interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	RecordResult(ctx context.Context, d *domain.Delivery) error
}

// DispatchRepository is the slice of the durable store the dispatcher needs.
type DispatchRepository interface {
	FindActiveForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error)
	CreateDelivery(ctx context.Context, subscriptionID int64, eventType string, payload []byte) (*domain.Delivery, error)
}

// Enqueuer schedules a delivery task for a worker to pick up at readyAt.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error
}
