package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/metabrainz/webhook-engine/internal/domain"
)

type fakeDispatchRepo struct {
	subscriptions []domain.Subscription
	created       []*domain.Delivery
	failFor       map[int64]error
	nextID        int
}

func (r *fakeDispatchRepo) FindActiveForEvent(ctx context.Context, eventType string) ([]domain.Subscription, error) {
	var matched []domain.Subscription
	for _, s := range r.subscriptions {
		if s.IsActive && s.HasEvent(eventType) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

func (r *fakeDispatchRepo) CreateDelivery(ctx context.Context, subscriptionID int64, eventType string, payload []byte) (*domain.Delivery, error) {
	if err := r.failFor[subscriptionID]; err != nil {
		return nil, err
	}
	r.nextID++
	d := &domain.Delivery{
		ID:             fmt.Sprintf("d-%d", r.nextID),
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Payload:        json.RawMessage(payload),
		Status:         domain.StatusPending,
	}
	r.created = append(r.created, d)
	return d, nil
}

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, deliveryID)
	return nil
}

func newTestDispatcher(repo *fakeDispatchRepo, queue *fakeEnqueuer) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(repo, queue, logger)
}

func TestEmitFansOutToMatchingSubscriptions(t *testing.T) {
	repo := &fakeDispatchRepo{
		subscriptions: []domain.Subscription{
			{ID: 1, IsActive: true, Events: []string{domain.EventUserCreated}},
			{ID: 2, IsActive: true, Events: []string{domain.EventUserCreated, domain.EventUserDeleted}},
			{ID: 3, IsActive: true, Events: []string{domain.EventUserDeleted}},
			{ID: 4, IsActive: false, Events: []string{domain.EventUserCreated}},
		},
	}
	queue := &fakeEnqueuer{}
	d := newTestDispatcher(repo, queue)

	ids, err := d.Emit(context.Background(), domain.EventUserCreated, json.RawMessage(`{"user_id": 9}`))
	if err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(ids))
	}
	if len(queue.enqueued) != 2 {
		t.Errorf("expected 2 enqueued tasks, got %d", len(queue.enqueued))
	}
	for _, created := range repo.created {
		if created.SubscriptionID == 3 || created.SubscriptionID == 4 {
			t.Errorf("delivery created for non-matching subscription %d", created.SubscriptionID)
		}
	}
}

func TestEmitCompactsPayload(t *testing.T) {
	repo := &fakeDispatchRepo{
		subscriptions: []domain.Subscription{
			{ID: 1, IsActive: true, Events: []string{domain.EventUserCreated}},
		},
	}
	d := newTestDispatcher(repo, &fakeEnqueuer{})

	_, err := d.Emit(context.Background(), domain.EventUserCreated,
		json.RawMessage("{\n  \"user_id\": 9,\n  \"name\": \"ada\"\n}"))
	if err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}

	want := `{"user_id":9,"name":"ada"}`
	if got := string(repo.created[0].Payload); got != want {
		t.Errorf("stored payload = %q, want compacted %q", got, want)
	}
}

func TestEmitRejectsUnknownEventType(t *testing.T) {
	d := newTestDispatcher(&fakeDispatchRepo{}, &fakeEnqueuer{})

	if _, err := d.Emit(context.Background(), "user.banned", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestEmitRejectsInvalidPayload(t *testing.T) {
	d := newTestDispatcher(&fakeDispatchRepo{}, &fakeEnqueuer{})

	if _, err := d.Emit(context.Background(), domain.EventUserCreated, json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestEmitNoMatchingSubscriptions(t *testing.T) {
	d := newTestDispatcher(&fakeDispatchRepo{}, &fakeEnqueuer{})

	ids, err := d.Emit(context.Background(), domain.EventUserCreated, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no deliveries, got %d", len(ids))
	}
}

func TestEmitContinuesPastPerSubscriptionFailure(t *testing.T) {
	repo := &fakeDispatchRepo{
		subscriptions: []domain.Subscription{
			{ID: 1, IsActive: true, Events: []string{domain.EventUserCreated}},
			{ID: 2, IsActive: true, Events: []string{domain.EventUserCreated}},
		},
		failFor: map[int64]error{1: errors.New("insert failed")},
	}
	queue := &fakeEnqueuer{}
	d := newTestDispatcher(repo, queue)

	ids, err := d.Emit(context.Background(), domain.EventUserCreated, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Emit returned error: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 delivery despite one failure, got %d", len(ids))
	}
	if repo.created[0].SubscriptionID != 2 {
		t.Errorf("surviving delivery belongs to subscription %d", repo.created[0].SubscriptionID)
	}
}
