package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/metabrainz/webhook-engine/internal/domain"
	"github.com/metabrainz/webhook-engine/internal/store"
)

type fakeDeliveryStore struct {
	deliveries map[string]*domain.Delivery
	marked     []string
}

func newFakeDeliveryStore(rows ...*domain.Delivery) *fakeDeliveryStore {
	f := &fakeDeliveryStore{deliveries: make(map[string]*domain.Delivery)}
	for _, d := range rows {
		f.deliveries[d.ID] = d
	}
	return f
}

func (f *fakeDeliveryStore) GetDelivery(_ context.Context, id string) (*domain.Delivery, error) {
	return f.deliveries[id], nil
}

func (f *fakeDeliveryStore) ListDeliveries(_ context.Context, _ store.DeliveryFilter) ([]domain.Delivery, error) {
	out := make([]domain.Delivery, 0, len(f.deliveries))
	for _, d := range f.deliveries {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDeliveryStore) MarkPending(_ context.Context, id string) (bool, error) {
	d, ok := f.deliveries[id]
	if !ok || (d.Status != domain.StatusFailed && d.Status != domain.StatusPending) {
		return false, nil
	}
	d.Status = domain.StatusPending
	f.marked = append(f.marked, id)
	return true, nil
}

type fakeEnqueuer struct {
	enqueued []string
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, deliveryID string, _ time.Time) error {
	f.enqueued = append(f.enqueued, deliveryID)
	return nil
}

func newDeliveryRouter(store DeliveryStore, queue Enqueuer) http.Handler {
	h := NewDeliveryHandler(store, queue)

	r := chi.NewRouter()
	r.Get("/deliveries", h.List)
	r.Get("/deliveries/{id}", h.Get)
	r.Post("/deliveries/{id}/retry", h.RetryOne)
	r.Post("/deliveries/retry", h.RetryBulk)
	return r
}

func TestRetryOne(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		wantCode   int
		wantQueued bool
	}{
		{"failed delivery", domain.StatusFailed, http.StatusOK, true},
		{"pending delivery", domain.StatusPending, http.StatusOK, true},
		{"delivered delivery", domain.StatusDelivered, http.StatusConflict, false},
		{"processing delivery", domain.StatusProcessing, http.StatusConflict, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeDeliveryStore(&domain.Delivery{ID: "d-1", Status: tt.status})
			queue := &fakeEnqueuer{}
			router := newDeliveryRouter(store, queue)

			rec := doRequest(t, router, http.MethodPost, "/deliveries/d-1/retry", "")
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body)
			}
			if got := len(queue.enqueued) == 1; got != tt.wantQueued {
				t.Errorf("enqueued = %v, want queued %v", queue.enqueued, tt.wantQueued)
			}
		})
	}
}

func TestRetryOneNotFound(t *testing.T) {
	router := newDeliveryRouter(newFakeDeliveryStore(), &fakeEnqueuer{})

	rec := doRequest(t, router, http.MethodPost, "/deliveries/nope/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRetryBulkCountsSkipped(t *testing.T) {
	store := newFakeDeliveryStore(
		&domain.Delivery{ID: "d-1", Status: domain.StatusFailed},
		&domain.Delivery{ID: "d-2", Status: domain.StatusDelivered},
		&domain.Delivery{ID: "d-3", Status: domain.StatusFailed},
	)
	queue := &fakeEnqueuer{}
	router := newDeliveryRouter(store, queue)

	rec := doRequest(t, router, http.MethodPost, "/deliveries/retry",
		`{"ids":["d-1","d-2","d-3","missing"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, http.StatusOK, rec.Body)
	}

	want := `{"queued":2,"skipped":2}`
	if got := rec.Body.String(); got != want+"\n" {
		t.Errorf("body = %q, want %q", got, want)
	}
	if len(queue.enqueued) != 2 {
		t.Errorf("enqueued %d deliveries, want 2", len(queue.enqueued))
	}
}

func TestRetryBulkRequiresIDs(t *testing.T) {
	router := newDeliveryRouter(newFakeDeliveryStore(), &fakeEnqueuer{})

	rec := doRequest(t, router, http.MethodPost, "/deliveries/retry", `{"ids":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
