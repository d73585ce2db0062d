package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/metabrainz/webhook-engine/internal/domain"
	"github.com/metabrainz/webhook-engine/internal/store"
)

// DeliveryStore is the slice of the durable store the delivery handlers
// need. Satisfied by *store.PostgresStore.
type DeliveryStore interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	ListDeliveries(ctx context.Context, f store.DeliveryFilter) ([]domain.Delivery, error)
	MarkPending(ctx context.Context, id string) (bool, error)
}

// Enqueuer pushes delivery IDs onto the work queue. Satisfied by
// *worker.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string, readyAt time.Time) error
}

type DeliveryHandler struct {
	store DeliveryStore
	queue Enqueuer
}

func NewDeliveryHandler(s DeliveryStore, q Enqueuer) *DeliveryHandler {
	return &DeliveryHandler{store: s, queue: q}
}

func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.DeliveryFilter{
		EventType: r.URL.Query().Get("event_type"),
		Status:    r.URL.Query().Get("status"),
		Limit:     50,
	}
	if v := r.URL.Query().Get("subscription_id"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			filter.SubscriptionID = n
		}
	}
	if v := r.URL.Query().Get("response_status"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.ResponseStatus = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, deliveries)
}

// Get returns the full audit record: response headers, truncated body, last
// error, and retry metadata.
func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	delivery, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if delivery == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}

	respondJSON(w, http.StatusOK, delivery)
}

// RetryOne re-queues a single failed or pending delivery.
func (h *DeliveryHandler) RetryOne(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	delivery, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get delivery")
		return
	}
	if delivery == nil {
		respondError(w, http.StatusNotFound, "delivery not found")
		return
	}
	if delivery.Status != domain.StatusFailed && delivery.Status != domain.StatusPending {
		respondError(w, http.StatusConflict,
			"only failed or pending deliveries can be retried")
		return
	}

	if ok, err := h.retry(r, id); err != nil || !ok {
		respondError(w, http.StatusInternalServerError, "failed to retry delivery")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type bulkRetryRequest struct {
	IDs []string `json:"ids"`
}

type bulkRetryResponse struct {
	Queued  int `json:"queued"`
	Skipped int `json:"skipped"`
}

// RetryBulk re-queues every eligible delivery in the request; rows that are
// not failed or pending are counted as skipped.
func (h *DeliveryHandler) RetryBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, http.StatusBadRequest, "ids is required")
		return
	}

	resp := bulkRetryResponse{}
	for _, id := range req.IDs {
		ok, err := h.retry(r, id)
		if err != nil || !ok {
			resp.Skipped++
			continue
		}
		resp.Queued++
	}

	respondJSON(w, http.StatusOK, resp)
}

func (h *DeliveryHandler) retry(r *http.Request, id string) (bool, error) {
	ok, err := h.store.MarkPending(r.Context(), id)
	if err != nil || !ok {
		return false, err
	}
	if err := h.queue.Enqueue(r.Context(), id, time.Now()); err != nil {
		return false, err
	}
	return true, nil
}
