package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/metabrainz/webhook-engine/internal/domain"
	"github.com/metabrainz/webhook-engine/internal/engine"
)

// SubscriptionStore is the slice of the durable store the subscription
// handlers need. Satisfied by *store.PostgresStore.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, req domain.CreateSubscriptionRequest) (*domain.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	UpdateSubscription(ctx context.Context, id int64, req domain.UpdateSubscriptionRequest) (*domain.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) (bool, error)
}

type SubscriptionHandler struct {
	store    SubscriptionStore
	breakers *engine.BreakerRegistry
}

func NewSubscriptionHandler(s SubscriptionStore, b *engine.BreakerRegistry) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, breakers: b}
}

// Create registers a subscription and returns the generated secret. This is
// the only response that ever carries the secret.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := domain.ValidateEndpointURL(req.URL); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := domain.ValidateEvents(req.Events); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}

	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:     sub.ID,
		Name:   sub.Name,
		Secret: sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subscriptions, err := h.store.ListSubscriptions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	respondJSON(w, http.StatusOK, subscriptions)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.load(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil && *req.Name == "" {
		respondError(w, http.StatusBadRequest, "name cannot be empty")
		return
	}
	if req.URL != nil {
		if err := domain.ValidateEndpointURL(*req.URL); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Events != nil {
		if err := domain.ValidateEvents(*req.Events); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sub, err := h.store.UpdateSubscription(r.Context(), id, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook id")
		return
	}

	deleted, err := h.store.DeleteSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	if !deleted {
		respondError(w, http.StatusNotFound, "webhook not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *SubscriptionHandler) CircuitBreaker(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.load(w, r)
	if !ok {
		return
	}

	type breakerResponse struct {
		SubscriptionID int64               `json:"subscription_id"`
		Name           string              `json:"name"`
		CircuitBreaker engine.BreakerStats `json:"circuit_breaker"`
	}

	respondJSON(w, http.StatusOK, breakerResponse{
		SubscriptionID: sub.ID,
		Name:           sub.Name,
		CircuitBreaker: h.breakers.Stats(sub.ID),
	})
}

func (h *SubscriptionHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.load(w, r)
	if !ok {
		return
	}

	h.breakers.Reset(sub.ID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *SubscriptionHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Subscription, bool) {
	id, err := parseID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid webhook id")
		return nil, false
	}

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get webhook")
		return nil, false
	}
	if sub == nil {
		respondError(w, http.StatusNotFound, "webhook not found")
		return nil, false
	}
	return sub, true
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
