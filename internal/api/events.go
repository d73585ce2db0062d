package api

import (
	"encoding/json"
	"net/http"

	"github.com/metabrainz/webhook-engine/internal/engine"
)

// EventHandler is the producer entry point: internal systems POST domain
// events here and the dispatcher fans them out.
type EventHandler struct {
	dispatcher *engine.Dispatcher
}

func NewEventHandler(d *engine.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: d}
}

type emitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type emitResponse struct {
	EventType   string   `json:"event_type"`
	DeliveryIDs []string `json:"delivery_ids"`
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		respondError(w, http.StatusBadRequest, "event_type is required")
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, "payload is required")
		return
	}

	ids, err := h.dispatcher.Emit(r.Context(), req.EventType, req.Payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, emitResponse{
		EventType:   req.EventType,
		DeliveryIDs: ids,
	})
}
