package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/metabrainz/webhook-engine/internal/engine"
	"github.com/metabrainz/webhook-engine/internal/store"
	"github.com/metabrainz/webhook-engine/internal/worker"
	"github.com/metabrainz/webhook-engine/internal/ws"
)

// Deps bundles everything the HTTP surface needs. AdminAuth wraps every
// mutating route; it is injected so the host application can supply its own
// authenticated-admin middleware.
type Deps struct {
	Store      *store.PostgresStore
	Dispatcher *engine.Dispatcher
	Breakers   *engine.BreakerRegistry
	Queue      *worker.Queue
	Hub        *ws.Hub
	AdminAuth  func(http.Handler) http.Handler
}

// NewRouter creates and configures the HTTP router.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	subHandler := NewSubscriptionHandler(deps.Store, deps.Breakers)
	deliveryHandler := NewDeliveryHandler(deps.Store, deps.Queue)
	eventHandler := NewEventHandler(deps.Dispatcher)

	adminAuth := deps.AdminAuth
	if adminAuth == nil {
		adminAuth = func(next http.Handler) http.Handler { return next }
	}

	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.HandleWebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler())

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Get("/{id}/circuit-breaker", subHandler.CircuitBreaker)

			r.Group(func(r chi.Router) {
				r.Use(adminAuth)
				r.Post("/", subHandler.Create)
				r.Patch("/{id}", subHandler.Update)
				r.Delete("/{id}", subHandler.Delete)
				r.Post("/{id}/circuit-breaker/reset", subHandler.ResetCircuitBreaker)
			})
		})

		r.Route("/deliveries", func(r chi.Router) {
			r.Get("/", deliveryHandler.List)
			r.Get("/{id}", deliveryHandler.Get)

			r.Group(func(r chi.Router) {
				r.Use(adminAuth)
				r.Post("/retry", deliveryHandler.RetryBulk)
				r.Post("/{id}/retry", deliveryHandler.RetryOne)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(adminAuth)
			r.Post("/events", eventHandler.Create)
		})
	})

	return r
}
