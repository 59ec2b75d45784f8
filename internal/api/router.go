package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/auth"
	"github.com/fhirbridge/receiver/internal/health"
	"github.com/fhirbridge/receiver/internal/metrics"
	"github.com/fhirbridge/receiver/internal/middleware"
	"github.com/fhirbridge/receiver/internal/websocket"
)

// NewRouter assembles the full HTTP surface. authService may be nil to
// disable token enforcement, wsHandler may be nil to disable the
// websocket endpoint.
func NewRouter(
	h *Handlers,
	healthHandler *health.Handler,
	wsHandler *websocket.Handler,
	authService *auth.Service,
	m *metrics.Metrics,
	log *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	if m != nil {
		r.Use(metrics.Middleware(m))
		r.Get("/metrics", m.Handler())
	}

	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(authService))

		r.Post("/fhir/$bulk-submit", h.BulkSubmit)
		r.Get("/bulk-status/{slug}", h.Status)
		r.Get("/bulk-status/{slug}/files/{name}", h.OutcomeFile)
	})

	if wsHandler != nil {
		r.Get("/ws/submissions/{slug}", wsHandler.ServeWS)
	}

	return r
}
