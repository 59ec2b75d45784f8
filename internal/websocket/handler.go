package websocket

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fhirbridge/receiver/internal/auth"
	"github.com/fhirbridge/receiver/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Progress streams carry no PHI beyond counts; origin checks
		// are left to the reverse proxy.
		return true
	},
}

// Handler upgrades progress-watch connections and registers them with
// the hub.
type Handler struct {
	hub  *Hub
	auth *auth.Service
	log  *zap.Logger
}

// NewHandler creates a websocket handler. A nil auth service disables
// token checking.
func NewHandler(hub *Hub, authService *auth.Service, log *zap.Logger) *Handler {
	return &Handler{hub: hub, auth: authService, log: log}
}

// ServeWS handles GET /ws/submissions/{slug}. Browsers cannot set an
// Authorization header on websocket upgrades, so the token rides in
// the query string.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		http.Error(w, "missing submission slug", http.StatusBadRequest)
		return
	}

	if h.auth != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := h.auth.ValidateToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(h.hub, conn, slug)
	h.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// RunBridge subscribes to the progress bus and forwards every event
// into the hub until the context is cancelled.
func RunBridge(ctx context.Context, bus events.Bus, hub *Hub, log *zap.Logger) error {
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			hub.BroadcastProgress(&ev)
		}
	}
}
