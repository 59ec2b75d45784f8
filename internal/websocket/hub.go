// Package websocket fans submission progress events out to connected
// clients, one subscription per submission slug.
package websocket

import (
	"sync"

	"github.com/fhirbridge/receiver/internal/events"
	"github.com/fhirbridge/receiver/internal/metrics"
)

// Hub maintains the set of active clients and broadcasts progress
// messages to the clients watching each submission.
type Hub struct {
	// Registered clients by submission slug
	clients map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Broadcast channel for progress updates
	broadcast chan *events.ProgressEvent

	// Optional connection-count metrics
	metrics *metrics.Metrics

	mu sync.RWMutex
}

// NewHub creates a new Hub instance. m may be nil.
func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *events.ProgressEvent),
		metrics:    m,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.slug] == nil {
				h.clients[client.slug] = make(map[*Client]bool)
			}
			h.clients[client.slug][client] = true
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncWSConnections()
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.slug]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.slug)
					}
					if h.metrics != nil {
						h.metrics.DecWSConnections()
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[message.Slug]; ok {
				for client := range clients {
					select {
					case client.send <- message:
					default:
						// Client's buffer is full, close the connection
						close(client.send)
						delete(clients, client)
						if h.metrics != nil {
							h.metrics.DecWSConnections()
						}
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// BroadcastProgress sends a progress update to every client watching
// the event's submission.
func (h *Hub) BroadcastProgress(ev *events.ProgressEvent) {
	h.broadcast <- ev
}

// ClientCount returns the number of connected clients for a slug.
func (h *Hub) ClientCount(slug string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[slug]; ok {
		return len(clients)
	}
	return 0
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
