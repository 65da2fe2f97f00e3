// Package websocket serves the local event feed the driver UI listens on:
// student status changes, liveness, sync reports and alerts.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	// Registered clients keyed by connection id
	clients map[string]*Client

	// Outbound notices, already encoded
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	logger zerolog.Logger
	now    func() time.Time

	// Mutex for thread-safe client map access
	mu sync.RWMutex
}

// Notice is the envelope every feed message is sent in
type Notice struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "websocket").Logger(),
		now:        time.Now,
	}
}

// Run starts the hub's main loop and returns when ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().
				Str("client_id", client.ID).
				Str("user_id", client.UserID).
				Str("role", client.UserRole).
				Int("clients", total).
				Msg("Client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.logger.Info().
					Str("client_id", client.ID).
					Str("user_id", client.UserID).
					Int("clients", len(h.clients)).
					Msg("Client disconnected")
			}
			h.mu.Unlock()

		case data := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client buffer full, disconnect
					close(client.send)
					delete(h.clients, id)
					h.logger.Warn().Str("client_id", id).Msg("Client buffer full, disconnecting")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish sends a notice to every connected client. It never blocks; notices
// are dropped when the hub falls behind.
func (h *Hub) Publish(eventType string, payload any) {
	data, err := json.Marshal(Notice{
		Type:      eventType,
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Data:      payload,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("type", eventType).Msg("Failed to marshal notice")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Str("type", eventType).Msg("Broadcast buffer full, notice dropped")
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
