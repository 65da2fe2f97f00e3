package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum push event size accepted from the backend
	maxMessageSize = 8192

	minReconnectDelay = time.Second
	maxReconnectDelay = 30 * time.Second
)

// WSSource subscribes to the backend's WebSocket push feed and reconnects
// with exponential backoff while its context is alive
type WSSource struct {
	url            string
	token          string
	dialer         *websocket.Dialer
	onConnectivity ConnectivityFunc
	logger         zerolog.Logger
}

// NewWSSource creates a push source for url. onConnectivity may be nil.
func NewWSSource(url, token string, onConnectivity ConnectivityFunc) *WSSource {
	if onConnectivity == nil {
		onConnectivity = func(bool) {}
	}
	return &WSSource{
		url:            url,
		token:          token,
		dialer:         websocket.DefaultDialer,
		onConnectivity: onConnectivity,
		logger:         log.With().Str("component", "push").Str("transport", "ws").Logger(),
	}
}

func (s *WSSource) Run(ctx context.Context, events chan<- models.RemoteEvent) error {
	delay := minReconnectDelay

	for {
		connected, err := s.session(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = minReconnectDelay
		}

		s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Push connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = backoff(delay, maxReconnectDelay)
	}
}

// session runs one connection until it fails. It reports whether the dial
// succeeded.
func (s *WSSource) session(ctx context.Context, events chan<- models.RemoteEvent) (bool, error) {
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return false, fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	s.logger.Info().Str("url", s.url).Msg("Push connection established")
	s.onConnectivity(true)
	defer s.onConnectivity(false)

	done := make(chan struct{})
	defer close(done)

	// Close the connection when the caller cancels so ReadMessage returns
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				conn.Close()
				return
			case <-done:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return true, err
			}
			return true, fmt.Errorf("push connection closed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		deliver(ctx, s.logger, message, events)
	}
}
