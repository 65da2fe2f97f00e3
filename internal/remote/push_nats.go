package remote

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/models"
)

// ConnectNATS opens a NATS connection that reports link changes to
// onConnectivity, which may be nil
func ConnectNATS(url, name string, onConnectivity ConnectivityFunc) (*nats.Conn, error) {
	if onConnectivity == nil {
		onConnectivity = func(bool) {}
	}
	logger := log.With().Str("component", "nats").Logger()

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
			onConnectivity(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("server", c.ConnectedUrl()).Msg("NATS reconnected")
			onConnectivity(true)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info().Str("server", nc.ConnectedUrl()).Msg("NATS connected")
	return nc, nil
}

// NATSSource reads push events from a NATS subject
type NATSSource struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSource subscribes on an established connection
func NewNATSSource(nc *nats.Conn, subject string) *NATSSource {
	return &NATSSource{
		nc:      nc,
		subject: subject,
		logger:  log.With().Str("component", "push").Str("transport", "nats").Str("subject", subject).Logger(),
	}
}

func (s *NATSSource) Run(ctx context.Context, events chan<- models.RemoteEvent) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	defer sub.Unsubscribe()

	s.logger.Info().Msg("Subscribed to push events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-msgs:
			deliver(ctx, s.logger, m.Data, events)
		}
	}
}
