package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"schooltrip-engine/internal/models"
)

// PushSource delivers backend push events until ctx is cancelled
type PushSource interface {
	Run(ctx context.Context, events chan<- models.RemoteEvent) error
}

// ConnectivityFunc is told when the backend link comes up or goes down
type ConnectivityFunc func(online bool)

// deliver parses one wire message and hands it over, dropping malformed input
func deliver(ctx context.Context, logger zerolog.Logger, data []byte, events chan<- models.RemoteEvent) {
	ev, err := models.ParseRemoteEvent(data)
	if err != nil {
		logger.Warn().Err(err).Msg("Dropping malformed push event")
		return
	}

	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

// backoff doubles d up to limit
func backoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
