package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/models"
)

// PositionMessage is the vehicle position published on NATS by the
// on-board telematics unit
type PositionMessage struct {
	TripID    string    `json:"tripId"`
	RouteID   string    `json:"routeId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	SpeedMps  float64   `json:"speedMps"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	NoSignal  bool      `json:"noSignal,omitempty"`
}

// DecodePositionMessage converts a NATS payload into a fix
func DecodePositionMessage(data []byte) (Fix, error) {
	var msg PositionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Fix{}, fmt.Errorf("failed to decode position message: %w", err)
	}
	if msg.NoSignal {
		return Fix{Err: ErrNoSignal}, nil
	}

	speed := msg.SpeedMps
	heading := msg.Bearing
	sample := models.GeoSample{
		Latitude:   msg.Lat,
		Longitude:  msg.Lon,
		Speed:      &speed,
		Heading:    &heading,
		Accuracy:   msg.Accuracy,
		CapturedAt: msg.Timestamp,
	}
	if !sample.Point().Valid() {
		return Fix{}, fmt.Errorf("invalid position %.6f,%.6f", msg.Lat, msg.Lon)
	}
	return Fix{Sample: sample}, nil
}

// NATSProvider subscribes to a position subject
type NATSProvider struct {
	nc      *nats.Conn
	subject string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSProvider reads fixes from subject on an established connection
func NewNATSProvider(nc *nats.Conn, subject string) *NATSProvider {
	return &NATSProvider{nc: nc, subject: subject}
}

func (p *NATSProvider) Open(_ context.Context) (<-chan Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub != nil {
		return nil, fmt.Errorf("nats provider already open on %s", p.subject)
	}

	fixes := make(chan Fix, 16)
	logger := log.With().Str("component", "location").Str("subject", p.subject).Logger()

	sub, err := p.nc.Subscribe(p.subject, func(m *nats.Msg) {
		fix, err := DecodePositionMessage(m.Data)
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping position message")
			return
		}
		select {
		case fixes <- fix:
		default:
			logger.Warn().Msg("Fix buffer full, dropping position")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", p.subject, err)
	}

	p.sub = sub
	logger.Info().Msg("Subscribed to vehicle positions")
	return fixes, nil
}

func (p *NATSProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sub == nil {
		return nil
	}
	err := p.sub.Unsubscribe()
	p.sub = nil
	return err
}
