// Package config loads engine settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/location"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/trip"
)

// Push transports
const (
	PushWebSocket = "ws"
	PushNATS      = "nats"
	PushNone      = "none"
)

// Config holds every engine setting
type Config struct {
	DatabaseURL string

	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration

	PushTransport       string
	PushWSURL           string
	NATSURL             string
	NATSPushSubject     string
	NATSLocationSubject string

	Sampler  location.Config
	Boarding boarding.Config
	Trip     trip.Config

	MaxRetries    int
	RetryInterval time.Duration

	Port        string
	JWTSecret   string
	MetricsAddr string

	FirebaseCredentialsFile   string
	FirebaseCredentialsBase64 string
	AlertFCMToken             string

	LogLevel  string
	LogPretty bool
}

// Load reads .env (if present) and the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Str("component", "config").Msg(".env file not found, using environment variables from system")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function and validates it
func FromEnv(getenv func(string) string) (*Config, error) {
	p := parser{getenv: getenv}

	interval := p.seconds("SAMPLE_INTERVAL_SEC", location.DefaultInterval)

	cfg := &Config{
		DatabaseURL: p.str("QUEUE_DATABASE_URL", "file:tripd.db"),

		RemoteBaseURL: strings.TrimRight(p.str("REMOTE_BASE_URL", ""), "/"),
		RemoteToken:   p.str("REMOTE_TOKEN", ""),
		RemoteTimeout: p.seconds("REMOTE_TIMEOUT_SEC", 10*time.Second),

		PushTransport:       strings.ToLower(p.str("PUSH_TRANSPORT", PushNone)),
		PushWSURL:           p.str("PUSH_WS_URL", ""),
		NATSURL:             p.str("NATS_URL", ""),
		NATSPushSubject:     p.str("NATS_PUSH_SUBJECT", "trips.events"),
		NATSLocationSubject: p.str("NATS_LOCATION_SUBJECT", ""),

		Sampler: location.Config{
			Interval:    interval,
			MinDistance: p.float("SAMPLE_MIN_DISTANCE_M", location.DefaultMinDistance),
			StaleAfter:  p.seconds("LIVENESS_TIMEOUT_SEC", 2*interval),
			WaitTimeout: p.seconds("LOCATION_WAIT_SEC", location.DefaultWaitTimeout),
		},
		Boarding: boarding.Config{
			RadiusMeters:  p.float("GEOFENCE_RADIUS_M", boarding.DefaultRadiusMeters),
			AllowOverride: p.bool("GEOFENCE_OVERRIDE_ENABLED", false),
		},
		Trip: trip.Config{
			AvgSpeedKmh:    p.float("AVG_SPEED_KMH", 40),
			ReportLocation: p.bool("REPORT_LOCATION", true),
		},

		MaxRetries:    p.int("QUEUE_MAX_RETRIES", models.DefaultMaxRetries),
		RetryInterval: p.seconds("SYNC_RETRY_SEC", 10*time.Second),

		Port:        p.str("PORT", "8080"),
		JWTSecret:   p.str("APP_JWT_SECRET", ""),
		MetricsAddr: p.str("METRICS_ADDR", ""),

		FirebaseCredentialsFile:   p.str("FIREBASE_CREDENTIALS_FILE", ""),
		FirebaseCredentialsBase64: p.str("FIREBASE_CREDENTIALS_BASE64", ""),
		AlertFCMToken:             p.str("ALERT_FCM_TOKEN", ""),

		LogLevel:  p.str("LOG_LEVEL", "info"),
		LogPretty: p.bool("LOG_PRETTY", false),
	}
	cfg.Boarding.WaitTimeout = cfg.Sampler.WaitTimeout

	if err := errors.Join(append(p.errs, cfg.Validate())...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("QUEUE_DATABASE_URL must not be empty"))
	}
	if c.Sampler.Interval <= 0 {
		errs = append(errs, errors.New("SAMPLE_INTERVAL_SEC must be positive"))
	}
	if c.Sampler.MinDistance < 0 {
		errs = append(errs, errors.New("SAMPLE_MIN_DISTANCE_M must not be negative"))
	}
	if c.Sampler.StaleAfter < c.Sampler.Interval {
		errs = append(errs, errors.New("LIVENESS_TIMEOUT_SEC must be at least SAMPLE_INTERVAL_SEC"))
	}
	if c.Boarding.RadiusMeters <= 0 {
		errs = append(errs, errors.New("GEOFENCE_RADIUS_M must be positive"))
	}
	if c.Trip.AvgSpeedKmh <= 0 {
		errs = append(errs, errors.New("AVG_SPEED_KMH must be positive"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, errors.New("QUEUE_MAX_RETRIES must be at least 1"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, errors.New("SYNC_RETRY_SEC must be positive"))
	}

	switch c.PushTransport {
	case PushNone:
	case PushWebSocket:
		if c.PushWSURL == "" {
			errs = append(errs, errors.New("PUSH_WS_URL is required when PUSH_TRANSPORT=ws"))
		}
	case PushNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required when PUSH_TRANSPORT=nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("PUSH_TRANSPORT must be ws, nats or none, got %q", c.PushTransport))
	}

	if c.NATSLocationSubject != "" && c.NATSURL == "" {
		errs = append(errs, errors.New("NATS_URL is required when NATS_LOCATION_SUBJECT is set"))
	}

	return errors.Join(errs...)
}

// NotificationsEnabled is true when Firebase credentials and a target exist
func (c *Config) NotificationsEnabled() bool {
	return c.AlertFCMToken != "" && (c.FirebaseCredentialsBase64 != "" || c.FirebaseCredentialsFile != "")
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

// seconds accepts whole or fractional seconds
func (p *parser) seconds(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return time.Duration(f * float64(time.Second))
}
