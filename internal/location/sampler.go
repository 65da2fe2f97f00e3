// Package location turns raw platform fixes into a rate-limited sample stream
// plus a liveness signal the boarding gate can trust.
package location

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/models"
)

var (
	// ErrLocationUnavailable is returned when no fresh sample arrives in time
	ErrLocationUnavailable = errors.New("location unavailable")

	// ErrAlreadyStarted is returned by Start on a running sampler
	ErrAlreadyStarted = errors.New("sampler already started")
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultMinDistance = 10.0 // meters
	DefaultWaitTimeout = 5 * time.Second
)

// Config controls emission and liveness
type Config struct {
	Interval    time.Duration // emit at least this often while fixes arrive
	MinDistance float64       // emit early once moved this many meters
	StaleAfter  time.Duration // liveness timeout, 2x Interval when zero
	WaitTimeout time.Duration // bound for WaitFresh
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinDistance <= 0 {
		c.MinDistance = DefaultMinDistance
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * c.Interval
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	return c
}

// Sampler owns one provider subscription at a time
type Sampler struct {
	provider Provider
	cfg      Config
	clock    clock.Clock
	logger   zerolog.Logger

	mu          sync.Mutex
	current     *models.GeoSample
	emitted     *models.GeoSample
	pendingEmit bool
	lastFixAt   time.Time
	live        bool
	fresh       chan struct{} // closed and replaced on every accepted fix
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewSampler creates a stopped sampler. A nil clock means the real clock.
func NewSampler(provider Provider, cfg Config, clk clock.Clock) *Sampler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Sampler{
		provider: provider,
		cfg:      cfg.withDefaults(),
		clock:    clk,
		logger:   log.With().Str("component", "location").Logger(),
		fresh:    make(chan struct{}),
	}
}

// Config returns the effective configuration
func (s *Sampler) Config() Config { return s.cfg }

// Start begins sampling. onSample receives rate-limited samples and
// onLiveness every liveness change; both run on the sampler goroutine and
// must not block. A provider that refuses access leaves liveness false and
// its error is returned.
func (s *Sampler) Start(onSample func(models.GeoSample), onLiveness func(bool)) error {
	if onSample == nil {
		onSample = func(models.GeoSample) {}
	}
	if onLiveness == nil {
		onLiveness = func(bool) {}
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	fixes, err := s.provider.Open(ctx)
	if err != nil {
		cancel()
		s.live = false
		s.mu.Unlock()

		s.logger.Error().Err(err).Msg("Location provider refused to start")
		onLiveness(false)
		return fmt.Errorf("failed to open location provider: %w", err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastFixAt = s.clock.Now()
	s.emitted = nil
	s.pendingEmit = false
	ticker := s.clock.NewTicker(s.cfg.Interval)
	done := s.done
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Float64("min_distance_m", s.cfg.MinDistance).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("Location sampler started")

	go s.run(ctx, fixes, ticker, done, onSample, onLiveness)
	return nil
}

func (s *Sampler) run(
	ctx context.Context,
	fixes <-chan Fix,
	ticker *clock.Ticker,
	done chan struct{},
	onSample func(models.GeoSample),
	onLiveness func(bool),
) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case fix, ok := <-fixes:
			if !ok {
				fixes = nil
				s.setLive(false, onLiveness)
				continue
			}
			if fix.Err != nil {
				s.logger.Warn().Err(fix.Err).Msg("Location provider reported a problem")
				s.setLive(false, onLiveness)
				continue
			}
			if !fix.Sample.Point().Valid() {
				s.logger.Warn().Msg("Ignoring fix with invalid coordinates")
				continue
			}

			emit, restored, ok := s.accept(fix.Sample)
			if !ok {
				s.logger.Debug().Time("captured_at", fix.Sample.CapturedAt).Msg("Ignoring stale fix")
				continue
			}
			if restored {
				s.logger.Info().Msg("Location liveness restored")
				onLiveness(true)
			}
			if emit {
				onSample(fix.Sample)
			}

		case now := <-ticker.C:
			s.mu.Lock()
			stale := now.Sub(s.lastFixAt) >= s.cfg.StaleAfter
			var sample models.GeoSample
			emit := !stale && s.pendingEmit && s.current != nil
			if emit {
				sample = *s.current
				s.markEmittedLocked(sample)
			}
			s.mu.Unlock()

			if stale {
				s.setLive(false, onLiveness)
			}
			if emit {
				onSample(sample)
			}
		}
	}
}

// accept stores the fix and marks the sampler live. A fix captured
// StaleAfter or longer ago is refused. It reports whether the fix moved far
// enough to emit now and whether liveness was restored.
func (s *Sampler) accept(sample models.GeoSample) (emit, restored, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if sample.CapturedAt.IsZero() || sample.CapturedAt.After(now) {
		sample.CapturedAt = now.UTC()
	}
	if now.Sub(sample.CapturedAt) >= s.cfg.StaleAfter {
		return false, false, false
	}

	s.current = &sample
	s.lastFixAt = sample.CapturedAt
	restored = !s.live
	s.live = true

	close(s.fresh)
	s.fresh = make(chan struct{})

	if s.emitted == nil || geo.DistanceMeters(s.emitted.Point(), sample.Point()) >= s.cfg.MinDistance {
		s.markEmittedLocked(sample)
		return true, restored, true
	}
	s.pendingEmit = true
	return false, restored, true
}

func (s *Sampler) markEmittedLocked(sample models.GeoSample) {
	s.emitted = &sample
	s.pendingEmit = false
}

func (s *Sampler) setLive(live bool, onLiveness func(bool)) {
	s.mu.Lock()
	changed := s.live != live
	s.live = live
	s.mu.Unlock()

	if !changed {
		return
	}
	s.logger.Warn().Bool("live", live).Msg("Location liveness changed")
	onLiveness(live)
}

// Stop releases the provider. Safe to call more than once.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
	if err := s.provider.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close location provider")
	}

	s.mu.Lock()
	s.live = false
	s.mu.Unlock()

	s.logger.Info().Msg("Location sampler stopped")
}

// Running reports whether Start has been called without a matching Stop
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// CurrentSample returns the most recent fix, if any
func (s *Sampler) CurrentSample() (models.GeoSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.GeoSample{}, false
	}
	return *s.current, true
}

// Live reports whether the latest fix is recent enough to trust
func (s *Sampler) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freshLocked()
}

func (s *Sampler) freshLocked() bool {
	return s.live && s.current != nil && s.clock.Now().Sub(s.lastFixAt) < s.cfg.StaleAfter
}

// WaitFresh returns the current sample once it is live, waiting at most
// timeout (the configured WaitTimeout when zero). It fails with
// ErrLocationUnavailable when the wait runs out.
func (s *Sampler) WaitFresh(ctx context.Context, timeout time.Duration) (models.GeoSample, error) {
	if timeout <= 0 {
		timeout = s.cfg.WaitTimeout
	}

	var deadline <-chan time.Time
	for {
		s.mu.Lock()
		if s.freshLocked() {
			sample := *s.current
			s.mu.Unlock()
			return sample, nil
		}
		fresh := s.fresh
		s.mu.Unlock()

		if deadline == nil {
			deadline = s.clock.After(timeout)
		}

		select {
		case <-fresh:
		case <-deadline:
			return models.GeoSample{}, ErrLocationUnavailable
		case <-ctx.Done():
			return models.GeoSample{}, ctx.Err()
		}
	}
}
