package location

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/models"
)

var (
	// ErrPermissionDenied is reported when the platform refuses location access
	ErrPermissionDenied = errors.New("location permission denied")

	// ErrNoSignal is reported when the platform has no usable fix
	ErrNoSignal = errors.New("no location signal")

	// ErrProviderBusy is returned by Push when the fix buffer is full
	ErrProviderBusy = errors.New("location provider buffer full")

	// ErrNotTracking is returned by Push while no sampler has the provider open
	ErrNotTracking = errors.New("location is not being tracked")
)

// Fix is one platform reading: either a sample or a signal error
type Fix struct {
	Sample models.GeoSample
	Err    error
}

// Provider is the platform position source the sampler reads from
type Provider interface {
	// Open starts delivery. It fails with ErrPermissionDenied when location
	// access is refused.
	Open(ctx context.Context) (<-chan Fix, error)
	Close() error
}

// ChannelProvider delivers fixes pushed in-process, such as from the device
// GPS bridge on the local API
type ChannelProvider struct {
	mu      sync.Mutex
	fixes   chan Fix
	granted bool
	open    bool
}

// NewChannelProvider creates a provider with the given fix buffer
func NewChannelProvider(buffer int) *ChannelProvider {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelProvider{
		fixes:   make(chan Fix, buffer),
		granted: true,
	}
}

// Open discards anything still buffered from an earlier session, so a
// reopened provider never replays old fixes
func (p *ChannelProvider) Open(_ context.Context) (<-chan Fix, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.granted {
		return nil, ErrPermissionDenied
	}

drain:
	for {
		select {
		case <-p.fixes:
		default:
			break drain
		}
	}
	p.open = true
	return p.fixes, nil
}

func (p *ChannelProvider) Close() error {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
	return nil
}

// SetPermission records whether the platform grants location access. Revoking
// it while open is reported to the sampler as a fix error.
func (p *ChannelProvider) SetPermission(granted bool) {
	p.mu.Lock()
	p.granted = granted
	p.mu.Unlock()

	if !granted {
		p.send(Fix{Err: ErrPermissionDenied})
	}
}

// Push hands a new sample to the sampler. Fixes are refused while no
// sampler is reading.
func (p *ChannelProvider) Push(sample models.GeoSample) error {
	if !sample.Point().Valid() {
		return fmt.Errorf("%w: fix %.6f,%.6f", geo.ErrInvalidCoordinate, sample.Latitude, sample.Longitude)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotTracking
	}
	if !p.sendLocked(Fix{Sample: sample}) {
		return ErrProviderBusy
	}
	return nil
}

// ReportNoSignal tells the sampler the platform lost its fix
func (p *ChannelProvider) ReportNoSignal() {
	p.send(Fix{Err: ErrNoSignal})
}

func (p *ChannelProvider) send(f Fix) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return false
	}
	return p.sendLocked(f)
}

func (p *ChannelProvider) sendLocked(f Fix) bool {
	select {
	case p.fixes <- f:
		return true
	default:
		return false
	}
}
