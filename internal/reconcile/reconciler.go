// Package reconcile moves work between the device and the backend: it
// decides whether a new action is delivered now or queued, drains the queue
// when the link comes back, and routes push events to the trip controller.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/queue"
	"schooltrip-engine/internal/trip"
)

// Controller is the part of the trip controller the reconciler drives
type Controller interface {
	Submit(ev trip.Event) bool
	ReplayDeferred(ctx context.Context) int
}

// Observer receives dispatch and drain results for metrics
type Observer interface {
	Dispatched(kind models.ActionKind, outcome models.DispatchOutcome)
	DrainCompleted(report Report)
}

type nopObserver struct{}

func (nopObserver) Dispatched(models.ActionKind, models.DispatchOutcome) {}
func (nopObserver) DrainCompleted(Report) {}

// Local notice types
const (
	NoticeSyncReport     = "sync_report"
	NoticeQueueExhausted = "queue_exhausted"
	NoticeConnectivity   = "connectivity"
)

// DefaultRetryInterval spaces retries of actions that failed while online
const DefaultRetryInterval = 10 * time.Second

// Report summarises one drain for the driver ("N actions synced")
type Report struct {
	Synced      int       `json:"synced"`
	Failed      int       `json:"failed"`
	FailedIDs   []string  `json:"failed_ids,omitempty"`
	Retrying    int       `json:"retrying"`
	Interrupted bool      `json:"interrupted"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Reconciler is safe for concurrent use
type Reconciler struct {
	queue      *queue.Queue
	executor   queue.Executor
	controller Controller
	publisher  trip.Publisher
	alerter    trip.Alerter
	observer   Observer
	clock      clock.Clock
	logger     zerolog.Logger

	retryInterval time.Duration

	online     atomic.Bool
	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu          sync.Mutex
	draining    bool
	rerun       bool
	retryAfter  time.Time
	cancelDrain context.CancelFunc
	subscribers []chan Report
}

// Option configures a Reconciler
type Option func(*Reconciler)

func WithPublisher(p trip.Publisher) Option { return func(r *Reconciler) { r.publisher = p } }

func WithAlerter(a trip.Alerter) Option { return func(r *Reconciler) { r.alerter = a } }

func WithClock(c clock.Clock) Option { return func(r *Reconciler) { r.clock = c } }

// WithRetryInterval sets how long a failed delivery waits before the next
// attempt while the link stays up
func WithRetryInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(r *Reconciler) {
		if o != nil {
			r.observer = o
		}
	}
}

// New creates a reconciler that starts offline
func New(q *queue.Queue, executor queue.Executor, opts ...Option) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		queue:    q,
		executor: executor,
		observer: nopObserver{},
		clock:    clock.Real(),

		retryInterval: DefaultRetryInterval,

		logger:   log.With().Str("component", "reconcile").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetController attaches the trip controller. Called once during wiring,
// since the controller itself dispatches through the reconciler.
func (r *Reconciler) SetController(c Controller) {
	r.mu.Lock()
	r.controller = c
	r.mu.Unlock()
}

// Online reports the last known link state
func (r *Reconciler) Online() bool { return r.online.Load() }

// Dispatch delivers action directly when online with nothing queued ahead of
// it, and otherwise stores it for the next drain. Transport and server
// failures fall back to the queue and are retried after the retry interval;
// a remote refusal returns OutcomeRejected with an error wrapping
// queue.ErrRejected. An action queued while online schedules a drain.
func (r *Reconciler) Dispatch(ctx context.Context, action models.QueuedAction) (models.DispatchOutcome, error) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	logger := r.logger.With().Str("action_id", action.ID).Str("kind", string(action.Kind)).Logger()

	if r.online.Load() && !r.queue.Draining() {
		size, err := r.queue.Size(ctx)
		if err != nil {
			return "", err
		}

		if size == 0 {
			err := r.executor(ctx, action)
			switch {
			case err == nil || errors.Is(err, queue.ErrAlreadyApplied):
				r.observer.Dispatched(action.Kind, models.OutcomeApplied)
				logger.Debug().Msg("Action applied directly")
				return models.OutcomeApplied, nil

			case errors.Is(err, queue.ErrRejected):
				r.observer.Dispatched(action.Kind, models.OutcomeRejected)
				logger.Warn().Err(err).Msg("Action rejected by remote")
				return models.OutcomeRejected, fmt.Errorf("%s rejected: %w", action.Kind, err)
			}

			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn().Err(err).Msg("Direct delivery failed, queueing")
			r.backOff()
		}
	}

	if _, err := r.queue.Enqueue(ctx, action); err != nil {
		return "", fmt.Errorf("failed to queue %s: %w", action.Kind, err)
	}
	r.observer.Dispatched(action.Kind, models.OutcomeQueued)

	if r.online.Load() {
		r.scheduleDrain()
	}
	return models.OutcomeQueued, nil
}

// backOff holds off drains triggered by new actions until the retry interval
// has passed. Connectivity changes and the retry ticker still drain.
func (r *Reconciler) backOff() {
	r.mu.Lock()
	r.retryAfter = r.clock.Now().Add(r.retryInterval)
	r.mu.Unlock()
}

func (r *Reconciler) backingOffLocked() bool {
	return r.clock.Now().Before(r.retryAfter)
}

// scheduleDrain starts a drain, or asks the running one for another pass,
// unless a recent failure is still backing off
func (r *Reconciler) scheduleDrain() {
	r.mu.Lock()
	if r.backingOffLocked() {
		r.mu.Unlock()
		return
	}
	if r.draining {
		r.rerun = true
		r.mu.Unlock()
		return
	}
	r.draining = true
	r.mu.Unlock()

	r.wg.Go(r.drainLoop)
}

// OnConnectivityChanged records a link change. Coming online starts a drain.
// Going offline interrupts a running drain between actions so no retry is
// spent on a dead link.
func (r *Reconciler) OnConnectivityChanged(online bool) {
	was := r.online.Swap(online)
	if was != online && r.publisher != nil {
		r.publisher.Publish(NoticeConnectivity, map[string]bool{"online": online})
	}

	if online {
		r.OnConnectivityRestored()
		return
	}

	r.mu.Lock()
	if r.cancelDrain != nil {
		r.cancelDrain()
	}
	r.mu.Unlock()
	if was {
		r.logger.Warn().Msg("Connectivity lost")
	}
}

// OnConnectivityRestored drains the queue in the background. Signals that
// arrive while a drain runs schedule one more drain instead of a second
// concurrent one.
func (r *Reconciler) OnConnectivityRestored() {
	r.online.Store(true)
	r.startDrain()
}

func (r *Reconciler) startDrain() {
	r.mu.Lock()
	if r.draining {
		r.rerun = true
		r.mu.Unlock()
		return
	}
	r.draining = true
	r.mu.Unlock()

	r.wg.Go(r.drainLoop)
}

func (r *Reconciler) drainLoop() {
	for {
		r.drainOnce()

		r.mu.Lock()
		if !r.rerun || r.ctx.Err() != nil || r.backingOffLocked() {
			r.rerun = false
			r.draining = false
			r.mu.Unlock()
			return
		}
		r.rerun = false
		r.mu.Unlock()
	}
}

func (r *Reconciler) drainOnce() {
	ctx, cancel := context.WithCancel(r.ctx)
	r.mu.Lock()
	r.cancelDrain = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cancelDrain = nil
		r.mu.Unlock()
		cancel()
	}()

	result, err := r.queue.Drain(ctx, r.executor)
	if errors.Is(err, queue.ErrDrainInProgress) {
		r.logger.Debug().Msg("Drain already running elsewhere")
		return
	}
	if err != nil && ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("Drain failed")
	}

	report := Report{
		Synced:      len(result.Succeeded),
		Failed:      len(result.FailedPermanently),
		FailedIDs:   result.FailedPermanently,
		Retrying:    len(result.Retrying),
		Interrupted: err != nil,
		FinishedAt:  r.clock.Now().UTC(),
	}

	r.mu.Lock()
	if report.Retrying > 0 {
		r.retryAfter = r.clock.Now().Add(r.retryInterval)
	} else if err == nil {
		r.retryAfter = time.Time{}
	}
	controller := r.controller
	r.mu.Unlock()
	if controller != nil {
		controller.ReplayDeferred(r.ctx)
	}

	if report.Failed > 0 {
		r.surfaceExhausted(report)
	}
	r.observer.DrainCompleted(report)
	r.broadcast(report)

	r.logger.Info().
		Int("synced", report.Synced).
		Int("failed", report.Failed).
		Int("retrying", report.Retrying).
		Bool("interrupted", report.Interrupted).
		Msg("Sync finished")
}

// surfaceExhausted tells the driver about actions that will never be
// delivered without manual intervention
func (r *Reconciler) surfaceExhausted(report Report) {
	err := fmt.Errorf("%w: %s", queue.ErrQueueExhausted, strings.Join(report.FailedIDs, ", "))
	r.logger.Error().Err(err).Int("count", report.Failed).Msg("Actions need manual intervention")

	if r.publisher != nil {
		r.publisher.Publish(NoticeQueueExhausted, map[string]any{
			"failed_ids": report.FailedIDs,
			"error":      err.Error(),
		})
	}

	if r.alerter != nil {
		body := fmt.Sprintf("%d action(s) could not be synced and need attention", report.Failed)
		data := map[string]string{"type": "queue_exhausted", "count": fmt.Sprint(report.Failed)}
		if err := r.alerter.Alert(r.ctx, "Sync failed", body, data); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to send exhaustion notification")
		}
	}
}

// Subscribe returns a channel receiving every drain report. Slow readers miss
// reports rather than block the drain. Call the returned func to unsubscribe.
func (r *Reconciler) Subscribe() (<-chan Report, func()) {
	ch := make(chan Report, 8)

	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.subscribers {
			if sub == ch {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				break
			}
		}
	}
}

func (r *Reconciler) broadcast(report Report) {
	if r.publisher != nil {
		r.publisher.Publish(NoticeSyncReport, report)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- report:
		default:
		}
	}
}

// Run retries whatever is still queued once per retry interval while the link
// is up. It returns when ctx is done or the reconciler is closed.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if !r.online.Load() {
				continue
			}
			size, err := r.queue.Size(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Msg("Failed to read queue size")
				continue
			}
			if size > 0 {
				r.logger.Debug().Int("pending", size).Msg("Retrying queued actions")
				r.startDrain()
			}
		}
	}
}

// OnPushEvent routes a backend push event to the controller loop
func (r *Reconciler) OnPushEvent(ev models.RemoteEvent) {
	r.mu.Lock()
	controller := r.controller
	r.mu.Unlock()

	if controller == nil {
		r.logger.Warn().Str("event", string(ev.Type)).Msg("Push event before controller wiring, dropped")
		return
	}
	controller.Submit(trip.Event{Kind: trip.EventRemote, Remote: &ev})
}

// Wait blocks until background drains finish
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// Close interrupts any running drain and waits for it
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}
