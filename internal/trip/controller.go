// Package trip owns the active trip session. All reads and writes of the
// session go through a Controller, and every student status change is
// delegated to the boarding machine.
package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/location"
	"schooltrip-engine/internal/models"
	"schooltrip-engine/internal/remote"
)

// Sampler is the location sampler lifecycle the controller drives
type Sampler interface {
	Start(onSample func(models.GeoSample), onLiveness func(bool)) error
	Stop()
	CurrentSample() (models.GeoSample, bool)
	Live() bool
	WaitFresh(ctx context.Context, timeout time.Duration) (models.GeoSample, error)
}

// PendingChecker answers whether local actions still await delivery
type PendingChecker interface {
	HasPendingForStudent(ctx context.Context, tripID, studentID string) (bool, error)
	HasPendingTripAction(ctx context.Context, tripID string) (bool, error)
	PendingForTrip(ctx context.Context, tripID string) ([]models.QueuedAction, error)
}

// Publisher fans controller notices out to local listeners
type Publisher interface {
	Publish(eventType string, payload any)
}

// Alerter raises a driver-facing push notification
type Alerter interface {
	Alert(ctx context.Context, title, body string, data map[string]string) error
}

// Observer receives controller events for metrics
type Observer interface {
	RemoteEventApplied(eventType models.RemoteEventType)
	RemoteEventDeferred(eventType models.RemoteEventType)
	LivenessChanged(live bool)
	TripStatusChanged(status models.TripStatus)
}

type nopObserver struct{}

func (nopObserver) RemoteEventApplied(models.RemoteEventType) {}
func (nopObserver) RemoteEventDeferred(models.RemoteEventType) {}
func (nopObserver) LivenessChanged(bool) {}
func (nopObserver) TripStatusChanged(models.TripStatus) {}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Local notice types published to the UI feed
const (
	NoticeTripUpdated    = "trip_updated"
	NoticeStudentUpdated = "student_updated"
	NoticeLocation       = "location"
	NoticeRemoteLocation = "remote_location"
	NoticeLiveness       = "liveness"
	NoticeEmergency      = "emergency"
)

// Config tunes controller behaviour
type Config struct {
	AvgSpeedKmh    float64
	ReportLocation bool // dispatch a location ping for every emitted sample
	EventBuffer    int
}

// Controller is the single actor for one device's trip
type Controller struct {
	machine    *boarding.Machine
	sampler    Sampler
	dispatcher boarding.Dispatcher
	pending    PendingChecker
	snapshots  SnapshotStore
	push       remote.PushSource
	publisher  Publisher
	alerter    Alerter
	observer   Observer
	clock      clock.Clock
	cfg        Config
	logger     zerolog.Logger

	events chan Event

	mu         sync.Mutex
	session    *models.TripSession
	deferred   []models.RemoteEvent
	inflight   map[string]bool // students with a confirmation being dispatched
	pushCancel context.CancelFunc
}

// Option configures a Controller
type Option func(*Controller)

func WithSnapshots(s SnapshotStore) Option { return func(c *Controller) { c.snapshots = s } }

func WithPushSource(p remote.PushSource) Option { return func(c *Controller) { c.push = p } }

func WithAlerter(a Alerter) Option { return func(c *Controller) { c.alerter = a } }

func WithClock(clk clock.Clock) Option { return func(c *Controller) { c.clock = clk } }

func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		if p != nil {
			c.publisher = p
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewController wires a controller. The machine must share dispatcher and
// sampler with the controller.
func NewController(machine *boarding.Machine, sampler Sampler, dispatcher boarding.Dispatcher, pending PendingChecker, cfg Config, opts ...Option) *Controller {
	if cfg.AvgSpeedKmh <= 0 {
		cfg.AvgSpeedKmh = geo.DefaultAverageSpeedKmh
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	c := &Controller{
		machine:    machine,
		sampler:    sampler,
		dispatcher: dispatcher,
		pending:    pending,
		publisher:  nopPublisher{},
		observer:   nopObserver{},
		clock:      clock.Real(),
		cfg:        cfg,
		logger:     log.With().Str("component", "trip").Logger(),
		events:     make(chan Event, cfg.EventBuffer),
		inflight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load installs a scheduled session. It fails while another trip is running.
func (c *Controller) Load(ctx context.Context, session *models.TripSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("trip session needs an id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && !c.session.Status.IsTerminal() && c.session.ID != session.ID {
		return fmt.Errorf("%w: %s", ErrTripLoaded, c.session.ID)
	}

	if session.Status == "" {
		session.Status = models.TripStatusScheduled
	}
	for _, rec := range session.Students {
		rec.TripID = session.ID
		if rec.Status == "" {
			rec.Status = models.BoardingStatusPending
		}
	}
	session.UpdatedAt = c.clock.Now().UTC()

	c.session = session
	c.deferred = nil
	c.persistLocked(ctx)

	c.logger.Info().
		Str("trip_id", session.ID).
		Str("route_id", session.RouteID).
		Int("students", len(session.Students)).
		Msg("Trip loaded")
	return nil
}

// Resume reloads the last unfinished session after a restart and restarts
// sampling when it was in progress. Actions still queued for the trip are
// folded back into the snapshot first.
func (c *Controller) Resume(ctx context.Context) (*models.TripSession, error) {
	if c.snapshots == nil {
		return nil, ErrNoSnapshot
	}

	session, err := c.snapshots.LoadResumable(ctx)
	if err != nil {
		return nil, err
	}

	queued, err := c.pending.PendingForTrip(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read queued actions for trip %s: %w", session.ID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = session
	c.deferred = nil
	if c.restoreLocked(queued) {
		c.persistLocked(ctx)
	}
	if session.Status == models.TripStatusInProgress {
		c.startTrackingLocked()
	}

	c.logger.Info().
		Str("trip_id", session.ID).
		Str("status", string(session.Status)).
		Msg("Trip resumed from snapshot")
	return c.copyLocked(), nil
}

// restoreLocked rolls the session forward through queued actions it does not
// reflect yet
func (c *Controller) restoreLocked(queued []models.QueuedAction) bool {
	changed := false
	for _, action := range queued {
		switch {
		case action.Kind.IsStudentScoped():
			if action.StudentID == nil {
				continue
			}
			rec := c.session.Student(*action.StudentID)
			if rec == nil {
				continue
			}
			ok, err := c.machine.Restore(rec, action)
			if err != nil {
				c.logger.Warn().Err(err).Str("action_id", action.ID).Msg("Queued action not restored")
				continue
			}
			changed = changed || ok

		case action.Kind.IsTripScoped():
			var payload models.TripActionPayload
			if err := json.Unmarshal(action.Payload, &payload); err != nil {
				c.logger.Warn().Err(err).Str("action_id", action.ID).Msg("Queued action not restored")
				continue
			}
			at := payload.RecordedAt
			switch {
			case action.Kind == models.ActionTripStart && c.session.Status == models.TripStatusScheduled:
				c.session.Status = models.TripStatusInProgress
				c.session.StartedAt = &at
				changed = true
			case action.Kind == models.ActionTripComplete && c.session.Status == models.TripStatusInProgress:
				c.session.Status = models.TripStatusCompleted
				c.session.EndedAt = &at
				changed = true
			}
		}
	}

	if changed {
		c.session.UpdatedAt = c.clock.Now().UTC()
		c.logger.Info().
			Str("trip_id", c.session.ID).
			Int("queued", len(queued)).
			Msg("Session rolled forward from queued actions")
	}
	return changed
}

// Session returns a deep copy of the current session, or nil
func (c *Controller) Session() *models.TripSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLocked()
}

func (c *Controller) copyLocked() *models.TripSession {
	if c.session == nil {
		return nil
	}
	var out models.TripSession
	if err := copier.CopyWithOption(&out, c.session, copier.Option{DeepCopy: true}); err != nil {
		c.logger.Error().Err(err).Msg("Failed to copy trip session")
		return nil
	}
	return &out
}

func (c *Controller) sessionFor(tripID string) (*models.TripSession, error) {
	if c.session == nil {
		return nil, ErrNoActiveTrip
	}
	if tripID != "" && tripID != c.session.ID {
		return nil, fmt.Errorf("%w: %s", ErrTripMismatch, tripID)
	}
	return c.session, nil
}

// StartTrip moves a scheduled trip into progress, starts the location
// sampler and subscribes to push events
func (c *Controller) StartTrip(ctx context.Context, tripID string) (*models.TripSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.sessionFor(tripID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(session.Status, models.TripStatusInProgress) {
		return nil, &TransitionError{TripID: session.ID, From: session.Status, To: models.TripStatusInProgress}
	}

	now := c.clock.Now().UTC()
	if _, err := c.dispatchTripLocked(ctx, models.ActionTripStart, now); err != nil {
		return nil, err
	}

	session.Status = models.TripStatusInProgress
	session.StartedAt = &now
	session.UpdatedAt = now

	c.startTrackingLocked()
	c.changedLocked(ctx)
	return c.copyLocked(), nil
}

// CompleteTrip finishes a trip once every non-absent student has alighted
func (c *Controller) CompleteTrip(ctx context.Context, tripID string) (*models.TripSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.sessionFor(tripID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(session.Status, models.TripStatusCompleted) {
		return nil, &TransitionError{TripID: session.ID, From: session.Status, To: models.TripStatusCompleted}
	}
	if outstanding := session.OutstandingStudents(); len(outstanding) > 0 {
		return nil, &IncompleteBoardingError{TripID: session.ID, StudentIDs: outstanding}
	}

	now := c.clock.Now().UTC()
	if _, err := c.dispatchTripLocked(ctx, models.ActionTripComplete, now); err != nil {
		return nil, err
	}

	session.Status = models.TripStatusCompleted
	session.EndedAt = &now
	session.UpdatedAt = now

	c.stopTrackingLocked()
	c.changedLocked(ctx)
	return c.copyLocked(), nil
}

// CancelTrip abandons a scheduled or running trip. Queued actions are still
// delivered.
func (c *Controller) CancelTrip(ctx context.Context, tripID string) (*models.TripSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := c.sessionFor(tripID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(session.Status, models.TripStatusCancelled) {
		return nil, &TransitionError{TripID: session.ID, From: session.Status, To: models.TripStatusCancelled}
	}

	now := c.clock.Now().UTC()
	session.Status = models.TripStatusCancelled
	session.EndedAt = &now
	session.UpdatedAt = now

	c.stopTrackingLocked()
	c.changedLocked(ctx)
	return c.copyLocked(), nil
}

// BoardingSummary aggregates the current records
func (c *Controller) BoardingSummary() (models.BoardingSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return models.BoardingSummary{}, ErrNoActiveTrip
	}
	return c.session.Summary(), nil
}

// ConfirmBoarding boards a student through the geofence gate
func (c *Controller) ConfirmBoarding(ctx context.Context, studentID string, photoRef *string, override *models.Override) (boarding.Result, error) {
	return c.studentChange(ctx, studentID, func(session *models.TripSession) (boarding.Result, error) {
		return c.machine.ConfirmBoarding(ctx, session, studentID, photoRef, override)
	})
}

// ConfirmAlighting drops a student off through the geofence gate
func (c *Controller) ConfirmAlighting(ctx context.Context, studentID string, photoRef *string, override *models.Override) (boarding.Result, error) {
	return c.studentChange(ctx, studentID, func(session *models.TripSession) (boarding.Result, error) {
		return c.machine.ConfirmAlighting(ctx, session, studentID, photoRef, override)
	})
}

// MarkAbsent records a pending student as absent
func (c *Controller) MarkAbsent(ctx context.Context, studentID string, reason *string) (boarding.Result, error) {
	return c.studentChange(ctx, studentID, func(session *models.TripSession) (boarding.Result, error) {
		return c.machine.MarkAbsent(ctx, session, studentID, reason)
	})
}

// studentChange runs change against a private copy of the student's record
// so the location wait and the dispatch happen without holding c.mu. The
// student stays marked in flight until the result is written back.
func (c *Controller) studentChange(ctx context.Context, studentID string, change func(*models.TripSession) (boarding.Result, error)) (boarding.Result, error) {
	c.mu.Lock()
	session, err := c.sessionFor("")
	if err != nil {
		c.mu.Unlock()
		return boarding.Result{}, err
	}
	if c.inflight[studentID] {
		c.mu.Unlock()
		return boarding.Result{}, fmt.Errorf("%w: %s", ErrChangeInProgress, studentID)
	}
	work := workingCopy(session, studentID)
	c.inflight[studentID] = true
	c.mu.Unlock()

	res, err := change(work)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, studentID)
	if err != nil {
		return res, err
	}

	if c.session != nil && c.session.ID == work.ID {
		if rec := c.session.Student(studentID); rec != nil {
			*rec = res.Record
			c.session.UpdatedAt = work.UpdatedAt
			c.persistLocked(ctx)
		}
	}
	c.publisher.Publish(NoticeStudentUpdated, res.Record)

	if len(c.deferred) > 0 {
		c.replayLocked(ctx)
	}
	return res, nil
}

// workingCopy returns the session header with only studentID's record,
// copied
func workingCopy(session *models.TripSession, studentID string) *models.TripSession {
	work := &models.TripSession{
		ID:             session.ID,
		RouteID:        session.RouteID,
		VehicleID:      session.VehicleID,
		ScheduledStart: session.ScheduledStart,
		ScheduledEnd:   session.ScheduledEnd,
		Status:         session.Status,
		UpdatedAt:      session.UpdatedAt,
	}
	if rec := session.Student(studentID); rec != nil {
		copied := *rec
		work.Students = []*models.StudentBoardingRecord{&copied}
	}
	return work
}

// ETAToStudentStop estimates arrival at the student's next stop: pickup while
// pending, dropoff while boarded
func (c *Controller) ETAToStudentStop(studentID string) (models.ETAEstimate, error) {
	c.mu.Lock()
	session, err := c.sessionFor("")
	if err != nil {
		c.mu.Unlock()
		return models.ETAEstimate{}, err
	}
	rec := session.Student(studentID)
	if rec == nil {
		c.mu.Unlock()
		return models.ETAEstimate{}, fmt.Errorf("%w: %s", boarding.ErrUnknownStudent, studentID)
	}
	status, pickup, dropoff := rec.Status, rec.PickupStop, rec.DropoffStop
	c.mu.Unlock()

	var stop models.Stop
	switch status {
	case models.BoardingStatusPending:
		stop = pickup
	case models.BoardingStatusBoarded:
		stop = dropoff
	default:
		return models.ETAEstimate{}, fmt.Errorf("%w: %s is %s", ErrNoETA, studentID, status)
	}

	sample, ok := c.sampler.CurrentSample()
	if !ok || !c.sampler.Live() {
		return models.ETAEstimate{}, location.ErrLocationUnavailable
	}

	est, err := geo.EstimateETA(sample.Point(), stop.Location, c.cfg.AvgSpeedKmh, c.clock.Now().UTC())
	if err != nil {
		return models.ETAEstimate{}, err
	}
	return models.ETAEstimate{
		StudentID:   studentID,
		StopID:      stop.ID,
		DistanceKm:  est.DistanceKm,
		ETAMinutes:  est.ETAMinutes,
		ArrivalTime: est.ArrivalTime,
	}, nil
}

// RaiseEmergency sends an emergency alert for the loaded trip, attaching the
// latest position when one is known
func (c *Controller) RaiseEmergency(ctx context.Context, reason *string) (models.DispatchOutcome, error) {
	c.mu.Lock()
	session, err := c.sessionFor("")
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	tripID := session.ID
	c.mu.Unlock()

	payload := models.EmergencyPayload{TripID: tripID, Reason: reason}
	if sample, ok := c.sampler.CurrentSample(); ok {
		payload.Latitude = &sample.Latitude
		payload.Longitude = &sample.Longitude
	}

	action, err := newAction(tripID, models.ActionEmergencyAlert, nil, payload, c.clock.Now().UTC())
	if err != nil {
		return "", err
	}
	outcome, err := c.dispatcher.Dispatch(ctx, action)
	if err != nil {
		return outcome, err
	}

	c.logger.Error().Str("trip_id", tripID).Str("outcome", string(outcome)).Msg("Emergency raised")
	c.publisher.Publish(NoticeEmergency, payload)

	if c.alerter != nil {
		body := "Emergency raised on trip " + tripID
		if reason != nil {
			body += ": " + *reason
		}
		data := map[string]string{"type": "emergency", "trip_id": tripID}
		if err := c.alerter.Alert(ctx, "Emergency alert", body, data); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send emergency notification")
		}
	}
	return outcome, nil
}

func (c *Controller) dispatchTripLocked(ctx context.Context, kind models.ActionKind, at time.Time) (models.DispatchOutcome, error) {
	payload := models.TripActionPayload{TripID: c.session.ID, RecordedAt: at}
	return c.dispatchLocked(ctx, kind, nil, payload, at)
}

func (c *Controller) dispatchLocked(ctx context.Context, kind models.ActionKind, studentID *string, payload any, at time.Time) (models.DispatchOutcome, error) {
	action, err := newAction(c.session.ID, kind, studentID, payload, at)
	if err != nil {
		return "", err
	}
	return c.dispatcher.Dispatch(ctx, action)
}

func newAction(tripID string, kind models.ActionKind, studentID *string, payload any, at time.Time) (models.QueuedAction, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.QueuedAction{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return models.QueuedAction{
		ID:         uuid.NewString(),
		TripID:     tripID,
		StudentID:  studentID,
		Kind:       kind,
		Payload:    body,
		EnqueuedAt: at,
	}, nil
}

// startTrackingLocked starts the sampler and the push subscription. Sampler
// failures (permission denied) leave the trip running with liveness false.
func (c *Controller) startTrackingLocked() {
	err := c.sampler.Start(
		func(s models.GeoSample) { c.Submit(Event{Kind: EventSample, Sample: &s}) },
		func(live bool) { c.Submit(Event{Kind: EventLiveness, Live: live}) },
	)
	if err != nil && !errors.Is(err, location.ErrAlreadyStarted) {
		c.logger.Error().Err(err).Str("trip_id", c.session.ID).Msg("Location sampling unavailable")
	}

	if c.push != nil && c.pushCancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.pushCancel = cancel
		go c.subscribe(ctx)
	}
}

func (c *Controller) stopTrackingLocked() {
	c.sampler.Stop()
	if c.pushCancel != nil {
		c.pushCancel()
		c.pushCancel = nil
	}
}

func (c *Controller) subscribe(ctx context.Context) {
	remoteEvents := make(chan models.RemoteEvent, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-remoteEvents:
				c.Submit(Event{Kind: EventRemote, Remote: &ev})
			}
		}
	}()

	if err := c.push.Run(ctx, remoteEvents); err != nil {
		c.logger.Error().Err(err).Msg("Push subscription ended")
	}
}

// changedLocked persists and announces a trip-level change
func (c *Controller) changedLocked(ctx context.Context) {
	c.persistLocked(ctx)
	c.observer.TripStatusChanged(c.session.Status)
	c.publisher.Publish(NoticeTripUpdated, c.copyLocked())

	c.logger.Info().
		Str("trip_id", c.session.ID).
		Str("status", string(c.session.Status)).
		Msg("Trip status changed")
}

func (c *Controller) persistLocked(ctx context.Context) {
	if c.snapshots == nil || c.session == nil {
		return
	}
	if err := c.snapshots.Save(ctx, c.session); err != nil {
		c.logger.Error().Err(err).Str("trip_id", c.session.ID).Msg("Failed to save trip snapshot")
	}
}

// Close stops sampling and the push subscription
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTrackingLocked()
}
