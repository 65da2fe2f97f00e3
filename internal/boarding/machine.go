// Package boarding is the only writer of student boarding records. Every
// driver-confirmed change is gated here and turned into exactly one remote
// action.
package boarding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"schooltrip-engine/internal/clock"
	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/models"
)

const DefaultRadiusMeters = 50.0

// LocationSource is the sampler view the geofence gate needs
type LocationSource interface {
	WaitFresh(ctx context.Context, timeout time.Duration) (models.GeoSample, error)
}

// Dispatcher delivers or queues an action. A rejected outcome comes with an
// error and means the remote refused the change.
type Dispatcher interface {
	Dispatch(ctx context.Context, action models.QueuedAction) (models.DispatchOutcome, error)
}

// Observer receives gate decisions for metrics
type Observer interface {
	GeofenceChecked(kind models.ActionKind, distanceMeters float64, violated bool)
	TransitionApplied(to models.BoardingStatus, outcome models.DispatchOutcome)
}

type nopObserver struct{}

func (nopObserver) GeofenceChecked(models.ActionKind, float64, bool) {}
func (nopObserver) TransitionApplied(models.BoardingStatus, models.DispatchOutcome) {}

// Config controls the geofence gate
type Config struct {
	RadiusMeters  float64
	AllowOverride bool          // operator overrides are refused unless set
	WaitTimeout   time.Duration // bound on waiting for a fresh sample
}

// Machine applies confirmed transitions to records of an in-progress trip
type Machine struct {
	location   LocationSource
	dispatcher Dispatcher
	cfg        Config
	clock      clock.Clock
	observer   Observer
	logger     zerolog.Logger
}

// Option configures a Machine
type Option func(*Machine)

func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observer = o
		}
	}
}

// NewMachine wires the gate to a location source and a dispatcher
func NewMachine(loc LocationSource, dispatcher Dispatcher, cfg Config, opts ...Option) *Machine {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = DefaultRadiusMeters
	}
	m := &Machine{
		location:   loc,
		dispatcher: dispatcher,
		cfg:        cfg,
		clock:      clock.Real(),
		observer:   nopObserver{},
		logger:     log.With().Str("component", "boarding").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Result is a successful transition
type Result struct {
	Record  models.StudentBoardingRecord `json:"record"`
	Outcome models.DispatchOutcome       `json:"outcome"`
}

// ConfirmBoarding moves a pending student to boarded when the device is
// within the pickup geofence. override is honoured only when the machine is
// configured to allow it.
func (m *Machine) ConfirmBoarding(ctx context.Context, trip *models.TripSession, studentID string, photoRef *string, override *models.Override) (Result, error) {
	rec, err := m.prepare(trip, studentID, models.BoardingStatusBoarded)
	if err != nil {
		return Result{}, err
	}

	sample, ov, err := m.gate(ctx, rec, rec.PickupStop, models.ActionBoarding, override)
	if err != nil {
		return Result{}, err
	}

	now := m.clock.Now().UTC()
	payload := models.StudentActionPayload{
		StudentID:  studentID,
		Photo:      photoRef,
		RecordedAt: now,
		Latitude:   &sample.Latitude,
		Longitude:  &sample.Longitude,
		Override:   ov,
	}

	return m.commit(ctx, trip, rec, models.ActionBoarding, payload, func() {
		rec.Status = models.BoardingStatusBoarded
		rec.BoardedAt = &now
		rec.BoardingPhotoRef = photoRef
		rec.UpdatedAt = now
	})
}

// ConfirmAlighting moves a boarded student to alighted at the dropoff stop
func (m *Machine) ConfirmAlighting(ctx context.Context, trip *models.TripSession, studentID string, photoRef *string, override *models.Override) (Result, error) {
	rec, err := m.prepare(trip, studentID, models.BoardingStatusAlighted)
	if err != nil {
		return Result{}, err
	}

	sample, ov, err := m.gate(ctx, rec, rec.DropoffStop, models.ActionAlighting, override)
	if err != nil {
		return Result{}, err
	}

	now := m.clock.Now().UTC()
	payload := models.StudentActionPayload{
		StudentID:  studentID,
		Photo:      photoRef,
		RecordedAt: now,
		Latitude:   &sample.Latitude,
		Longitude:  &sample.Longitude,
		Override:   ov,
	}

	return m.commit(ctx, trip, rec, models.ActionAlighting, payload, func() {
		rec.Status = models.BoardingStatusAlighted
		rec.AlightedAt = &now
		rec.AlightingPhotoRef = photoRef
		rec.UpdatedAt = now
	})
}

// MarkAbsent records a pending student as absent. No geofence applies.
func (m *Machine) MarkAbsent(ctx context.Context, trip *models.TripSession, studentID string, reason *string) (Result, error) {
	rec, err := m.prepare(trip, studentID, models.BoardingStatusAbsent)
	if err != nil {
		return Result{}, err
	}

	now := m.clock.Now().UTC()
	payload := models.StudentActionPayload{
		StudentID:  studentID,
		Reason:     reason,
		RecordedAt: now,
	}

	return m.commit(ctx, trip, rec, models.ActionAbsence, payload, func() {
		rec.Status = models.BoardingStatusAbsent
		rec.AbsenceReason = reason
		rec.UpdatedAt = now
	})
}

func (m *Machine) prepare(trip *models.TripSession, studentID string, to models.BoardingStatus) (*models.StudentBoardingRecord, error) {
	if trip == nil || trip.Status != models.TripStatusInProgress {
		return nil, ErrTripNotActive
	}

	rec := trip.Student(studentID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}

	if rec.Status == to {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyInState, studentID, to)
	}
	if !CanTransition(rec.Status, to) {
		return nil, &TransitionError{StudentID: studentID, From: rec.Status, To: to}
	}
	return rec, nil
}

// gate waits for a fresh sample and checks it against stop
func (m *Machine) gate(ctx context.Context, rec *models.StudentBoardingRecord, stop models.Stop, kind models.ActionKind, override *models.Override) (models.GeoSample, *models.Override, error) {
	sample, err := m.location.WaitFresh(ctx, m.cfg.WaitTimeout)
	if err != nil {
		if errors.Is(err, ErrLocationUnavailable) {
			return models.GeoSample{}, nil, err
		}
		return models.GeoSample{}, nil, fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}

	distance := geo.DistanceMeters(sample.Point(), stop.Location)
	inside := geo.IsWithinGeofence(sample.Point(), stop.Location, m.cfg.RadiusMeters)
	m.observer.GeofenceChecked(kind, distance, !inside)

	if inside {
		return sample, nil, nil
	}

	logger := m.logger.With().
		Str("trip_id", rec.TripID).
		Str("student_id", rec.StudentID).
		Str("stop_id", stop.ID).
		Float64("distance_m", distance).
		Float64("radius_m", m.cfg.RadiusMeters).
		Logger()

	if override == nil {
		logger.Warn().Msg("Geofence violation")
		return models.GeoSample{}, nil, &GeofenceViolationError{
			StudentID:      rec.StudentID,
			StopID:         stop.ID,
			DistanceMeters: distance,
			RadiusMeters:   m.cfg.RadiusMeters,
		}
	}
	if !m.cfg.AllowOverride {
		logger.Warn().Str("operator_id", override.OperatorID).Msg("Geofence override refused")
		return models.GeoSample{}, nil, ErrOverrideNotAllowed
	}
	if override.OperatorID == "" || override.Reason == "" {
		return models.GeoSample{}, nil, ErrOverrideIncomplete
	}

	ov := *override
	ov.DistanceMeters = distance
	logger.Warn().Str("operator_id", ov.OperatorID).Str("reason", ov.Reason).Msg("Geofence overridden by operator")
	return sample, &ov, nil
}

// commit dispatches the action and applies the change unless it was rejected
func (m *Machine) commit(ctx context.Context, trip *models.TripSession, rec *models.StudentBoardingRecord, kind models.ActionKind, payload models.StudentActionPayload, apply func()) (Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	studentID := rec.StudentID
	action := models.QueuedAction{
		ID:         uuid.NewString(),
		TripID:     trip.ID,
		StudentID:  &studentID,
		Kind:       kind,
		Payload:    body,
		EnqueuedAt: payload.RecordedAt,
	}

	outcome, err := m.dispatcher.Dispatch(ctx, action)
	if err != nil {
		return Result{Outcome: outcome}, err
	}

	apply()
	trip.UpdatedAt = rec.UpdatedAt
	m.observer.TransitionApplied(rec.Status, outcome)

	m.logger.Info().
		Str("trip_id", trip.ID).
		Str("student_id", studentID).
		Str("status", string(rec.Status)).
		Str("outcome", string(outcome)).
		Str("action_id", action.ID).
		Msg("Boarding record updated")

	return Result{Record: *rec, Outcome: outcome}, nil
}

// ApplyRemote folds a status reported by the remote authority into rec.
// Only forward moves are applied; alighted on a pending record catches up
// through boarded. It reports whether anything changed.
func (m *Machine) ApplyRemote(rec *models.StudentBoardingRecord, to models.BoardingStatus, at time.Time) (bool, error) {
	if rec.Status == to {
		return false, nil
	}

	if at.IsZero() {
		at = m.clock.Now().UTC()
	}

	switch {
	case rec.Status == models.BoardingStatusPending && to == models.BoardingStatusAlighted:
		rec.BoardedAt = &at
		rec.Status = models.BoardingStatusAlighted
		rec.AlightedAt = &at
	case CanTransition(rec.Status, to):
		rec.Status = to
		switch to {
		case models.BoardingStatusBoarded:
			rec.BoardedAt = &at
		case models.BoardingStatusAlighted:
			rec.AlightedAt = &at
		}
	default:
		return false, &TransitionError{StudentID: rec.StudentID, From: rec.Status, To: to}
	}

	rec.UpdatedAt = m.clock.Now().UTC()
	return true, nil
}

// Restore rolls rec forward to the state a still-queued action of this
// student implies. It covers a restart between dispatch and the snapshot
// write, so the same confirmation is never emitted twice. Actions the record
// already reflects are ignored. It reports whether anything changed.
func (m *Machine) Restore(rec *models.StudentBoardingRecord, action models.QueuedAction) (bool, error) {
	if action.StudentID == nil || *action.StudentID != rec.StudentID {
		return false, nil
	}

	var payload models.StudentActionPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return false, fmt.Errorf("failed to decode %s action %s: %w", action.Kind, action.ID, err)
	}
	at := payload.RecordedAt
	if at.IsZero() {
		at = action.EnqueuedAt
	}

	switch action.Kind {
	case models.ActionBoarding:
		if rec.Status != models.BoardingStatusPending {
			return false, nil
		}
		rec.Status = models.BoardingStatusBoarded
		rec.BoardedAt = &at
		rec.BoardingPhotoRef = payload.Photo

	case models.ActionAlighting:
		switch rec.Status {
		case models.BoardingStatusPending:
			rec.BoardedAt = &at
		case models.BoardingStatusBoarded:
		default:
			return false, nil
		}
		rec.Status = models.BoardingStatusAlighted
		rec.AlightedAt = &at
		rec.AlightingPhotoRef = payload.Photo

	case models.ActionAbsence:
		if rec.Status != models.BoardingStatusPending {
			return false, nil
		}
		rec.Status = models.BoardingStatusAbsent
		rec.AbsenceReason = payload.Reason

	default:
		return false, nil
	}

	rec.UpdatedAt = at
	m.logger.Info().
		Str("trip_id", rec.TripID).
		Str("student_id", rec.StudentID).
		Str("status", string(rec.Status)).
		Str("action_id", action.ID).
		Msg("Boarding record restored from queued action")
	return true, nil
}
