package trip

import (
	"context"
	"errors"
	"fmt"

	"schooltrip-engine/internal/boarding"
	"schooltrip-engine/internal/models"
)

// EventKind tags what an Event carries
type EventKind int

const (
	EventRemote EventKind = iota + 1
	EventSample
	EventLiveness
)

func (k EventKind) String() string {
	switch k {
	case EventRemote:
		return "remote"
	case EventSample:
		return "sample"
	case EventLiveness:
		return "liveness"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one input to the controller loop
type Event struct {
	Kind   EventKind
	Remote *models.RemoteEvent
	Sample *models.GeoSample
	Live   bool
}

// Submit queues an event for Run without blocking. It reports false when the
// buffer is full and the event was dropped.
func (c *Controller) Submit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		c.logger.Warn().Stringer("event", ev.Kind).Msg("Controller event buffer full, dropping event")
		return false
	}
}

// Run consumes submitted events one at a time until ctx is cancelled
func (c *Controller) Run(ctx context.Context) {
	c.logger.Info().Msg("Trip controller loop started")
	defer c.logger.Info().Msg("Trip controller loop stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventRemote:
		if ev.Remote == nil {
			return
		}
		err := c.ApplyRemoteEvent(ctx, *ev.Remote)
		if errors.Is(err, ErrSyncConflict) {
			return
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("event", string(ev.Remote.Type)).Msg("Remote event not applied")
		}

	case EventSample:
		if ev.Sample != nil {
			c.onSample(ctx, *ev.Sample)
		}

	case EventLiveness:
		c.observer.LivenessChanged(ev.Live)
		c.publisher.Publish(NoticeLiveness, map[string]bool{"live": ev.Live})
	}
}

func (c *Controller) onSample(ctx context.Context, sample models.GeoSample) {
	c.publisher.Publish(NoticeLocation, sample)

	if !c.cfg.ReportLocation {
		return
	}

	c.mu.Lock()
	if c.session == nil || c.session.Status != models.TripStatusInProgress {
		c.mu.Unlock()
		return
	}
	tripID := c.session.ID
	c.mu.Unlock()

	payload := models.LocationPayload{
		TripID:     tripID,
		Latitude:   sample.Latitude,
		Longitude:  sample.Longitude,
		Speed:      sample.Speed,
		Heading:    sample.Heading,
		Accuracy:   sample.Accuracy,
		CapturedAt: sample.CapturedAt,
	}
	action, err := newAction(tripID, models.ActionLocationPing, nil, payload, c.clock.Now().UTC())
	if err == nil {
		_, err = c.dispatcher.Dispatch(ctx, action)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Location ping not delivered")
	}
}

// ApplyRemoteEvent merges a backend push event into the session. Events that
// touch a student (or the trip lifecycle) with undelivered local actions are
// deferred and ErrSyncConflict is returned; ReplayDeferred retries them.
func (c *Controller) ApplyRemoteEvent(ctx context.Context, ev models.RemoteEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, ev)
}

func (c *Controller) applyLocked(ctx context.Context, ev models.RemoteEvent) error {
	if c.session == nil || c.session.ID != ev.TripID {
		c.logger.Debug().Str("trip_id", ev.TripID).Str("event", string(ev.Type)).Msg("Ignoring event for another trip")
		return nil
	}

	logger := c.logger.With().
		Str("trip_id", ev.TripID).
		Str("event", string(ev.Type)).
		Str("student_id", ev.StudentID).
		Logger()

	switch ev.Type {
	case models.EventLocationUpdate:
		if ev.Location == nil {
			return fmt.Errorf("%s event without location", ev.Type)
		}
		loc := *ev.Location
		c.session.LastRemoteLocation = &loc
		c.publisher.Publish(NoticeRemoteLocation, loc)
		c.observer.RemoteEventApplied(ev.Type)
		return nil

	case models.EventStudentBoarded, models.EventStudentAlighted:
		rec := c.session.Student(ev.StudentID)
		if rec == nil {
			return fmt.Errorf("%w: %s", boarding.ErrUnknownStudent, ev.StudentID)
		}

		if c.inflight[ev.StudentID] {
			return c.deferLocked(ev)
		}
		pending, err := c.pending.HasPendingForStudent(ctx, ev.TripID, ev.StudentID)
		if err != nil {
			return err
		}
		if pending {
			return c.deferLocked(ev)
		}

		to := models.BoardingStatusBoarded
		if ev.Type == models.EventStudentAlighted {
			to = models.BoardingStatusAlighted
		}

		changed, err := c.machine.ApplyRemote(rec, to, ev.OccurredAt)
		if errors.Is(err, boarding.ErrInvalidTransition) {
			// Local state is ahead or terminal; keep it
			logger.Info().Str("local_status", string(rec.Status)).Msg("Remote event contradicts local state, keeping local")
			return nil
		}
		if err != nil {
			return err
		}
		if changed {
			c.session.UpdatedAt = rec.UpdatedAt
			c.persistLocked(ctx)
			c.publisher.Publish(NoticeStudentUpdated, *rec)
			logger.Info().Str("status", string(rec.Status)).Msg("Remote boarding change applied")
		}
		c.observer.RemoteEventApplied(ev.Type)
		return nil

	case models.EventTripStatusChanged:
		pending, err := c.pending.HasPendingTripAction(ctx, ev.TripID)
		if err != nil {
			return err
		}
		if pending {
			return c.deferLocked(ev)
		}

		if ev.Status == c.session.Status {
			return nil
		}
		if !CanTransition(c.session.Status, ev.Status) {
			logger.Info().
				Str("local_status", string(c.session.Status)).
				Str("remote_status", string(ev.Status)).
				Msg("Remote trip status would regress, keeping local")
			return nil
		}

		at := ev.OccurredAt
		if at.IsZero() {
			at = c.clock.Now().UTC()
		}
		c.session.Status = ev.Status
		c.session.UpdatedAt = c.clock.Now().UTC()
		switch ev.Status {
		case models.TripStatusInProgress:
			c.session.StartedAt = &at
			c.startTrackingLocked()
		case models.TripStatusCompleted, models.TripStatusCancelled:
			c.session.EndedAt = &at
			c.stopTrackingLocked()
		}

		c.changedLocked(ctx)
		c.observer.RemoteEventApplied(ev.Type)
		return nil
	}

	return fmt.Errorf("unhandled remote event type %q", ev.Type)
}

func (c *Controller) deferLocked(ev models.RemoteEvent) error {
	c.deferred = append(c.deferred, ev)
	c.observer.RemoteEventDeferred(ev.Type)
	c.logger.Info().
		Str("trip_id", ev.TripID).
		Str("student_id", ev.StudentID).
		Str("event", string(ev.Type)).
		Int("deferred", len(c.deferred)).
		Msg("Remote event deferred until local actions sync")
	return ErrSyncConflict
}

// DeferredEvents returns how many remote events await replay
func (c *Controller) DeferredEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred)
}

// ReplayDeferred retries deferred events in arrival order. Events still
// blocked by local actions are deferred again. It returns how many were
// applied.
func (c *Controller) ReplayDeferred(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replayLocked(ctx)
}

func (c *Controller) replayLocked(ctx context.Context) int {
	events := c.deferred
	c.deferred = nil

	applied := 0
	for _, ev := range events {
		err := c.applyLocked(ctx, ev)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrSyncConflict):
		default:
			c.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("Deferred event dropped")
		}
	}

	if len(events) > 0 {
		c.logger.Info().Int("replayed", applied).Int("still_deferred", len(c.deferred)).Msg("Deferred remote events replayed")
	}
	return applied
}
