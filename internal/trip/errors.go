package trip

import (
	"errors"
	"fmt"
	"strings"

	"schooltrip-engine/internal/models"
)

var (
	ErrNoActiveTrip          = errors.New("no trip loaded")
	ErrTripMismatch          = errors.New("trip id does not match the loaded trip")
	ErrTripLoaded            = errors.New("another trip is still active")
	ErrInvalidTripTransition = errors.New("invalid trip transition")
	ErrIncompleteBoarding    = errors.New("students still on board or pending")
	ErrSyncConflict          = errors.New("remote event deferred until local actions drain")
	ErrNoETA                 = errors.New("student has no remaining stop")
	ErrChangeInProgress      = errors.New("a change for this student is already being recorded")
)

// IncompleteBoardingError lists the students blocking trip completion
type IncompleteBoardingError struct {
	TripID     string
	StudentIDs []string
}

func (e *IncompleteBoardingError) Error() string {
	return fmt.Sprintf("trip %s cannot complete: %d student(s) not alighted: %s",
		e.TripID, len(e.StudentIDs), strings.Join(e.StudentIDs, ", "))
}

func (e *IncompleteBoardingError) Unwrap() error { return ErrIncompleteBoarding }

// TransitionError names a refused trip status change
type TransitionError struct {
	TripID string
	From   models.TripStatus
	To     models.TripStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("trip %s: cannot move from %s to %s", e.TripID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTripTransition }

var tripTransitions = map[models.TripStatus][]models.TripStatus{
	models.TripStatusScheduled:  {models.TripStatusInProgress, models.TripStatusCancelled},
	models.TripStatusInProgress: {models.TripStatusCompleted, models.TripStatusCancelled},
}

// CanTransition reports whether a trip may move from one status to another
func CanTransition(from, to models.TripStatus) bool {
	for _, next := range tripTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
