package boarding

import (
	"errors"
	"fmt"

	"schooltrip-engine/internal/location"
	"schooltrip-engine/internal/models"
)

var (
	ErrGeofenceViolation   = errors.New("outside geofence")
	ErrLocationUnavailable = location.ErrLocationUnavailable
	ErrAlreadyInState      = errors.New("student already in requested state")
	ErrInvalidTransition   = errors.New("invalid boarding transition")
	ErrUnknownStudent      = errors.New("student not on trip roster")
	ErrTripNotActive       = errors.New("trip is not in progress")
	ErrOverrideNotAllowed  = errors.New("geofence override is disabled")
	ErrOverrideIncomplete  = errors.New("geofence override needs an operator and a reason")
)

// GeofenceViolationError carries how far the device was from the stop
type GeofenceViolationError struct {
	StudentID      string
	StopID         string
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *GeofenceViolationError) Error() string {
	return fmt.Sprintf("student %s: %.0fm from stop %s, limit %.0fm",
		e.StudentID, e.DistanceMeters, e.StopID, e.RadiusMeters)
}

func (e *GeofenceViolationError) Unwrap() error { return ErrGeofenceViolation }

// TransitionError names a refused status change
type TransitionError struct {
	StudentID string
	From      models.BoardingStatus
	To        models.BoardingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("student %s: cannot move from %s to %s", e.StudentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
