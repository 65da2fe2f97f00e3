package models

import (
	"encoding/json"
	"time"
)

// ActionKind identifies the remote operation a queued action maps to
type ActionKind string

const (
	ActionBoarding       ActionKind = "boarding"        // POST /trips/{id}/boarding/pickup
	ActionAlighting      ActionKind = "alighting"       // POST /trips/{id}/alighting/dropoff
	ActionAbsence        ActionKind = "absence"         // POST /trips/{id}/attendance/absent
	ActionLocationPing   ActionKind = "location_ping"   // POST /location
	ActionEmergencyAlert ActionKind = "emergency_alert" // POST /emergency
	ActionTripStart      ActionKind = "trip_start"      // POST /trips/{id}/start
	ActionTripComplete   ActionKind = "trip_complete"   // POST /trips/{id}/complete
)

// IsStudentScoped returns true for kinds that carry a student id
func (k ActionKind) IsStudentScoped() bool {
	switch k {
	case ActionBoarding, ActionAlighting, ActionAbsence:
		return true
	}
	return false
}

// IsTripScoped returns true for trip lifecycle kinds
func (k ActionKind) IsTripScoped() bool {
	return k == ActionTripStart || k == ActionTripComplete
}

// DefaultMaxRetries bounds delivery attempts before an action is dead-lettered
const DefaultMaxRetries = 3

// QueuedAction is a durable remote mutation intent awaiting delivery
type QueuedAction struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq"` // Enqueue order, assigned by the store
	TripID     string          `json:"trip_id"`
	StudentID  *string         `json:"student_id,omitempty"`
	Kind       ActionKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  *string         `json:"last_error,omitempty"`
}

// DeadLetter is an action that exhausted its retries. It stays until an
// operator acknowledges it.
type DeadLetter struct {
	QueuedAction
	FailedAt time.Time `json:"failed_at"`
}

// QueueStats reports queue occupancy
type QueueStats struct {
	Total             int `json:"total"`
	Pending           int `json:"pending"`
	PermanentlyFailed int `json:"permanently_failed"`
}

// StudentActionPayload is the body for boarding, alighting and absence calls
type StudentActionPayload struct {
	StudentID  string    `json:"studentId"`
	Photo      *string   `json:"photo,omitempty"`
	Reason     *string   `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
	Latitude   *float64  `json:"lat,omitempty"`
	Longitude  *float64  `json:"lon,omitempty"`
	Override   *Override `json:"override,omitempty"`
}

// Override records an operator-approved geofence bypass
type Override struct {
	OperatorID     string  `json:"operatorId"`
	Reason         string  `json:"reason"`
	DistanceMeters float64 `json:"distanceMeters"`
}

// LocationPayload is the body for POST /location
type LocationPayload struct {
	TripID     string    `json:"tripId,omitempty"`
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// EmergencyPayload is the body for POST /emergency
type EmergencyPayload struct {
	TripID    string   `json:"tripId"`
	Reason    *string  `json:"reason,omitempty"`
	Latitude  *float64 `json:"lat,omitempty"`
	Longitude *float64 `json:"lon,omitempty"`
}

// TripActionPayload is the body for trip start and complete calls
type TripActionPayload struct {
	TripID     string    `json:"tripId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// DispatchOutcome is the tagged result of handing an action to the remote
type DispatchOutcome string

const (
	OutcomeApplied  DispatchOutcome = "applied"  // Remote confirmed synchronously
	OutcomeQueued   DispatchOutcome = "queued"   // Stored for background delivery
	OutcomeRejected DispatchOutcome = "rejected" // Remote refused; no local change
)
