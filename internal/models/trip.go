package models

import (
	"database/sql"
	"time"

	"schooltrip-engine/internal/geo"
)

// TripStatus represents the lifecycle state of a trip session
type TripStatus string

const (
	TripStatusScheduled  TripStatus = "scheduled"   // Driver assigned, not started
	TripStatusInProgress TripStatus = "in_progress" // Trip running, sampler active
	TripStatusCompleted  TripStatus = "completed"   // Every non-absent student alighted
	TripStatusCancelled  TripStatus = "cancelled"   // Cancelled before completion
)

// IsTerminal returns true for statuses a trip never leaves
func (s TripStatus) IsTerminal() bool {
	return s == TripStatusCompleted || s == TripStatusCancelled
}

// BoardingStatus represents a student's state on a single trip
type BoardingStatus string

const (
	BoardingStatusPending  BoardingStatus = "pending"
	BoardingStatusBoarded  BoardingStatus = "boarded"
	BoardingStatusAlighted BoardingStatus = "alighted"
	BoardingStatusAbsent   BoardingStatus = "absent"
)

// IsTerminal returns true once the student is done for this trip
func (s BoardingStatus) IsTerminal() bool {
	return s == BoardingStatusAlighted || s == BoardingStatusAbsent
}

// Stop is a pickup or dropoff point on the route
type Stop struct {
	ID       string    `json:"id" yaml:"id"`
	Name     string    `json:"name,omitempty" yaml:"name"`
	Location geo.Point `json:"location" yaml:"location"`
}

// StudentBoardingRecord is the per-student, per-trip attendance entry.
// Fields are only written through the boarding package.
type StudentBoardingRecord struct {
	TripID            string         `json:"trip_id"`
	StudentID         string         `json:"student_id"`
	StudentName       string         `json:"student_name,omitempty"`
	Status            BoardingStatus `json:"status"`
	PickupStop        Stop           `json:"pickup_stop"`
	DropoffStop       Stop           `json:"dropoff_stop"`
	BoardedAt         *time.Time     `json:"boarded_at,omitempty"`
	BoardingPhotoRef  *string        `json:"boarding_photo_ref,omitempty"`
	AlightedAt        *time.Time     `json:"alighted_at,omitempty"`
	AlightingPhotoRef *string        `json:"alighting_photo_ref,omitempty"`
	AbsenceReason     *string        `json:"absence_reason,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TripSession is the driver's active (or scheduled) trip and its roster
type TripSession struct {
	ID                 string                   `json:"id"`
	RouteID            string                   `json:"route_id"`
	VehicleID          string                   `json:"vehicle_id"`
	ScheduledStart     time.Time                `json:"scheduled_start"`
	ScheduledEnd       time.Time                `json:"scheduled_end"`
	Status             TripStatus               `json:"status"`
	StartedAt          *time.Time               `json:"started_at,omitempty"`
	EndedAt            *time.Time               `json:"ended_at,omitempty"`
	Students           []*StudentBoardingRecord `json:"students"`
	LastRemoteLocation *GeoSample               `json:"last_remote_location,omitempty"`
	UpdatedAt          time.Time                `json:"updated_at"`
}

// Student returns the record for studentID, or nil
func (t *TripSession) Student(studentID string) *StudentBoardingRecord {
	for _, rec := range t.Students {
		if rec.StudentID == studentID {
			return rec
		}
	}
	return nil
}

// OutstandingStudents returns ids of non-absent students that have not alighted
func (t *TripSession) OutstandingStudents() []string {
	var ids []string
	for _, rec := range t.Students {
		if rec.Status != BoardingStatusAlighted && rec.Status != BoardingStatusAbsent {
			ids = append(ids, rec.StudentID)
		}
	}
	return ids
}

// BoardingSummary aggregates per-student states. Never stored.
type BoardingSummary struct {
	Total    int `json:"total"`
	Boarded  int `json:"boarded"`
	Alighted int `json:"alighted"`
	Pending  int `json:"pending"`
	Absent   int `json:"absent"`
}

// Summary recomputes the boarding summary from the records
func (t *TripSession) Summary() BoardingSummary {
	summary := BoardingSummary{Total: len(t.Students)}
	for _, rec := range t.Students {
		switch rec.Status {
		case BoardingStatusPending:
			summary.Pending++
		case BoardingStatusBoarded:
			summary.Boarded++
		case BoardingStatusAlighted:
			summary.Alighted++
		case BoardingStatusAbsent:
			summary.Absent++
		}
	}
	return summary
}

// ETAEstimate is derived on request from the current sample and a target stop
type ETAEstimate struct {
	StudentID   string    `json:"student_id,omitempty"`
	StopID      string    `json:"stop_id"`
	DistanceKm  float64   `json:"distance_km"`
	ETAMinutes  int       `json:"eta_minutes"`
	ArrivalTime time.Time `json:"arrival_time"`
}

// ToNullString converts a pointer to string to sql.NullString
func ToNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}

// FromNullString converts sql.NullString to pointer to string
func FromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}
