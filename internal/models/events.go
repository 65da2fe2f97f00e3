package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RemoteEventType names a push event from the remote authority
type RemoteEventType string

const (
	EventLocationUpdate    RemoteEventType = "location-update"
	EventStudentBoarded    RemoteEventType = "student-boarded"
	EventStudentAlighted   RemoteEventType = "student-alighted"
	EventTripStatusChanged RemoteEventType = "trip-status-changed"
)

// RemoteEvent is a push event as received over WebSocket or NATS
type RemoteEvent struct {
	Type       RemoteEventType `json:"type"`
	TripID     string          `json:"tripId"`
	StudentID  string          `json:"studentId,omitempty"`
	Status     TripStatus      `json:"status,omitempty"`
	Location   *GeoSample      `json:"location,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// ParseRemoteEvent decodes a wire message and checks required fields
func ParseRemoteEvent(data []byte) (RemoteEvent, error) {
	var ev RemoteEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RemoteEvent{}, fmt.Errorf("failed to decode remote event: %w", err)
	}

	switch ev.Type {
	case EventStudentBoarded, EventStudentAlighted:
		if ev.StudentID == "" {
			return RemoteEvent{}, fmt.Errorf("%s event missing studentId", ev.Type)
		}
	case EventTripStatusChanged:
		if ev.Status == "" {
			return RemoteEvent{}, fmt.Errorf("%s event missing status", ev.Type)
		}
	case EventLocationUpdate:
		if ev.Location == nil {
			return RemoteEvent{}, fmt.Errorf("%s event missing location", ev.Type)
		}
	default:
		return RemoteEvent{}, fmt.Errorf("unknown remote event type %q", ev.Type)
	}

	if ev.TripID == "" {
		return RemoteEvent{}, fmt.Errorf("%s event missing tripId", ev.Type)
	}
	return ev, nil
}
