package roster

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/models"
)

const sampleRoster = `
id: trip-42
route_id: route-7
vehicle_id: bus-3
scheduled_start: 2026-10-16T07:00:00Z
scheduled_end: 2026-10-16T08:00:00Z
stops:
  - id: oak
    name: Oak Street
    location: {lat: 28.6, lon: 77.2}
  - id: school
    name: Main Campus
    location: {lat: 28.65, lon: 77.25}
students:
  - id: s1
    name: Asha
    pickup: oak
    dropoff: school
  - id: s2
    name: Ben
    pickup: oak
    dropoff: school
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trip.yaml")
	if err := os.WriteFile(path, []byte(sampleRoster), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	session, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if session.ID != "trip-42" || session.RouteID != "route-7" || session.VehicleID != "bus-3" {
		t.Errorf("Unexpected trip header %+v", session)
	}
	if session.Status != models.TripStatusScheduled {
		t.Errorf("Expected scheduled, got %s", session.Status)
	}
	if session.ScheduledStart.Hour() != 7 {
		t.Errorf("Unexpected scheduled start %v", session.ScheduledStart)
	}
	if len(session.Students) != 2 {
		t.Fatalf("Expected 2 students, got %d", len(session.Students))
	}

	s1 := session.Student("s1")
	if s1 == nil {
		t.Fatal("Student s1 missing")
	}
	if s1.Status != models.BoardingStatusPending || s1.TripID != "trip-42" {
		t.Errorf("Unexpected record %+v", s1)
	}
	if s1.PickupStop.Name != "Oak Street" || s1.PickupStop.Location != (geo.Point{Lat: 28.6, Lon: 77.2}) {
		t.Errorf("Unexpected pickup stop %+v", s1.PickupStop)
	}
	if s1.DropoffStop.ID != "school" {
		t.Errorf("Unexpected dropoff stop %+v", s1.DropoffStop)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestParseRejectsBadRosters(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no id", "stops: []", "id is required"},
		{"unknown stop", `
id: t
stops: [{id: a, location: {lat: 1, lon: 1}}]
students: [{id: s1, pickup: a, dropoff: b}]
`, `unknown dropoff stop "b"`},
		{"duplicate student", `
id: t
stops: [{id: a, location: {lat: 1, lon: 1}}]
students: [{id: s1, pickup: a, dropoff: a}, {id: s1, pickup: a, dropoff: a}]
`, `duplicate student "s1"`},
		{"bad coordinate", `
id: t
stops: [{id: a, location: {lat: 91, lon: 1}}]
`, "invalid coordinate"},
		{"end before start", `
id: t
scheduled_start: 2026-10-16T08:00:00Z
scheduled_end: 2026-10-16T07:00:00Z
`, "scheduled_end"},
		{"not yaml", "id: [", "failed to parse roster"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
