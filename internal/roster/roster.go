// Package roster loads a trip and its student list from a YAML file handed
// to the device before the run.
package roster

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"schooltrip-engine/internal/geo"
	"schooltrip-engine/internal/models"
)

// File is the on-disk roster layout
type File struct {
	ID             string    `yaml:"id"`
	RouteID        string    `yaml:"route_id"`
	VehicleID      string    `yaml:"vehicle_id"`
	ScheduledStart time.Time `yaml:"scheduled_start"`
	ScheduledEnd   time.Time `yaml:"scheduled_end"`

	Stops    []models.Stop `yaml:"stops"`
	Students []Student     `yaml:"students"`
}

// Student references its stops by id
type Student struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Pickup  string `yaml:"pickup"`
	Dropoff string `yaml:"dropoff"`
}

// Load reads and validates a roster file
func Load(path string) (*models.TripSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}
	return Parse(data)
}

// Parse decodes roster YAML into a scheduled trip session
func Parse(data []byte) (*models.TripSession, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f.Session(), nil
}

// Validate checks ids, stop references and coordinates
func (f *File) Validate() error {
	if f.ID == "" {
		return errors.New("roster: id is required")
	}
	if !f.ScheduledEnd.IsZero() && f.ScheduledEnd.Before(f.ScheduledStart) {
		return errors.New("roster: scheduled_end is before scheduled_start")
	}

	stops := make(map[string]bool, len(f.Stops))
	for _, s := range f.Stops {
		if s.ID == "" {
			return errors.New("roster: stop id is required")
		}
		if stops[s.ID] {
			return fmt.Errorf("roster: duplicate stop %q", s.ID)
		}
		if !s.Location.Valid() || s.Location.Lat < -90 || s.Location.Lat > 90 || s.Location.Lon < -180 || s.Location.Lon > 180 {
			return fmt.Errorf("roster: stop %q: %w", s.ID, geo.ErrInvalidCoordinate)
		}
		stops[s.ID] = true
	}

	seen := make(map[string]bool, len(f.Students))
	for _, st := range f.Students {
		if st.ID == "" {
			return errors.New("roster: student id is required")
		}
		if seen[st.ID] {
			return fmt.Errorf("roster: duplicate student %q", st.ID)
		}
		seen[st.ID] = true

		if !stops[st.Pickup] {
			return fmt.Errorf("roster: student %q: unknown pickup stop %q", st.ID, st.Pickup)
		}
		if !stops[st.Dropoff] {
			return fmt.Errorf("roster: student %q: unknown dropoff stop %q", st.ID, st.Dropoff)
		}
	}
	return nil
}

// Session builds the scheduled session. Call Validate first.
func (f *File) Session() *models.TripSession {
	stops := make(map[string]models.Stop, len(f.Stops))
	for _, s := range f.Stops {
		stops[s.ID] = s
	}

	session := &models.TripSession{
		ID:             f.ID,
		RouteID:        f.RouteID,
		VehicleID:      f.VehicleID,
		ScheduledStart: f.ScheduledStart,
		ScheduledEnd:   f.ScheduledEnd,
		Status:         models.TripStatusScheduled,
		Students:       make([]*models.StudentBoardingRecord, 0, len(f.Students)),
	}
	for _, st := range f.Students {
		session.Students = append(session.Students, &models.StudentBoardingRecord{
			TripID:      f.ID,
			StudentID:   st.ID,
			StudentName: st.Name,
			Status:      models.BoardingStatusPending,
			PickupStop:  stops[st.Pickup],
			DropoffStop: stops[st.Dropoff],
		})
	}
	return session
}
