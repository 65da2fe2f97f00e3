package models

import (
	"time"

	"schooltrip-engine/internal/geo"
)

// GeoSample represents a single GPS fix from the device
type GeoSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Speed      *float64  `json:"speed,omitempty"`    // Speed in m/s
	Heading    *float64  `json:"heading,omitempty"`  // Direction of travel (0-360 degrees)
	Accuracy   *float64  `json:"accuracy,omitempty"` // GPS accuracy in meters
	CapturedAt time.Time `json:"captured_at"`
}

// Point returns the sample's coordinate
func (s GeoSample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}
