package geo

import (
	"errors"
	"math"
	"time"
)

const (
	// earthRadiusKm is the IUGG mean Earth radius.
	earthRadiusKm = 6371.0088

	// DefaultAverageSpeedKmh is used by EstimateETA when no speed is given.
	DefaultAverageSpeedKmh = 40.0
)

// ErrInvalidCoordinate is returned when a coordinate is NaN or infinite.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// Valid reports whether both components are finite numbers.
func (p Point) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsInf(p.Lat, 0) &&
		!math.IsNaN(p.Lon) && !math.IsInf(p.Lon, 0)
}

// Estimate is the result of EstimateETA.
type Estimate struct {
	DistanceKm  float64   `json:"distance_km"`
	ETAMinutes  int       `json:"eta_minutes"`
	ArrivalTime time.Time `json:"arrival_time"`
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// DistanceKm returns the great-circle distance between a and b using the
// haversine formula.
func DistanceKm(a, b Point) float64 {
	lat1Rad := toRadians(a.Lat)
	lat2Rad := toRadians(b.Lat)
	deltaLat := toRadians(b.Lat - a.Lat)
	deltaLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)

	// Rounding can push h just outside [0, 1] for antipodal points.
	h = math.Min(1, math.Max(0, h))

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// DistanceMeters is DistanceKm scaled to meters.
func DistanceMeters(a, b Point) float64 {
	return DistanceKm(a, b) * 1000
}

// EstimateETA projects the arrival at `to` when travelling from `from` at
// avgSpeedKmh. A non-positive or non-finite speed falls back to
// DefaultAverageSpeedKmh. The minute count is rounded to the nearest whole
// minute.
func EstimateETA(from, to Point, avgSpeedKmh float64, now time.Time) (Estimate, error) {
	if !from.Valid() || !to.Valid() {
		return Estimate{}, ErrInvalidCoordinate
	}
	if avgSpeedKmh <= 0 || math.IsNaN(avgSpeedKmh) || math.IsInf(avgSpeedKmh, 0) {
		avgSpeedKmh = DefaultAverageSpeedKmh
	}

	distance := DistanceKm(from, to)
	minutes := int(math.Round(distance / avgSpeedKmh * 60))

	return Estimate{
		DistanceKm:  distance,
		ETAMinutes:  minutes,
		ArrivalTime: now.Add(time.Duration(minutes) * time.Minute),
	}, nil
}

// IsWithinGeofence reports whether point lies inside the circle of
// radiusMeters around center. The boundary counts as inside.
func IsWithinGeofence(point, center Point, radiusMeters float64) bool {
	return DistanceMeters(point, center) <= radiusMeters
}

// BearingDegrees returns the initial bearing from a to b, normalised to
// [0, 360). Identical points yield 0.
func BearingDegrees(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	deltaLon := toRadians(b.Lon - a.Lon)

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)

	bearing := math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
	if math.IsNaN(bearing) || bearing >= 360 {
		return 0
	}
	return bearing
}
