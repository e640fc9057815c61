package geo

import (
	"math"

	"github.com/example/shuttle-tracker/internal/models"
)

const earthRadiusMeters = 6371000.0

// Campus is the reference coordinate of the shuttle's operating area.
var Campus = models.Coord{Lat: -22.7638, Lng: -43.6883}

const DefaultRadiusMeters = 5000.0

// Fence is a circular operating area.
type Fence struct {
	Center       models.Coord
	RadiusMeters float64
}

func DefaultFence() Fence {
	return Fence{Center: Campus, RadiusMeters: DefaultRadiusMeters}
}

// Contains reports whether the point lies within the fence radius, boundary included.
// Invalid coordinates are never inside.
func (f Fence) Contains(lat, lng float64) bool {
	if ValidateCoordinate(lat, lng) != nil {
		return false
	}
	return f.Distance(lat, lng) <= f.RadiusMeters
}

// Distance from the fence centre in meters.
func (f Fence) Distance(lat, lng float64) float64 {
	return Haversine(f.Center.Lat, f.Center.Lng, lat, lng)
}

// Gate returns a GeofenceRejection for points outside the fence.
func (f Fence) Gate(lat, lng float64) error {
	if f.Contains(lat, lng) {
		return nil
	}
	return &models.GeofenceRejection{Lat: lat, Lng: lng, DistanceMeters: f.Distance(lat, lng), RadiusMeters: f.RadiusMeters}
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
