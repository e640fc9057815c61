// Package geotest builds coordinates at known distances for tests.
package geotest

import (
	"math"

	"github.com/example/shuttle-tracker/internal/models"
)

const earthRadiusMeters = 6371000.0

// OffsetNorth returns the point the given distance due north of c.
func OffsetNorth(c models.Coord, meters float64) models.Coord {
	return models.Coord{Lat: c.Lat + meters/earthRadiusMeters*180/math.Pi, Lng: c.Lng}
}
