package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/example/shuttle-tracker/internal/models"

	"github.com/example/shuttle-tracker/internal/geo/geotest"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 1 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestFenceBoundaryInclusive(t *testing.T) {
	p := geotest.OffsetNorth(Campus, 5000)
	d := Haversine(Campus.Lat, Campus.Lng, p.Lat, p.Lng)

	atEdge := Fence{Center: Campus, RadiusMeters: d}
	if !atEdge.Contains(p.Lat, p.Lng) {
		t.Fatalf("point exactly on the radius must be inside (d=%f)", d)
	}
	justShort := Fence{Center: Campus, RadiusMeters: d - 0.1}
	if justShort.Contains(p.Lat, p.Lng) {
		t.Fatalf("point 0.1m beyond the radius must be outside")
	}
}

func TestDefaultFence(t *testing.T) {
	f := DefaultFence()
	in := geotest.OffsetNorth(Campus, 4990)
	out := geotest.OffsetNorth(Campus, 5010)
	if !f.Contains(in.Lat, in.Lng) {
		t.Fatalf("expected 4990m to be inside")
	}
	if f.Contains(out.Lat, out.Lng) {
		t.Fatalf("expected 5010m to be outside")
	}
}

func TestContainsInvalidInput(t *testing.T) {
	f := DefaultFence()
	cases := []struct {
		name     string
		lat, lng float64
	}{
		{"nan lat", math.NaN(), Campus.Lng},
		{"nan lng", Campus.Lat, math.NaN()},
		{"inf lat", math.Inf(1), Campus.Lng},
		{"lat out of range", 91, Campus.Lng},
		{"lng out of range", Campus.Lat, -181},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if f.Contains(tc.lat, tc.lng) {
				t.Fatalf("expected false")
			}
		})
	}
}

func TestGateReturnsRejection(t *testing.T) {
	f := DefaultFence()
	p := geotest.OffsetNorth(Campus, 6000)
	err := f.Gate(p.Lat, p.Lng)
	if !errors.Is(err, models.ErrOutsideGeofence) {
		t.Fatalf("expected geofence rejection, got %v", err)
	}
	var rej *models.GeofenceRejection
	if !errors.As(err, &rej) || math.Abs(rej.DistanceMeters-6000) > 1 {
		t.Fatalf("unexpected rejection %+v", rej)
	}
	if err := f.Gate(Campus.Lat, Campus.Lng); err != nil {
		t.Fatalf("campus centre rejected: %v", err)
	}
}
