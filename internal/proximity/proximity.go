// Package proximity decides when a waiting rider should be told that a
// live-shared bus is close.
package proximity

import (
	"math"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/models"
)

const (
	DefaultThresholdMeters = 1000.0
	DefaultCooldown        = 5 * time.Minute
)

// Input is everything Evaluate looks at. A zero LastNotifiedAt means the
// viewer has never been notified.
type Input struct {
	Viewer          models.Coord
	ViewerID        string
	Shares          []models.LiveShare
	LastNotifiedAt  time.Time
	Now             time.Time
	ThresholdMeters float64
	Cooldown        time.Duration
}

type Decision struct {
	Notify bool
	// Found is false when no share other than the viewer's own has a position.
	Found          bool
	NearestUserID  string
	DistanceMeters float64
	LastNotifiedAt time.Time
}

// Evaluate finds the nearest active share with a position, ignoring the
// viewer's own, and notifies when it is strictly closer than the threshold
// and the cooldown since the last notification has elapsed.
func Evaluate(in Input) Decision {
	threshold := in.ThresholdMeters
	if threshold <= 0 {
		threshold = DefaultThresholdMeters
	}
	cooldown := in.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	d := Decision{DistanceMeters: math.Inf(1), LastNotifiedAt: in.LastNotifiedAt}
	for _, s := range in.Shares {
		if in.ViewerID != "" && s.UserID == in.ViewerID {
			continue
		}
		pos, ok := s.Position()
		if !ok {
			continue
		}
		dist := geo.Haversine(in.Viewer.Lat, in.Viewer.Lng, pos.Lat, pos.Lng)
		if dist < d.DistanceMeters {
			d.DistanceMeters = dist
			d.NearestUserID = s.UserID
			d.Found = true
		}
	}
	if !d.Found || d.DistanceMeters >= threshold {
		return d
	}
	if !in.LastNotifiedAt.IsZero() && in.Now.Sub(in.LastNotifiedAt) < cooldown {
		return d
	}
	d.Notify = true
	d.LastNotifiedAt = in.Now
	return d
}
