// Package tracker is the consumer-facing surface of the shuttle tracker:
// the operations a rider's app performs against one bus.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/liveshare"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/observability"
	"github.com/example/shuttle-tracker/internal/sighting"
)

// Publisher receives an event after every successful write.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

type Service struct {
	Shares    *liveshare.Manager
	Sightings *sighting.Manager
	Fence     geo.Fence
	// Publisher is optional. Publishing is best effort and never fails a write.
	Publisher      Publisher
	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

func NewService(shares *liveshare.Manager, sightings *sighting.Manager, fence geo.Fence, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if fence.RadiusMeters <= 0 {
		fence = geo.DefaultFence()
	}
	return &Service{
		Shares:         shares,
		Sightings:      sightings,
		Fence:          fence,
		Publisher:      pub,
		PublishTimeout: 2 * time.Second,
		Now:            time.Now,
		Logger:         logger,
	}
}

func (s *Service) QueryRecentSightings(ctx context.Context, busID string, limit int) ([]models.Sighting, error) {
	return s.Sightings.QueryRecent(ctx, busID, limit)
}

func (s *Service) LiveShares(ctx context.Context, busID string) ([]models.LiveShare, error) {
	return s.Shares.Snapshot(ctx, busID)
}

func (s *Service) SubscribeLiveShares(ctx context.Context, busID string, onChange func([]models.LiveShare)) (func(), error) {
	return s.Shares.Subscribe(ctx, busID, onChange)
}

func (s *Service) SubscribeSightings(ctx context.Context, busID string, onChange func([]models.Sighting)) (func(), error) {
	return s.Sightings.Subscribe(ctx, busID, onChange)
}

// StartLiveShare publishes the rider's position when it is inside the
// operating area. Positions outside are rejected without a write.
func (s *Service) StartLiveShare(ctx context.Context, busID, userID string, lat, lng float64) error {
	if err := s.gate("live_share", lat, lng); err != nil {
		return err
	}
	if err := s.Shares.Upsert(ctx, busID, userID, lat, lng); err != nil {
		return err
	}
	s.publish(ctx, models.Event{Type: models.EventLiveShareUpserted, BusID: busID, UserID: userID, Lat: &lat, Lng: &lng})
	return nil
}

func (s *Service) StopLiveShare(ctx context.Context, busID, userID string) error {
	if err := s.Shares.Stop(ctx, busID, userID); err != nil {
		return err
	}
	s.publish(ctx, models.Event{Type: models.EventLiveShareStopped, BusID: busID, UserID: userID})
	return nil
}

// ReportSighting records a sighting inside the operating area. The
// direction is required.
func (s *Service) ReportSighting(ctx context.Context, busID, userID string, lat, lng float64, d models.Direction) (models.Sighting, error) {
	if err := s.gate("sighting", lat, lng); err != nil {
		return models.Sighting{}, err
	}
	out, err := s.Sightings.Append(ctx, busID, userID, lat, lng, d)
	if err != nil {
		return models.Sighting{}, err
	}
	s.publish(ctx, models.Event{Type: models.EventSightingReported, BusID: busID, UserID: userID, Lat: &out.Lat, Lng: &out.Lng, Direction: out.Direction})
	return out, nil
}

func (s *Service) gate(source string, lat, lng float64) error {
	if err := geo.ValidateCoordinate(lat, lng); err != nil {
		return &models.ValidationError{Field: "position", Reason: err.Error()}
	}
	if err := s.Fence.Gate(lat, lng); err != nil {
		observability.GeofenceRejections.WithLabelValues(source).Inc()
		return err
	}
	return nil
}

func (s *Service) publish(ctx context.Context, ev models.Event) {
	if s.Publisher == nil {
		return
	}
	ev.At = s.now().UnixMilli()
	timeout := s.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	err := s.Publisher.Publish(pctx, ev)
	observability.EventsPublished.WithLabelValues(ev.Type, observability.Result(err)).Inc()
	if err != nil {
		s.log().Warn("event publish failed", "type", ev.Type, "bus_id", ev.BusID, "error", err)
	}
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
