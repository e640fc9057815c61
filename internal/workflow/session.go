// Package workflow drives one rider's sharing session: searching for the
// bus, sharing a live position from aboard it, or marking a sighting.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/observability"
)

type State int

const (
	Idle State = iota
	Searching
	SharingLive
	MarkingSighting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Searching:
		return "searching"
	case SharingLive:
		return "sharing_live"
	case MarkingSighting:
		return "marking_sighting"
	default:
		return "unknown"
	}
}

var ErrInvalidTransition = errors.New("invalid transition")

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventLeftFence    EventType = "left_fence"
	EventProviderLost EventType = "provider_lost"
	EventSampleFailed EventType = "sample_failed"
)

// Event is something the rider should be told about.
type Event struct {
	Type   EventType
	BusID  string
	UserID string
	State  State
	Err    error
}

// Backend performs the writes a session makes. tracker.Service implements it.
type Backend interface {
	StartLiveShare(ctx context.Context, busID, userID string, lat, lng float64) error
	StopLiveShare(ctx context.Context, busID, userID string) error
	ReportSighting(ctx context.Context, busID, userID string, lat, lng float64, d models.Direction) (models.Sighting, error)
}

type Config struct {
	Fence geo.Fence
	// ExitDebounce is how many consecutive out-of-fence samples end a live
	// share. Values below 1 mean 1.
	ExitDebounce int
	Watch        WatchOptions
	// StopTimeout bounds the stop write issued when sharing ends on its own.
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Fence: geo.DefaultFence(), ExitDebounce: 1, Watch: DefaultWatchOptions, StopTimeout: 5 * time.Second}
}

// Session is one rider's state machine for one bus. Transitions are
// serialized; a transition attempted from the wrong state returns
// ErrInvalidTransition and changes nothing.
type Session struct {
	BusID  string
	UserID string

	backend  Backend
	provider LocationProvider
	cfg      Config
	events   func(Event)
	logger   *slog.Logger

	mu        sync.Mutex
	state     State
	gen       uint64
	stopLoop  context.CancelFunc
	point     *models.Coord
	direction *models.Direction
	pending   []Event
	emitting  sync.Mutex
}

// NewSession returns an idle session. events may be nil; it runs outside
// the session lock and must not call back into the session.
func NewSession(busID, userID string, backend Backend, provider LocationProvider, cfg Config, events func(Event), logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExitDebounce < 1 {
		cfg.ExitDebounce = 1
	}
	if cfg.Fence.RadiusMeters <= 0 {
		cfg.Fence = geo.DefaultFence()
	}
	if cfg.Watch == (WatchOptions{}) {
		cfg.Watch = DefaultWatchOptions
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Session{
		BusID:    busID,
		UserID:   userID,
		backend:  backend,
		provider: provider,
		cfg:      cfg,
		events:   events,
		logger:   logger.With("bus_id", busID, "user_id", userID),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartSearching moves idle -> searching. It writes nothing.
func (s *Session) StartSearching() error {
	s.mu.Lock()
	err := s.transitionLocked(Idle, Searching)
	s.mu.Unlock()
	s.flush()
	return err
}

// BoardBus takes one position fix and, when it is inside the fence, starts
// sharing and sampling. On any failure the session stays searching.
func (s *Session) BoardBus(ctx context.Context) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Searching {
		return fmt.Errorf("board bus from %s: %w", s.state, ErrInvalidTransition)
	}

	pos, err := s.provider.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("current position: %w", err)
	}
	if err := s.cfg.Fence.Gate(pos.Lat, pos.Lng); err != nil {
		observability.GeofenceRejections.WithLabelValues("board").Inc()
		return err
	}
	if err := s.backend.StartLiveShare(ctx, s.BusID, s.UserID, pos.Lat, pos.Lng); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	samples, err := s.provider.Watch(loopCtx, s.cfg.Watch)
	if err != nil {
		cancel()
		if stopErr := s.backend.StopLiveShare(ctx, s.BusID, s.UserID); stopErr != nil {
			s.logger.Warn("stop after failed watch", "error", stopErr)
		}
		return fmt.Errorf("watch position: %w", err)
	}

	s.gen++
	s.stopLoop = cancel
	s.setStateLocked(SharingLive)
	go s.sample(loopCtx, samples, s.gen)
	return nil
}

// StopSharing ends the sampling loop and marks the share stopped. The
// session is searching afterwards even when the stop write fails.
func (s *Session) StopSharing(ctx context.Context) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SharingLive {
		return fmt.Errorf("stop sharing from %s: %w", s.state, ErrInvalidTransition)
	}
	s.endLoopLocked()
	s.setStateLocked(Searching)
	return s.backend.StopLiveShare(ctx, s.BusID, s.UserID)
}

func (s *Session) BeginSighting() error {
	s.mu.Lock()
	err := s.transitionLocked(Searching, MarkingSighting)
	if err == nil {
		s.point, s.direction = nil, nil
	}
	s.mu.Unlock()
	s.flush()
	return err
}

// SelectPoint chooses where the bus was seen. A point outside the fence is
// rejected and the previous choice kept.
func (s *Session) SelectPoint(lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != MarkingSighting {
		return fmt.Errorf("select point from %s: %w", s.state, ErrInvalidTransition)
	}
	if err := s.cfg.Fence.Gate(lat, lng); err != nil {
		observability.GeofenceRejections.WithLabelValues("sighting_point").Inc()
		return err
	}
	s.point = &models.Coord{Lat: lat, Lng: lng}
	return nil
}

func (s *Session) SelectDirection(d models.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != MarkingSighting {
		return fmt.Errorf("select direction from %s: %w", s.state, ErrInvalidTransition)
	}
	if !d.Valid() {
		return &models.ValidationError{Field: "direction", Reason: "must be TOWARD_A or TOWARD_B"}
	}
	s.direction = &d
	return nil
}

// ConfirmSighting reports the selected point and direction. A failed write
// keeps the session marking so the rider can retry.
func (s *Session) ConfirmSighting(ctx context.Context) (models.Sighting, error) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != MarkingSighting {
		return models.Sighting{}, fmt.Errorf("confirm sighting from %s: %w", s.state, ErrInvalidTransition)
	}
	if s.point == nil {
		return models.Sighting{}, &models.ValidationError{Field: "point", Reason: "select where the bus was seen"}
	}
	if s.direction == nil {
		return models.Sighting{}, &models.ValidationError{Field: "direction", Reason: "select the direction of travel"}
	}
	sighting, err := s.backend.ReportSighting(ctx, s.BusID, s.UserID, s.point.Lat, s.point.Lng, *s.direction)
	if err != nil {
		return models.Sighting{}, err
	}
	s.point, s.direction = nil, nil
	s.setStateLocked(Searching)
	return sighting, nil
}

func (s *Session) CancelSighting() error {
	s.mu.Lock()
	err := s.transitionLocked(MarkingSighting, Searching)
	if err == nil {
		s.point, s.direction = nil, nil
	}
	s.mu.Unlock()
	s.flush()
	return err
}

// Close stops any live share and returns the session to idle.
func (s *Session) Close(ctx context.Context) error {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.state == SharingLive {
		s.endLoopLocked()
		err = s.backend.StopLiveShare(ctx, s.BusID, s.UserID)
	}
	s.point, s.direction = nil, nil
	if s.state != Idle {
		s.setStateLocked(Idle)
	}
	return err
}

func (s *Session) sample(ctx context.Context, samples <-chan Position, gen uint64) {
	outside := 0
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-samples:
			if !ok {
				s.lose(gen)
				return
			}
			if !s.apply(ctx, gen, p, &outside) {
				return
			}
			s.flush()
		}
	}
}

// apply handles one sample and reports whether sampling should continue.
func (s *Session) apply(ctx context.Context, gen uint64, p Position, outside *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || s.gen != gen || s.state != SharingLive {
		return false
	}

	if !s.cfg.Fence.Contains(p.Lat, p.Lng) {
		*outside++
		observability.GeofenceRejections.WithLabelValues("sample").Inc()
		if *outside < s.cfg.ExitDebounce {
			return true
		}
		s.logger.Info("left operating area, stopping live share", "lat", p.Lat, "lng", p.Lng)
		s.endLoopLocked()
		s.pending = append(s.pending, Event{Type: EventLeftFence, BusID: s.BusID, UserID: s.UserID, State: SharingLive})
		s.setStateLocked(Searching)
		s.stopDetachedLocked()
		return false
	}

	*outside = 0
	if err := s.backend.StartLiveShare(ctx, s.BusID, s.UserID, p.Lat, p.Lng); err != nil {
		s.logger.Warn("live share sample not written", "error", err)
		s.pending = append(s.pending, Event{Type: EventSampleFailed, BusID: s.BusID, UserID: s.UserID, State: SharingLive, Err: err})
	}
	return true
}

func (s *Session) lose(gen uint64) {
	defer s.flush()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != SharingLive {
		return
	}
	s.logger.Warn("location provider lost, stopping live share")
	s.endLoopLocked()
	s.pending = append(s.pending, Event{Type: EventProviderLost, BusID: s.BusID, UserID: s.UserID, State: SharingLive})
	s.setStateLocked(Searching)
	s.stopDetachedLocked()
}

func (s *Session) stopDetachedLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := s.backend.StopLiveShare(ctx, s.BusID, s.UserID); err != nil {
		s.logger.Warn("stop live share failed", "error", err)
	}
}

func (s *Session) endLoopLocked() {
	s.gen++
	if s.stopLoop != nil {
		s.stopLoop()
		s.stopLoop = nil
	}
}

func (s *Session) transitionLocked(from, to State) error {
	if s.state != from {
		return fmt.Errorf("%s -> %s from %s: %w", from, to, s.state, ErrInvalidTransition)
	}
	s.setStateLocked(to)
	return nil
}

func (s *Session) setStateLocked(to State) {
	s.state = to
	s.pending = append(s.pending, Event{Type: EventStateChanged, BusID: s.BusID, UserID: s.UserID, State: to})
}

// flush delivers queued events outside the state lock, in order.
func (s *Session) flush() {
	s.emitting.Lock()
	defer s.emitting.Unlock()
	s.mu.Lock()
	evs := s.pending
	s.pending = nil
	s.mu.Unlock()
	if s.events == nil {
		return
	}
	for _, ev := range evs {
		s.events(ev)
	}
}
