package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/shuttle-tracker/internal/models"
)

const (
	SampleBoard = "board"
	SampleMove  = "sample"
	SampleStop  = "stop"
)

type sessionKey struct{ busID, userID string }

type entry struct {
	session *Session
	feed    *Feed
}

// Registry owns the server-side sessions of remote devices, each fed by a
// Feed of pushed positions.
type Registry struct {
	backend Backend
	cfg     Config
	events  func(Event)
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*entry
}

func NewRegistry(backend Backend, cfg Config, events func(Event), logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{backend: backend, cfg: cfg, events: events, logger: logger, sessions: make(map[sessionKey]*entry)}
}

// Session returns the session for (busID, userID), creating a searching one
// on first use.
func (r *Registry) Session(busID, userID string) (*Session, *Feed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := sessionKey{busID, userID}
	if e, ok := r.sessions[k]; ok {
		return e.session, e.feed
	}
	feed := NewFeed()
	s := NewSession(busID, userID, r.backend, feed, r.cfg, r.events, r.logger)
	_ = s.StartSearching()
	r.sessions[k] = &entry{session: s, feed: feed}
	return s, feed
}

func (r *Registry) lookup(busID, userID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionKey{busID, userID}]
	return e, ok
}

// Apply drives a session from one device sample. Moves for devices that are
// not sharing are dropped.
func (r *Registry) Apply(ctx context.Context, smp models.PositionSample) error {
	if smp.BusID == "" || smp.UserID == "" {
		return &models.ValidationError{Field: "sample", Reason: "busId and userId are required"}
	}
	pos := Position{Lat: smp.Lat, Lng: smp.Lng}

	switch smp.Type {
	case SampleBoard:
		s, feed := r.Session(smp.BusID, smp.UserID)
		feed.Push(pos)
		if s.State() == SharingLive {
			return nil
		}
		return s.BoardBus(ctx)
	case SampleMove:
		e, ok := r.lookup(smp.BusID, smp.UserID)
		if !ok || e.session.State() != SharingLive {
			r.logger.Debug("sample without live session dropped", "bus_id", smp.BusID, "user_id", smp.UserID)
			return nil
		}
		e.feed.Push(pos)
		return nil
	case SampleStop:
		return r.Remove(ctx, smp.BusID, smp.UserID)
	default:
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown sample type %q", smp.Type)}
	}
}

// Remove closes and forgets a session. Unknown sessions are a no-op.
func (r *Registry) Remove(ctx context.Context, busID, userID string) error {
	r.mu.Lock()
	k := sessionKey{busID, userID}
	e, ok := r.sessions[k]
	delete(r.sessions, k)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := e.session.Close(ctx)
	e.feed.Close()
	return err
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every live share the registry started.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[sessionKey]*entry)
	r.mu.Unlock()

	var errs []error
	for _, e := range all {
		if err := e.session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s/%s: %w", e.session.BusID, e.session.UserID, err))
		}
		e.feed.Close()
	}
	return errors.Join(errs...)
}
