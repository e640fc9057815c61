package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/shuttle-tracker/internal/proximity"
)

const writeWait = 10 * time.Second

// Conn is the part of *websocket.Conn a session writes through.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// WSSession serializes writes to one websocket connection.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func NewWSSession(conn Conn) *WSSession { return &WSSession{conn: conn} }

func (s *WSSession) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *WSSession) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close sends a normal closure and closes the connection.
func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

var ErrNoSession = errors.New("no websocket session")

type viewerKey struct{ busID, viewerID string }

// WSRegistry holds the stream sessions of connected viewers so proximity
// alerts can be pushed over the socket they already have open. A viewer may
// watch several buses; each alert goes to the socket of the bus it is about.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[viewerKey]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[viewerKey]*WSSession), logger: logger}
}

// Add registers s for viewerID on busID and returns a function removing it
// again. A newer session for the same viewer and bus replaces the older one.
func (r *WSRegistry) Add(busID, viewerID string, s *WSSession) func() {
	k := viewerKey{busID, viewerID}
	r.mu.Lock()
	r.sessions[k] = s
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sessions[k] == s {
			delete(r.sessions, k)
		}
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify delivers a proximity alert as a frame on the viewer's session for
// the alert's bus.
func (r *WSRegistry) Notify(_ context.Context, a proximity.Alert) error {
	r.mu.RLock()
	s, ok := r.sessions[viewerKey{a.BusID, a.ViewerID}]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(Frame{Type: FrameProximityAlert, Data: a}); err != nil {
		r.logger.Warn("ws send error", "bus_id", a.BusID, "viewer_id", a.ViewerID, "error", err)
		return err
	}
	return nil
}
