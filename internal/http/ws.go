package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/shuttle-tracker/internal/dispatch"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/subscription"
	"github.com/example/shuttle-tracker/internal/workflow"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
	closeTimeout = 5 * time.Second
)

// handleStream pushes the bus's live shares and sightings to a map viewer.
// A viewer that identifies itself may send position frames and then
// receives proximity alerts here; closing the socket stops the tracking.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["busId"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "bus_id", busID, "error", err)
		return
	}
	sess := dispatch.NewWSSession(conn)
	subs := subscription.NewSet()
	defer func() {
		subs.ReleaseAll()
		_ = sess.Close()
	}()

	ctx := r.Context()
	cancelShares, err := s.tracker.SubscribeLiveShares(ctx, busID, func(shares []models.LiveShare) {
		s.send(sess, dispatch.Frame{Type: dispatch.FrameLiveShares, Data: s.liveShareViews(shares)})
	})
	if err != nil {
		s.sendError(ctx, sess, err)
		return
	}
	subs.Add(cancelShares)

	cancelSightings, err := s.tracker.SubscribeSightings(ctx, busID, func(items []models.Sighting) {
		s.send(sess, dispatch.Frame{Type: dispatch.FrameSightings, Data: s.sightingViews(items)})
	})
	if err != nil {
		s.sendError(ctx, sess, err)
		return
	}
	subs.Add(cancelSightings)

	viewer := r.Header.Get(userHeader)
	if viewer == "" {
		s.readLoop(conn, sess, nil)
		return
	}
	subs.Add(s.ws.Add(busID, viewer, sess))

	tracking := false
	s.readLoop(conn, sess, func(msg []byte) {
		var cmd streamCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.sendError(ctx, sess, &models.ValidationError{Field: "frame", Reason: "malformed json"})
			return
		}
		if err := s.validate.Struct(cmd); err != nil {
			s.sendError(ctx, sess, &models.ValidationError{Field: "frame", Reason: err.Error()})
			return
		}
		if s.proximity == nil {
			return
		}
		pos := models.Coord{Lat: *cmd.Lat, Lng: *cmd.Lng}
		if tracking {
			s.proximity.Move(busID, viewer, pos)
			return
		}
		if err := s.proximity.Track(ctx, busID, viewer, pos, ""); err != nil {
			s.sendError(ctx, sess, err)
			return
		}
		tracking = true
		subs.Add(func() { s.proximity.Untrack(busID, viewer) })
	})
}

// streamCommand is what an identified viewer sends on the stream socket:
// its own position, for proximity alerts.
type streamCommand struct {
	Type string   `json:"type" validate:"required,oneof=position"`
	Lat  *float64 `json:"lat" validate:"required,latitude"`
	Lng  *float64 `json:"lng" validate:"required,longitude"`
}

type shareCommand struct {
	Type      string   `json:"type" validate:"required,oneof=board sample stop begin_sighting select_point select_direction confirm_sighting cancel_sighting"`
	Lat       *float64 `json:"lat" validate:"omitempty,latitude"`
	Lng       *float64 `json:"lng" validate:"omitempty,longitude"`
	Direction string   `json:"direction" validate:"omitempty,oneof=TOWARD_A TOWARD_B"`
}

type eventView struct {
	Type  workflow.EventType `json:"type"`
	State string             `json:"state"`
	Error string             `json:"error,omitempty"`
}

// handleShare lets a device drive its own sharing session over a socket.
// Closing the socket stops any live share the session started.
func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["busId"]
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "bus_id", busID, "error", err)
		return
	}
	sess := dispatch.NewWSSession(conn)
	feed := workflow.NewFeed()
	session := workflow.NewSession(busID, user, s.tracker, feed, s.workflow, func(ev workflow.Event) {
		v := eventView{Type: ev.Type, State: ev.State.String()}
		if ev.Err != nil {
			v.Error = ev.Err.Error()
		}
		s.send(sess, dispatch.Frame{Type: dispatch.FrameEvent, Data: v})
	}, s.logger)
	_ = session.StartSearching()

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := session.Close(ctx); err != nil {
			s.logger.Warn("closing share session", "bus_id", busID, "user_id", user, "error", err)
		}
		feed.Close()
		_ = sess.Close()
	}()

	ctx := r.Context()
	s.readLoop(conn, sess, func(msg []byte) {
		var cmd shareCommand
		if err := json.Unmarshal(msg, &cmd); err != nil {
			s.sendError(ctx, sess, &models.ValidationError{Field: "frame", Reason: "malformed json"})
			return
		}
		if err := s.validate.Struct(cmd); err != nil {
			s.sendError(ctx, sess, &models.ValidationError{Field: "frame", Reason: err.Error()})
			return
		}
		if err := s.applyCommand(ctx, sess, session, feed, cmd); err != nil {
			s.sendError(ctx, sess, err)
		}
	})
}

func (s *Server) applyCommand(ctx context.Context, sess *dispatch.WSSession, session *workflow.Session, feed *workflow.Feed, cmd shareCommand) error {
	needsPosition := cmd.Type == "board" || cmd.Type == "sample" || cmd.Type == "select_point"
	if needsPosition && (cmd.Lat == nil || cmd.Lng == nil) {
		return &models.ValidationError{Field: "position", Reason: "lat and lng are required"}
	}

	switch cmd.Type {
	case "board":
		feed.Push(workflow.Position{Lat: *cmd.Lat, Lng: *cmd.Lng})
		if session.State() == workflow.SharingLive {
			return nil
		}
		return session.BoardBus(ctx)
	case "sample":
		feed.Push(workflow.Position{Lat: *cmd.Lat, Lng: *cmd.Lng})
		return nil
	case "stop":
		return session.StopSharing(ctx)
	case "begin_sighting":
		return session.BeginSighting()
	case "select_point":
		return session.SelectPoint(*cmd.Lat, *cmd.Lng)
	case "select_direction":
		return session.SelectDirection(models.Direction(cmd.Direction))
	case "confirm_sighting":
		out, err := session.ConfirmSighting(ctx)
		if err != nil {
			return err
		}
		s.send(sess, dispatch.Frame{Type: dispatch.FrameSighting, Data: s.sightingView(out)})
		return nil
	case "cancel_sighting":
		return session.CancelSighting()
	}
	return nil
}

// readLoop reads frames until the peer goes away, keeping the connection
// alive with pings. onFrame may be nil for receive-only streams.
func (s *Server) readLoop(conn *websocket.Conn, sess *dispatch.WSSession, onFrame func([]byte)) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sess.Ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		if onFrame != nil {
			onFrame(msg)
		}
	}
}

func (s *Server) send(sess *dispatch.WSSession, f dispatch.Frame) {
	if err := sess.Send(f); err != nil {
		s.logger.Debug("websocket send failed", "frame", f.Type, "error", err)
	}
}

func (s *Server) sendError(ctx context.Context, sess *dispatch.WSSession, err error) {
	_, body := s.describeError(ctx, err)
	s.send(sess, dispatch.Frame{Type: dispatch.FrameError, Data: body})
}
