package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/shuttle-tracker/internal/dispatch"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/proximity"
	"github.com/example/shuttle-tracker/internal/timestamp"
	"github.com/example/shuttle-tracker/internal/tracker"
	"github.com/example/shuttle-tracker/internal/workflow"
)

const userHeader = "X-User-ID"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tracker   *tracker.Service
	Proximity *proximity.Watcher
	Store     Pinger
	WS        *dispatch.WSRegistry
	Workflow  workflow.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

type Server struct {
	tracker   *tracker.Service
	proximity *proximity.Watcher
	store     Pinger
	ws        *dispatch.WSRegistry
	workflow  workflow.Config
	logger    *slog.Logger
	now       func() time.Time
	validate  *validator.Validate
	upgrader  websocket.Upgrader
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.WS == nil {
		d.WS = dispatch.NewWSRegistry(d.Logger)
	}
	s := &Server{
		tracker:   d.Tracker,
		proximity: d.Proximity,
		store:     d.Store,
		ws:        d.WS,
		workflow:  d.Workflow,
		logger:    d.Logger,
		now:       d.Now,
		validate:  validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/buses/{busId}").Subrouter()
	api.HandleFunc("/live-shares", s.handleListLiveShares).Methods(http.MethodGet)
	api.HandleFunc("/live-shares/me", s.handleStartLiveShare).Methods(http.MethodPut)
	api.HandleFunc("/live-shares/me", s.handleStopLiveShare).Methods(http.MethodDelete)
	api.HandleFunc("/sightings", s.handleReportSighting).Methods(http.MethodPost)
	api.HandleFunc("/sightings", s.handleListSightings).Methods(http.MethodGet)
	api.HandleFunc("/proximity/{viewerId}", s.handleTrackProximity).Methods(http.MethodPut)
	api.HandleFunc("/proximity/{viewerId}", s.handleUntrackProximity).Methods(http.MethodDelete)

	s.mux.HandleFunc("/ws/buses/{busId}", s.handleStream)
	s.mux.HandleFunc("/ws/buses/{busId}/share", s.handleShare)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type positionRequest struct {
	Lat *float64 `json:"lat" validate:"required,latitude"`
	Lng *float64 `json:"lng" validate:"required,longitude"`
}

type sightingRequest struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lng       *float64 `json:"lng" validate:"required,longitude"`
	Direction string   `json:"direction" validate:"required,oneof=TOWARD_A TOWARD_B"`
}

type proximityRequest struct {
	Lat       *float64 `json:"lat" validate:"required,latitude"`
	Lng       *float64 `json:"lng" validate:"required,longitude"`
	PushToken string   `json:"push_token" validate:"omitempty,max=4096"`
}

type liveShareView struct {
	models.LiveShare
	Ago string `json:"ago,omitempty"`
}

type sightingView struct {
	models.Sighting
	Ago string `json:"ago"`
}

func (s *Server) handleListLiveShares(w http.ResponseWriter, r *http.Request) {
	shares, err := s.tracker.LiveShares(r.Context(), mux.Vars(r)["busId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.liveShareViews(shares))
}

func (s *Server) handleStartLiveShare(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.tracker.StartLiveShare(r.Context(), mux.Vars(r)["busId"], user, *req.Lat, *req.Lng); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopLiveShare(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if err := s.tracker.StopLiveShare(r.Context(), mux.Vars(r)["busId"], user); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportSighting(w http.ResponseWriter, r *http.Request) {
	user, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req sightingRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.tracker.ReportSighting(r.Context(), mux.Vars(r)["busId"], user, *req.Lat, *req.Lng, models.Direction(req.Direction))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.sightingView(out))
}

func (s *Server) handleListSightings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, &models.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		limit = n
	}
	items, err := s.tracker.QueryRecentSightings(r.Context(), mux.Vars(r)["busId"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sightingViews(items))
}

func (s *Server) handleTrackProximity(w http.ResponseWriter, r *http.Request) {
	if s.proximity == nil {
		http.Error(w, "proximity alerts disabled", http.StatusNotImplemented)
		return
	}
	var req proximityRequest
	if !s.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	pos := models.Coord{Lat: *req.Lat, Lng: *req.Lng}
	if err := s.proximity.Track(r.Context(), vars["busId"], vars["viewerId"], pos, req.PushToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUntrackProximity(w http.ResponseWriter, r *http.Request) {
	if s.proximity == nil {
		http.Error(w, "proximity alerts disabled", http.StatusNotImplemented)
		return
	}
	vars := mux.Vars(r)
	s.proximity.Untrack(vars["busId"], vars["viewerId"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(userHeader)
	if user == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing " + userHeader + " header"})
		return "", false
	}
	return user, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "body", Reason: "malformed json"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			s.writeError(w, r, &models.ValidationError{Field: verrs[0].Field(), Reason: "failed " + verrs[0].Tag()})
			return false
		}
		s.writeError(w, r, &models.ValidationError{Field: "body", Reason: err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error          string  `json:"error"`
	Field          string  `json:"field,omitempty"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	RadiusMeters   float64 `json:"radius_meters,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := s.describeError(r.Context(), err)
	writeJSON(w, status, body)
}

// describeError maps the error taxonomy onto a status code and body.
func (s *Server) describeError(ctx context.Context, err error) (int, errorBody) {
	var (
		verr *models.ValidationError
		gerr *models.GeofenceRejection
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorBody{Error: verr.Error(), Field: verr.Field}
	case errors.As(err, &gerr):
		return http.StatusUnprocessableEntity, errorBody{Error: gerr.Error(), DistanceMeters: gerr.DistanceMeters, RadiusMeters: gerr.RadiusMeters}
	case errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, models.ErrStore):
		s.logger.Error("store failure", "error", err, "request_id", requestIDFromContext(ctx))
		return http.StatusServiceUnavailable, errorBody{Error: "store unavailable"}
	default:
		s.logger.Error("request failed", "error", err, "request_id", requestIDFromContext(ctx))
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) liveShareViews(shares []models.LiveShare) []liveShareView {
	now := s.now()
	out := make([]liveShareView, 0, len(shares))
	for _, sh := range shares {
		v := liveShareView{LiveShare: sh}
		if sh.UpdatedAt != 0 {
			v.Ago = timestamp.Relative(sh.UpdatedAt, now)
		}
		out = append(out, v)
	}
	return out
}

func (s *Server) sightingView(it models.Sighting) sightingView {
	return sightingView{Sighting: it, Ago: timestamp.Relative(it.CreatedAt, s.now())}
}

func (s *Server) sightingViews(items []models.Sighting) []sightingView {
	out := make([]sightingView, 0, len(items))
	for _, it := range items {
		out = append(out, s.sightingView(it))
	}
	return out
}
