// Package sighting owns the per-bus append-only log of "saw the bus here"
// reports and the two read paths over it: a history query and a live feed
// for the map.
package sighting

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/observability"
	"github.com/example/shuttle-tracker/internal/store"
	"github.com/example/shuttle-tracker/internal/timestamp"
)

const (
	// DefaultTTL sets expiresAt on new sightings.
	DefaultTTL = 60 * time.Minute
	// DefaultHistoryMaxAge bounds QueryRecent.
	DefaultHistoryMaxAge = time.Hour
	// DefaultLiveMaxAge bounds what Subscribe shows on the map.
	DefaultLiveMaxAge = 5 * time.Minute
	// DefaultFetchLimit is how many of the latest writes are read before
	// filtering, regardless of the caller's limit.
	DefaultFetchLimit  = 50
	DefaultQueryLimit  = 10
	DefaultReadTimeout = 5 * time.Second
)

type Manager struct {
	Store         store.Store
	TTL           time.Duration
	HistoryMaxAge time.Duration
	LiveMaxAge    time.Duration
	FetchLimit    int
	ReadTimeout   time.Duration
	Now           func() time.Time
	NewID         func() string
	Logger        *slog.Logger
}

func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Store:         st,
		TTL:           DefaultTTL,
		HistoryMaxAge: DefaultHistoryMaxAge,
		LiveMaxAge:    DefaultLiveMaxAge,
		FetchLimit:    DefaultFetchLimit,
		ReadTimeout:   DefaultReadTimeout,
		Now:           time.Now,
		NewID:         uuid.NewString,
		Logger:        logger,
	}
}

type storedSighting struct {
	BusID     string            `json:"busId"`
	UserID    string            `json:"userId"`
	Lat       float64           `json:"lat"`
	Lng       float64           `json:"lng"`
	Direction *models.Direction `json:"direction"`
	CreatedAt int64             `json:"createdAt"`
	ExpiresAt int64             `json:"expiresAt"`
}

func ref(busID string) store.Ref { return store.Ref{BusID: busID, Namespace: store.Sightings} }

// Append records a new sighting. Direction is mandatory for new reports.
func (m *Manager) Append(ctx context.Context, busID, userID string, lat, lng float64, direction models.Direction) (models.Sighting, error) {
	switch {
	case busID == "":
		return models.Sighting{}, &models.ValidationError{Field: "busId", Reason: "required"}
	case userID == "":
		return models.Sighting{}, &models.ValidationError{Field: "userId", Reason: "required"}
	case !direction.Valid():
		return models.Sighting{}, &models.ValidationError{Field: "direction", Reason: "must be TOWARD_A or TOWARD_B"}
	}
	if err := geo.ValidateCoordinate(lat, lng); err != nil {
		return models.Sighting{}, &models.ValidationError{Field: "position", Reason: err.Error()}
	}

	now := m.now().UnixMilli()
	d := direction
	s := models.Sighting{
		ID:        m.newID(),
		BusID:     busID,
		UserID:    userID,
		Lat:       lat,
		Lng:       lng,
		Direction: &d,
		CreatedAt: now,
		ExpiresAt: now + m.ttl().Milliseconds(),
	}
	b, err := json.Marshal(storedSighting{
		BusID: s.BusID, UserID: s.UserID, Lat: s.Lat, Lng: s.Lng,
		Direction: s.Direction, CreatedAt: s.CreatedAt, ExpiresAt: s.ExpiresAt,
	})
	if err != nil {
		return models.Sighting{}, err
	}
	if err := m.Store.Put(ctx, ref(busID), s.ID, b); err != nil {
		return models.Sighting{}, &models.StoreError{Op: "write sighting", Err: err}
	}
	observability.SightingsReported.Inc()
	return s, nil
}

// QueryRecent returns up to limit valid sightings from the last
// HistoryMaxAge, most recent first.
func (m *Manager) QueryRecent(ctx context.Context, busID string, limit int) ([]models.Sighting, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	out, err := m.read(ctx, busID, m.historyMaxAge())
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Subscribe delivers the sightings worth showing on the map now and after
// every change. Read failures during delivery are logged and skipped.
func (m *Manager) Subscribe(ctx context.Context, busID string, onChange func([]models.Sighting)) (func(), error) {
	if busID == "" {
		return nil, &models.ValidationError{Field: "busId", Reason: "required"}
	}
	cancel, err := m.Store.Watch(ctx, ref(busID), func() {
		start := time.Now()
		rctx, done := context.WithTimeout(context.Background(), m.readTimeout())
		items, err := m.read(rctx, busID, m.liveMaxAge())
		done()
		if err != nil {
			m.log().Warn("sighting delivery skipped", "bus_id", busID, "error", err)
			return
		}
		onChange(items)
		observability.DeliveryLatency.WithLabelValues(string(store.Sightings)).Observe(time.Since(start).Seconds())
	})
	if err != nil {
		return nil, &models.StoreError{Op: "watch sightings", Err: err}
	}
	observability.ActiveSubscriptions.WithLabelValues(string(store.Sightings)).Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			observability.ActiveSubscriptions.WithLabelValues(string(store.Sightings)).Dec()
		})
	}, nil
}

// read runs normalize -> not expired -> within maxAge -> newest first.
func (m *Manager) read(ctx context.Context, busID string, maxAge time.Duration) ([]models.Sighting, error) {
	raw, err := m.Store.List(ctx, ref(busID), m.fetchLimit())
	if err != nil {
		return nil, &models.StoreError{Op: "read sightings", Err: err}
	}
	now := m.now().UnixMilli()
	out := make([]models.Sighting, 0, len(raw))
	for id, b := range raw {
		s, ok := Decode(busID, id, b)
		if !ok {
			observability.MalformedRecords.WithLabelValues(string(store.Sightings)).Inc()
			m.log().Debug("dropping malformed sighting", "bus_id", busID, "id", id)
			continue
		}
		if Visible(s, now, maxAge) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Visible reports whether s has not expired and is no older than maxAge.
// A record without expiresAt is bounded by maxAge alone.
func Visible(s models.Sighting, nowMs int64, maxAge time.Duration) bool {
	if s.ExpiresAt != 0 && s.ExpiresAt <= nowMs {
		return false
	}
	return s.CreatedAt >= nowMs-maxAge.Milliseconds()
}

type rawSighting struct {
	BusID     string          `json:"busId"`
	UserID    string          `json:"userId"`
	Lat       *float64        `json:"lat"`
	Lng       *float64        `json:"lng"`
	Direction *string         `json:"direction"`
	CreatedAt json.RawMessage `json:"createdAt"`
	ExpiresAt json.RawMessage `json:"expiresAt"`
}

// Decode parses one stored sighting. Records without a readable createdAt,
// with an unreadable expiresAt, an unknown direction or no position are
// malformed. Older records may have no direction at all.
func Decode(busID, id string, b []byte) (models.Sighting, bool) {
	var r rawSighting
	if err := json.Unmarshal(b, &r); err != nil {
		return models.Sighting{}, false
	}
	if r.Lat == nil || r.Lng == nil || geo.ValidateCoordinate(*r.Lat, *r.Lng) != nil {
		return models.Sighting{}, false
	}
	created, ok := timestamp.NormalizeJSON(r.CreatedAt)
	if !ok {
		return models.Sighting{}, false
	}
	s := models.Sighting{ID: id, BusID: busID, UserID: r.UserID, Lat: *r.Lat, Lng: *r.Lng, CreatedAt: created}
	if e := bytes.TrimSpace(r.ExpiresAt); len(e) > 0 && !bytes.Equal(e, []byte("null")) {
		exp, ok := timestamp.NormalizeJSON(e)
		if !ok {
			return models.Sighting{}, false
		}
		s.ExpiresAt = exp
	}
	if r.Direction != nil {
		d, ok := models.ParseDirection(*r.Direction)
		if !ok {
			return models.Sighting{}, false
		}
		s.Direction = d
	}
	return s, true
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) newID() string {
	if m.NewID == nil {
		return uuid.NewString()
	}
	return m.NewID()
}

func (m *Manager) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

func (m *Manager) historyMaxAge() time.Duration {
	if m.HistoryMaxAge <= 0 {
		return DefaultHistoryMaxAge
	}
	return m.HistoryMaxAge
}

func (m *Manager) liveMaxAge() time.Duration {
	if m.LiveMaxAge <= 0 {
		return DefaultLiveMaxAge
	}
	return m.LiveMaxAge
}

func (m *Manager) fetchLimit() int {
	if m.FetchLimit <= 0 {
		return DefaultFetchLimit
	}
	return m.FetchLimit
}

func (m *Manager) readTimeout() time.Duration {
	if m.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return m.ReadTimeout
}

func (m *Manager) log() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
