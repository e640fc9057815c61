// Package liveshare owns the per-bus map of riders currently sharing their
// position from aboard the bus.
package liveshare

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/observability"
	"github.com/example/shuttle-tracker/internal/store"
	"github.com/example/shuttle-tracker/internal/timestamp"
)

const (
	DefaultFreshness   = 15 * time.Minute
	DefaultReadTimeout = 5 * time.Second
)

type Manager struct {
	Store store.Store
	// Freshness is how long after its last update a share is still shown.
	Freshness   time.Duration
	ReadTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{Store: st, Freshness: DefaultFreshness, ReadTimeout: DefaultReadTimeout, Now: time.Now, Logger: logger}
}

// storedShare is the persisted document. Coordinates are null once stopped.
type storedShare struct {
	UserID    string   `json:"userId"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	UpdatedAt int64    `json:"updatedAt"`
	IsActive  bool     `json:"isActive"`
}

func ref(busID string) store.Ref { return store.Ref{BusID: busID, Namespace: store.LiveShares} }

// Upsert overwrites the rider's share with a new active position. It does
// not geofence; callers gate positions before sharing them.
func (m *Manager) Upsert(ctx context.Context, busID, userID string, lat, lng float64) error {
	if err := validateKey(busID, userID); err != nil {
		return err
	}
	if !geo.IsFinite(lat, lng) {
		return &models.ValidationError{Field: "position", Reason: "coordinates must be finite numbers"}
	}
	doc := storedShare{UserID: userID, Lat: &lat, Lng: &lng, UpdatedAt: m.now().UnixMilli(), IsActive: true}
	err := m.put(ctx, busID, userID, doc)
	observability.LiveShareWrites.WithLabelValues("upsert", observability.Result(err)).Inc()
	return err
}

// Stop marks the rider's share inactive and clears its coordinates. Stopping
// an already stopped or unknown share succeeds.
func (m *Manager) Stop(ctx context.Context, busID, userID string) error {
	if err := validateKey(busID, userID); err != nil {
		return err
	}
	doc := storedShare{UserID: userID, UpdatedAt: m.now().UnixMilli(), IsActive: false}
	err := m.put(ctx, busID, userID, doc)
	observability.LiveShareWrites.WithLabelValues("stop", observability.Result(err)).Inc()
	return err
}

func (m *Manager) put(ctx context.Context, busID, userID string, doc storedShare) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := m.Store.Put(ctx, ref(busID), userID, b); err != nil {
		return &models.StoreError{Op: "write live share", Err: err}
	}
	return nil
}

// Snapshot reads the bus's shares and returns the live ones.
func (m *Manager) Snapshot(ctx context.Context, busID string) ([]models.LiveShare, error) {
	raw, err := m.Store.List(ctx, ref(busID), 0)
	if err != nil {
		return nil, &models.StoreError{Op: "read live shares", Err: err}
	}
	now := m.now()
	out := make([]models.LiveShare, 0, len(raw))
	for key, b := range raw {
		s, ok := Decode(busID, key, b)
		if !ok {
			observability.MalformedRecords.WithLabelValues(string(store.LiveShares)).Inc()
			m.log().Debug("dropping malformed live share", "bus_id", busID, "key", key)
			continue
		}
		if IsLive(s, now, m.freshness()) {
			out = append(out, s)
		}
	}
	return out, nil
}

// Subscribe delivers the live shares of busID now and after every change.
// Read failures during delivery are logged and skipped; the subscription
// stays registered until the returned function is called.
func (m *Manager) Subscribe(ctx context.Context, busID string, onChange func([]models.LiveShare)) (func(), error) {
	if busID == "" {
		return nil, &models.ValidationError{Field: "busId", Reason: "required"}
	}
	cancel, err := m.Store.Watch(ctx, ref(busID), func() {
		start := time.Now()
		rctx, done := context.WithTimeout(context.Background(), m.readTimeout())
		shares, err := m.Snapshot(rctx, busID)
		done()
		if err != nil {
			m.log().Warn("live share delivery skipped", "bus_id", busID, "error", err)
			return
		}
		onChange(shares)
		observability.DeliveryLatency.WithLabelValues(string(store.LiveShares)).Observe(time.Since(start).Seconds())
	})
	if err != nil {
		return nil, &models.StoreError{Op: "watch live shares", Err: err}
	}
	observability.ActiveSubscriptions.WithLabelValues(string(store.LiveShares)).Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			observability.ActiveSubscriptions.WithLabelValues(string(store.LiveShares)).Dec()
		})
	}, nil
}

// IsLive applies the freshness rule: active, and either undated or updated
// less than freshness ago.
func IsLive(s models.LiveShare, now time.Time, freshness time.Duration) bool {
	if !s.IsActive {
		return false
	}
	return s.UpdatedAt == 0 || now.UnixMilli()-s.UpdatedAt < freshness.Milliseconds()
}

type rawShare struct {
	UserID    string          `json:"userId"`
	Lat       *float64        `json:"lat"`
	Lng       *float64        `json:"lng"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
	IsActive  *bool           `json:"isActive"`
}

// Decode parses one stored share. A missing isActive counts as active; an
// active share without coordinates or with an unreadable updatedAt is
// malformed.
func Decode(busID, key string, b []byte) (models.LiveShare, bool) {
	var r rawShare
	if err := json.Unmarshal(b, &r); err != nil {
		return models.LiveShare{}, false
	}
	s := models.LiveShare{BusID: busID, UserID: r.UserID, Lat: r.Lat, Lng: r.Lng, IsActive: r.IsActive == nil || *r.IsActive}
	if s.UserID == "" {
		s.UserID = key
	}
	if u := bytes.TrimSpace(r.UpdatedAt); len(u) > 0 && !bytes.Equal(u, []byte("null")) {
		ms, ok := timestamp.NormalizeJSON(u)
		if !ok {
			return models.LiveShare{}, false
		}
		s.UpdatedAt = ms
	}
	if !s.IsActive {
		s.Lat, s.Lng = nil, nil
		return s, true
	}
	if s.Lat == nil || s.Lng == nil || geo.ValidateCoordinate(*s.Lat, *s.Lng) != nil {
		return models.LiveShare{}, false
	}
	return s, true
}

func validateKey(busID, userID string) error {
	if busID == "" {
		return &models.ValidationError{Field: "busId", Reason: "required"}
	}
	if userID == "" {
		return &models.ValidationError{Field: "userId", Reason: "required"}
	}
	return nil
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) freshness() time.Duration {
	if m.Freshness <= 0 {
		return DefaultFreshness
	}
	return m.Freshness
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
