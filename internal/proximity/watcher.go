package proximity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/observability"
)

// Alert is raised once per cooldown window when a bus comes close to a viewer.
type Alert struct {
	BusID          string  `json:"bus_id"`
	ViewerID       string  `json:"viewer_id"`
	NearestUserID  string  `json:"nearest_user_id"`
	DistanceMeters float64 `json:"distance_meters"`
	At             int64   `json:"at"`
	PushToken      string  `json:"-"`
}

type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// ShareSource is satisfied by liveshare.Manager.
type ShareSource interface {
	Subscribe(ctx context.Context, busID string, onChange func([]models.LiveShare)) (func(), error)
}

var ErrClosed = errors.New("proximity watcher closed")

// Watcher keeps one live share subscription per bus with tracked viewers
// and evaluates every viewer whenever the shares or the viewer move.
type Watcher struct {
	Source          ShareSource
	Sink            Sink
	ThresholdMeters float64
	Cooldown        time.Duration
	SinkTimeout     time.Duration
	Now             func() time.Time
	Logger          *slog.Logger

	mu     sync.Mutex
	buses  map[string]*busWatch
	closed bool
}

type busWatch struct {
	cancel  func()
	shares  []models.LiveShare
	viewers map[string]*viewer
}

type viewer struct {
	pos   models.Coord
	token string
	last  time.Time
}

func NewWatcher(src ShareSource, sink Sink, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Source:          src,
		Sink:            sink,
		ThresholdMeters: DefaultThresholdMeters,
		Cooldown:        DefaultCooldown,
		SinkTimeout:     5 * time.Second,
		Now:             time.Now,
		Logger:          logger,
		buses:           make(map[string]*busWatch),
	}
}

// Track starts watching busID on behalf of viewerID, or updates the viewer
// when it is already tracked.
func (w *Watcher) Track(ctx context.Context, busID, viewerID string, pos models.Coord, pushToken string) error {
	if busID == "" || viewerID == "" {
		return &models.ValidationError{Field: "viewer", Reason: "bus and viewer ids are required"}
	}
	if err := geo.ValidateCoordinate(pos.Lat, pos.Lng); err != nil {
		return &models.ValidationError{Field: "position", Reason: err.Error()}
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.buses == nil {
		w.buses = make(map[string]*busWatch)
	}
	bw := w.buses[busID]
	if bw == nil {
		bw = &busWatch{viewers: make(map[string]*viewer)}
		cancel, err := w.Source.Subscribe(ctx, busID, func(shares []models.LiveShare) { w.onShares(busID, bw, shares) })
		if err != nil {
			w.mu.Unlock()
			return err
		}
		bw.cancel = cancel
		w.buses[busID] = bw
	}
	v := bw.viewers[viewerID]
	if v == nil {
		v = &viewer{}
		bw.viewers[viewerID] = v
	}
	v.pos = pos
	if pushToken != "" {
		v.token = pushToken
	}
	alerts := w.evaluateLocked(busID, bw, viewerID)
	w.mu.Unlock()

	w.raise(alerts)
	return nil
}

// Move updates a tracked viewer's position. Unknown viewers are ignored.
func (w *Watcher) Move(busID, viewerID string, pos models.Coord) {
	if !geo.IsFinite(pos.Lat, pos.Lng) {
		return
	}
	w.mu.Lock()
	bw := w.buses[busID]
	if bw == nil || bw.viewers[viewerID] == nil {
		w.mu.Unlock()
		return
	}
	bw.viewers[viewerID].pos = pos
	alerts := w.evaluateLocked(busID, bw, viewerID)
	w.mu.Unlock()

	w.raise(alerts)
}

// Untrack forgets the viewer; the bus subscription is released with the
// last viewer.
func (w *Watcher) Untrack(busID, viewerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bw := w.buses[busID]
	if bw == nil {
		return
	}
	delete(bw.viewers, viewerID)
	if len(bw.viewers) == 0 {
		delete(w.buses, busID)
		bw.cancel()
	}
}

// Tracked reports how many viewers are tracked for busID.
func (w *Watcher) Tracked(busID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bw := w.buses[busID]; bw != nil {
		return len(bw.viewers)
	}
	return 0
}

func (w *Watcher) Close() {
	w.mu.Lock()
	buses := w.buses
	w.buses = nil
	w.closed = true
	w.mu.Unlock()
	for _, bw := range buses {
		bw.cancel()
	}
}

func (w *Watcher) onShares(busID string, bw *busWatch, shares []models.LiveShare) {
	w.mu.Lock()
	if w.buses[busID] != bw {
		// delivery raced with Untrack
		w.mu.Unlock()
		return
	}
	bw.shares = shares
	var alerts []Alert
	for id := range bw.viewers {
		alerts = append(alerts, w.evaluateLocked(busID, bw, id)...)
	}
	w.mu.Unlock()

	w.raise(alerts)
}

func (w *Watcher) evaluateLocked(busID string, bw *busWatch, viewerID string) []Alert {
	v := bw.viewers[viewerID]
	if v == nil || bw.shares == nil {
		return nil
	}
	now := w.now()
	d := Evaluate(Input{
		Viewer:          v.pos,
		ViewerID:        viewerID,
		Shares:          bw.shares,
		LastNotifiedAt:  v.last,
		Now:             now,
		ThresholdMeters: w.ThresholdMeters,
		Cooldown:        w.Cooldown,
	})
	if !d.Notify {
		return nil
	}
	v.last = d.LastNotifiedAt
	return []Alert{{
		BusID:          busID,
		ViewerID:       viewerID,
		NearestUserID:  d.NearestUserID,
		DistanceMeters: d.DistanceMeters,
		At:             now.UnixMilli(),
		PushToken:      v.token,
	}}
}

func (w *Watcher) raise(alerts []Alert) {
	if w.Sink == nil {
		return
	}
	for _, a := range alerts {
		timeout := w.SinkTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := w.Sink.Notify(ctx, a)
		cancel()
		observability.ProximityAlerts.WithLabelValues(observability.Result(err)).Inc()
		if err != nil {
			w.log().Warn("proximity alert failed", "bus_id", a.BusID, "viewer_id", a.ViewerID, "error", err)
			continue
		}
		w.log().Info("proximity alert", "bus_id", a.BusID, "viewer_id", a.ViewerID, "distance_m", a.DistanceMeters)
	}
}

func (w *Watcher) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}

func (w *Watcher) log() *slog.Logger {
	if w.Logger == nil {
		return slog.Default()
	}
	return w.Logger
}
