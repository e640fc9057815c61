package proximity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
	"github.com/example/shuttle-tracker/internal/geo/geotest"
	"github.com/example/shuttle-tracker/internal/liveshare"
	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/store"
)

var (
	t0        = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	viewerPos = geo.Campus
)

func share(user string, c models.Coord) models.LiveShare {
	lat, lng := c.Lat, c.Lng
	return models.LiveShare{BusID: "bus1", UserID: user, Lat: &lat, Lng: &lng, IsActive: true}
}

func TestEvaluateThresholdIsStrict(t *testing.T) {
	near := geotest.OffsetNorth(viewerPos, 999)
	far := geotest.OffsetNorth(viewerPos, 1001)

	d := Evaluate(Input{Viewer: viewerPos, Shares: []models.LiveShare{share("a", near)}, Now: t0})
	if !d.Notify || d.NearestUserID != "a" || !d.LastNotifiedAt.Equal(t0) {
		t.Fatalf("expected notification at 999 m, got %+v", d)
	}
	d = Evaluate(Input{Viewer: viewerPos, Shares: []models.LiveShare{share("a", far)}, Now: t0})
	if d.Notify || !d.Found {
		t.Fatalf("expected no notification at 1001 m, got %+v", d)
	}
}

func TestEvaluatePicksNearestAndSkipsOwnShare(t *testing.T) {
	shares := []models.LiveShare{
		share("me", viewerPos),
		share("far", geotest.OffsetNorth(viewerPos, 800)),
		share("close", geotest.OffsetNorth(viewerPos, 300)),
		{BusID: "bus1", UserID: "stopped", IsActive: false},
	}
	d := Evaluate(Input{Viewer: viewerPos, ViewerID: "me", Shares: shares, Now: t0})
	if !d.Notify || d.NearestUserID != "close" {
		t.Fatalf("expected nearest other rider, got %+v", d)
	}
	if d.DistanceMeters < 299 || d.DistanceMeters > 301 {
		t.Fatalf("unexpected distance %f", d.DistanceMeters)
	}
}

func TestEvaluateNoShares(t *testing.T) {
	d := Evaluate(Input{Viewer: viewerPos, Now: t0})
	if d.Notify || d.Found {
		t.Fatalf("expected nothing, got %+v", d)
	}
}

func TestEvaluateCooldown(t *testing.T) {
	shares := []models.LiveShare{share("a", geotest.OffsetNorth(viewerPos, 100))}
	cases := []struct {
		name   string
		last   time.Time
		notify bool
	}{
		{"never notified", time.Time{}, true},
		{"inside cooldown", t0.Add(-4 * time.Minute), false},
		{"cooldown elapsed", t0.Add(-5 * time.Minute), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(Input{Viewer: viewerPos, Shares: shares, LastNotifiedAt: tc.last, Now: t0})
			if d.Notify != tc.notify {
				t.Fatalf("notify = %v, want %v", d.Notify, tc.notify)
			}
			if !d.Notify && !d.LastNotifiedAt.Equal(tc.last) {
				t.Fatalf("last notified changed without a notification")
			}
		})
	}
}

type sinkRecorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *sinkRecorder) Notify(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func (s *sinkRecorder) last() Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[len(s.alerts)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newWatcherFixture() (*Watcher, *liveshare.Manager, *store.MemoryStore, *sinkRecorder) {
	st := store.NewMemoryStore()
	shares := liveshare.NewManager(st, nil)
	shares.Now = func() time.Time { return t0 }
	sink := &sinkRecorder{}
	w := NewWatcher(shares, sink, nil)
	w.Now = func() time.Time { return t0 }
	return w, shares, st, sink
}

func TestWatcherAlertsWhenBusApproaches(t *testing.T) {
	w, shares, _, sink := newWatcherFixture()
	defer w.Close()
	ctx := context.Background()

	far := geotest.OffsetNorth(viewerPos, 3000)
	if err := shares.Upsert(ctx, "bus1", "rider", far.Lat, far.Lng); err != nil {
		t.Fatal(err)
	}
	if err := w.Track(ctx, "bus1", "viewer", viewerPos, "token-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("alerted while bus was far away")
	}

	near := geotest.OffsetNorth(viewerPos, 400)
	_ = shares.Upsert(ctx, "bus1", "rider", near.Lat, near.Lng)
	waitFor(t, func() bool { return sink.count() == 1 })
	a := sink.last()
	if a.ViewerID != "viewer" || a.NearestUserID != "rider" || a.PushToken != "token-1" {
		t.Fatalf("unexpected alert %+v", a)
	}

	// Still close, but inside the cooldown window.
	closer := geotest.OffsetNorth(viewerPos, 200)
	_ = shares.Upsert(ctx, "bus1", "rider", closer.Lat, closer.Lng)
	time.Sleep(30 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("cooldown not honoured: %d alerts", sink.count())
	}
}

func TestWatcherMoveReevaluates(t *testing.T) {
	w, shares, _, sink := newWatcherFixture()
	defer w.Close()
	ctx := context.Background()

	bus := geotest.OffsetNorth(viewerPos, 2500)
	_ = shares.Upsert(ctx, "bus1", "rider", bus.Lat, bus.Lng)
	_ = w.Track(ctx, "bus1", "viewer", viewerPos, "")
	time.Sleep(30 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("unexpected alert")
	}
	w.Move("bus1", "viewer", geotest.OffsetNorth(viewerPos, 2000))
	if sink.count() != 1 {
		t.Fatalf("expected alert after walking towards the bus, got %d", sink.count())
	}
}

func TestWatcherUntrackReleasesSubscription(t *testing.T) {
	w, _, st, _ := newWatcherFixture()
	ctx := context.Background()
	ref := store.Ref{BusID: "bus1", Namespace: store.LiveShares}
	_ = w.Track(ctx, "bus1", "v1", viewerPos, "")
	_ = w.Track(ctx, "bus1", "v2", viewerPos, "")
	if st.Watchers(ref) != 1 {
		t.Fatalf("expected one shared subscription, got %d", st.Watchers(ref))
	}
	w.Untrack("bus1", "v1")
	if st.Watchers(ref) != 1 || w.Tracked("bus1") != 1 {
		t.Fatalf("subscription released too early")
	}
	w.Untrack("bus1", "v2")
	if st.Watchers(ref) != 0 {
		t.Fatalf("subscription not released")
	}
	w.Close()
	if err := w.Track(ctx, "bus1", "v3", viewerPos, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWatcherSinkFailureKeepsTracking(t *testing.T) {
	w, shares, _, sink := newWatcherFixture()
	defer w.Close()
	sink.err = errors.New("push endpoint down")
	ctx := context.Background()

	near := geotest.OffsetNorth(viewerPos, 100)
	_ = shares.Upsert(ctx, "bus1", "rider", near.Lat, near.Lng)
	if err := w.Track(ctx, "bus1", "viewer", viewerPos, ""); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sink.count() == 1 })
	if w.Tracked("bus1") != 1 {
		t.Fatalf("viewer dropped after sink failure")
	}
}

func TestTrackValidation(t *testing.T) {
	w, _, _, _ := newWatcherFixture()
	defer w.Close()
	if err := w.Track(context.Background(), "bus1", "", viewerPos, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := w.Track(context.Background(), "bus1", "v", models.Coord{Lat: 200}, ""); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
