package sighting

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/example/shuttle-tracker/internal/models"
	"github.com/example/shuttle-tracker/internal/store"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

var busSightings = store.Ref{BusID: "bus1", Namespace: store.Sightings}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager() (*Manager, *store.MemoryStore, *clock) {
	st := store.NewMemoryStore()
	c := &clock{now: t0}
	m := NewManager(st, nil)
	m.Now = c.Now
	n := 0
	m.NewID = func() string {
		n++
		return fmt.Sprintf("s%03d", n)
	}
	return m, st, c
}

func putRaw(t *testing.T, st store.Store, id string, createdAt, expiresAt int64) {
	t.Helper()
	doc := fmt.Sprintf(`{"userId":"u","lat":-22.76,"lng":-43.69,"direction":"TOWARD_A","createdAt":%d,"expiresAt":%d}`, createdAt, expiresAt)
	if err := st.Put(context.Background(), busSightings, id, []byte(doc)); err != nil {
		t.Fatal(err)
	}
}

func ids(items []models.Sighting) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, s.ID)
	}
	return out
}

type recorder struct {
	mu   sync.Mutex
	seen [][]models.Sighting
}

func (r *recorder) add(s []models.Sighting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) waitLen(t *testing.T, n int) [][]models.Sighting {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		got := append([][]models.Sighting(nil), r.seen...)
		r.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d deliveries", n)
	return nil
}

func TestAppendSetsTimestampsAndID(t *testing.T) {
	m, _, _ := newTestManager()
	s, err := m.Append(context.Background(), "bus1", "userA", -22.76, -43.69, models.TowardB)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "s001" || s.CreatedAt != t0.UnixMilli() {
		t.Fatalf("unexpected sighting %+v", s)
	}
	if s.ExpiresAt-s.CreatedAt != time.Hour.Milliseconds() {
		t.Fatalf("expected a one hour ttl, got %d ms", s.ExpiresAt-s.CreatedAt)
	}
	if s.Direction == nil || *s.Direction != models.TowardB {
		t.Fatalf("direction not recorded: %v", s.Direction)
	}
}

func TestAppendDefaultIDsAreUnique(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st, nil)
	a, _ := m.Append(context.Background(), "bus1", "u", 1, 1, models.TowardA)
	b, _ := m.Append(context.Background(), "bus1", "u", 1, 1, models.TowardA)
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID, b.ID)
	}
}

func TestAppendValidationWritesNothing(t *testing.T) {
	m, st, _ := newTestManager()
	ctx := context.Background()
	cases := []struct {
		name      string
		bus, user string
		lat       float64
		dir       models.Direction
	}{
		{"missing direction", "bus1", "u", 1, ""},
		{"unknown direction", "bus1", "u", 1, "NORTH"},
		{"missing user", "bus1", "", 1, models.TowardA},
		{"bad latitude", "bus1", "u", 91, models.TowardA},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Append(ctx, tc.bus, tc.user, tc.lat, 1, tc.dir)
			if !errors.Is(err, models.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if raw, _ := st.List(ctx, busSightings, 0); len(raw) != 0 {
		t.Fatalf("rejected sightings were stored: %v", raw)
	}
}

func TestAppendStoreFailure(t *testing.T) {
	m, st, _ := newTestManager()
	st.SetFailure(errors.New("unavailable"))
	if _, err := m.Append(context.Background(), "bus1", "u", 1, 1, models.TowardA); !errors.Is(err, models.ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := m.QueryRecent(context.Background(), "bus1", 5); !errors.Is(err, models.ErrStore) {
		t.Fatalf("expected store error on read, got %v", err)
	}
}

func TestQueryRecentOrderingAndLimit(t *testing.T) {
	m, st, _ := newTestManager()
	now := t0.UnixMilli()
	exp := now + time.Hour.Milliseconds()
	putRaw(t, st, "old", now-50*60_000, exp)
	putRaw(t, st, "mid", now-10*60_000, exp)
	putRaw(t, st, "new", now-60_000, exp)
	putRaw(t, st, "tie-b", now-5*60_000, exp)
	putRaw(t, st, "tie-a", now-5*60_000, exp)

	got, err := m.QueryRecent(context.Background(), "bus1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"new", "tie-a", "tie-b"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("got %v, want %v", ids(got), want)
	}

	all, _ := m.QueryRecent(context.Background(), "bus1", 0)
	if len(all) != 5 {
		t.Fatalf("default limit should cover all five, got %d", len(all))
	}
}

func TestQueryRecentDefaultLimit(t *testing.T) {
	m, _, c := newTestManager()
	for i := 0; i < 12; i++ {
		if _, err := m.Append(context.Background(), "bus1", "u", 1, 1, models.TowardA); err != nil {
			t.Fatal(err)
		}
		c.advance(time.Second)
	}
	got, _ := m.QueryRecent(context.Background(), "bus1", -1)
	if len(got) != DefaultQueryLimit {
		t.Fatalf("expected %d, got %d", DefaultQueryLimit, len(got))
	}
	if got[0].ID != "s012" {
		t.Fatalf("expected newest first, got %s", got[0].ID)
	}
}

func TestExpiryBoundary(t *testing.T) {
	m, st, _ := newTestManager()
	now := t0.UnixMilli()
	putRaw(t, st, "alive", now-60_000, now+1)
	putRaw(t, st, "expired", now-60_000, now-1)
	putRaw(t, st, "exact", now-60_000, now)

	got, _ := m.QueryRecent(context.Background(), "bus1", 10)
	if !reflect.DeepEqual(ids(got), []string{"alive"}) {
		t.Fatalf("expected only alive, got %v", ids(got))
	}

	rec := &recorder{}
	cancel, err := m.Subscribe(context.Background(), "bus1", rec.add)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	if live := rec.waitLen(t, 1)[0]; !reflect.DeepEqual(ids(live), []string{"alive"}) {
		t.Fatalf("expected only alive on the live feed, got %v", ids(live))
	}
}

func TestHistoryAndLiveWindowsDiffer(t *testing.T) {
	m, st, _ := newTestManager()
	now := t0.UnixMilli()
	exp := now + time.Hour.Milliseconds()
	putRaw(t, st, "two-min", now-2*60_000, exp)
	putRaw(t, st, "ten-min", now-10*60_000, exp)
	putRaw(t, st, "two-hours", now-2*60*60_000, exp)

	hist, _ := m.QueryRecent(context.Background(), "bus1", 10)
	if want := []string{"two-min", "ten-min"}; !reflect.DeepEqual(ids(hist), want) {
		t.Fatalf("history got %v, want %v", ids(hist), want)
	}

	rec := &recorder{}
	cancel, _ := m.Subscribe(context.Background(), "bus1", rec.add)
	defer cancel()
	if live := rec.waitLen(t, 1)[0]; !reflect.DeepEqual(ids(live), []string{"two-min"}) {
		t.Fatalf("live got %v", ids(live))
	}
}

// A rider reports a sighting and a map subscriber sees it; after the ttl
// passes it disappears from history.
func TestReportThenExpire(t *testing.T) {
	m, _, c := newTestManager()
	ctx := context.Background()
	rec := &recorder{}
	cancel, _ := m.Subscribe(ctx, "bus1", rec.add)
	defer cancel()
	rec.waitLen(t, 1)

	s, err := m.Append(ctx, "bus1", "userA", -22.76, -43.69, models.TowardA)
	if err != nil {
		t.Fatal(err)
	}
	got := rec.waitLen(t, 2)
	if last := got[len(got)-1]; !reflect.DeepEqual(ids(last), []string{s.ID}) {
		t.Fatalf("subscriber did not see new sighting: %v", ids(last))
	}

	c.advance(59 * time.Minute)
	if hist, _ := m.QueryRecent(ctx, "bus1", 10); len(hist) != 1 {
		t.Fatalf("expected sighting still in history, got %v", ids(hist))
	}
	c.advance(2 * time.Minute)
	if hist, _ := m.QueryRecent(ctx, "bus1", 10); len(hist) != 0 {
		t.Fatalf("expected sighting to expire, got %v", ids(hist))
	}
}

func TestMalformedSightingsExcluded(t *testing.T) {
	m, st, _ := newTestManager()
	ctx := context.Background()
	now := t0.UnixMilli()
	_ = st.Put(ctx, busSightings, "bad-json", []byte(`[`))
	_ = st.Put(ctx, busSightings, "bad-created", []byte(`{"lat":1,"lng":1,"createdAt":"soon"}`))
	_ = st.Put(ctx, busSightings, "bad-dir", []byte(fmt.Sprintf(`{"lat":1,"lng":1,"createdAt":%d,"direction":"UP"}`, now)))
	_ = st.Put(ctx, busSightings, "no-lat", []byte(fmt.Sprintf(`{"lng":1,"createdAt":%d}`, now)))
	putRaw(t, st, "good", now-1000, now+60_000)

	got, err := m.QueryRecent(ctx, "bus1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids(got), []string{"good"}) {
		t.Fatalf("expected only good, got %v", ids(got))
	}
}

func TestDecodeShapes(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		ok      bool
		created int64
		expires int64
		dir     bool
	}{
		{"epoch ms", `{"lat":1,"lng":1,"createdAt":1700000000123,"expiresAt":1700000060123,"direction":"TOWARD_A"}`, true, 1700000000123, 1700000060123, true},
		{"seconds object", `{"lat":1,"lng":1,"createdAt":{"seconds":1700000000,"nanoseconds":123000000}}`, true, 1700000000123, 0, false},
		{"iso with null expiry", `{"lat":1,"lng":1,"createdAt":"2023-11-14T22:13:20.123Z","expiresAt":null}`, true, 1700000000123, 0, false},
		{"legacy without direction", `{"lat":1,"lng":1,"createdAt":"1700000000123"}`, true, 1700000000123, 0, false},
		{"bad expiry", `{"lat":1,"lng":1,"createdAt":1,"expiresAt":"later"}`, false, 0, 0, false},
		{"missing createdAt", `{"lat":1,"lng":1}`, false, 0, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, ok := Decode("bus1", "id1", []byte(tc.doc))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if s.CreatedAt != tc.created || s.ExpiresAt != tc.expires || (s.Direction != nil) != tc.dir {
				t.Fatalf("unexpected %+v", s)
			}
			if s.ID != "id1" || s.BusID != "bus1" {
				t.Fatalf("identity not filled: %+v", s)
			}
		})
	}
}
