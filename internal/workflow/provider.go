package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/shuttle-tracker/internal/geo"
)

type Position struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

// WatchOptions mirror the device sampling request: a new position is
// wanted after moving DistanceMeters or after Interval, whichever first.
type WatchOptions struct {
	DistanceMeters float64
	Interval       time.Duration
}

var DefaultWatchOptions = WatchOptions{DistanceMeters: 10, Interval: 5 * time.Second}

// LocationProvider is the device position source. Watch delivers positions
// until ctx is cancelled; a closed channel means the provider was lost.
type LocationProvider interface {
	CurrentPosition(ctx context.Context) (Position, error)
	Watch(ctx context.Context, opts WatchOptions) (<-chan Position, error)
}

var ErrFeedClosed = errors.New("position feed closed")

// Feed is a LocationProvider fed by pushes from a remote device, such as
// websocket frames or messages on the samples topic.
type Feed struct {
	mu     sync.Mutex
	last   *Position
	ready  chan struct{}
	done   chan struct{}
	closed bool
	subs   map[*feedSub]struct{}
	now    func() time.Time
}

type feedSub struct {
	ch   chan Position
	opts WatchOptions
	sent *Position
}

func NewFeed() *Feed {
	return &Feed{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		subs:  make(map[*feedSub]struct{}),
		now:   time.Now,
	}
}

// Push records p as the latest position and forwards it to watchers that
// have moved far enough or waited long enough. A watcher that has not
// consumed its previous position gets the newer one instead.
func (f *Feed) Push(p Position) {
	if p.At.IsZero() {
		p.At = f.now()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if f.last == nil {
		close(f.ready)
	}
	f.last = &p
	for sub := range f.subs {
		if !sub.wants(p) {
			continue
		}
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- p
		sent := p
		sub.sent = &sent
	}
}

func (s *feedSub) wants(p Position) bool {
	if s.sent == nil {
		return true
	}
	if geo.Haversine(s.sent.Lat, s.sent.Lng, p.Lat, p.Lng) >= s.opts.DistanceMeters {
		return true
	}
	return s.opts.Interval > 0 && p.At.Sub(s.sent.At) >= s.opts.Interval
}

// CurrentPosition returns the latest pushed position, waiting for the first
// one if necessary.
func (f *Feed) CurrentPosition(ctx context.Context) (Position, error) {
	select {
	case <-f.ready:
	case <-f.done:
	case <-ctx.Done():
		return Position{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Position{}, ErrFeedClosed
	}
	return *f.last, nil
}

func (f *Feed) Watch(ctx context.Context, opts WatchOptions) (<-chan Position, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	sub := &feedSub{ch: make(chan Position, 1), opts: opts}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		f.mu.Lock()
		if _, ok := f.subs[sub]; ok {
			delete(f.subs, sub)
			close(sub.ch)
		}
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// Close ends every watch, which sessions treat as a lost provider.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
