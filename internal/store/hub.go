package store

import (
	"sync"
)

// hub fans change signals out to watchers. Each watcher has its own
// goroutine and a one-slot signal channel, so bursts coalesce and a slow
// callback only delays itself.
type hub struct {
	mu       sync.RWMutex
	watchers map[string]map[uint64]*watcher
	nextID   uint64
}

type watcher struct {
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[uint64]*watcher)}
}

// add registers fn for topic and primes it with one initial call.
func (h *hub) add(topic string, fn func()) func() {
	w := &watcher{signal: make(chan struct{}, 1), done: make(chan struct{})}
	w.signal <- struct{}{}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.watchers[topic] == nil {
		h.watchers[topic] = make(map[uint64]*watcher)
	}
	h.watchers[topic][id] = w
	h.mu.Unlock()

	go w.run(fn)

	return func() {
		h.mu.Lock()
		if ws := h.watchers[topic]; ws != nil {
			delete(ws, id)
			if len(ws) == 0 {
				delete(h.watchers, topic)
			}
		}
		h.mu.Unlock()
		w.stop()
	}
}

func (h *hub) notify(topic string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, w := range h.watchers[topic] {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

// notifyAll signals every watcher, used after a backend reconnect where
// changes may have been missed.
func (h *hub) notifyAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ws := range h.watchers {
		for _, w := range ws {
			select {
			case w.signal <- struct{}{}:
			default:
			}
		}
	}
}

func (h *hub) count(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[topic])
}

func (h *hub) closeAll() {
	h.mu.Lock()
	all := h.watchers
	h.watchers = make(map[string]map[uint64]*watcher)
	h.mu.Unlock()
	for _, ws := range all {
		for _, w := range ws {
			w.stop()
		}
	}
}

func (w *watcher) stop() { w.once.Do(func() { close(w.done) }) }

func (w *watcher) run(fn func()) {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
			// a cancel racing with a pending signal wins
			select {
			case <-w.done:
				return
			default:
			}
			fn()
		}
	}
}
