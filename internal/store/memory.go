package store

import (
	"context"
	"sort"
	"sync"
)

type memEntry struct {
	value []byte
	seq   uint64
}

// MemoryStore keeps every namespace in process. It is the default backend
// when neither Redis nor Postgres is configured, and the backend used in tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Ref]map[string]memEntry
	seq  uint64
	hub  *hub

	// FailWith, when set, makes every Put and List return it.
	FailWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Ref]map[string]memEntry), hub: newHub()}
}

func (m *MemoryStore) Put(ctx context.Context, ref Ref, key string, value []byte) error {
	if err := ref.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.FailWith != nil {
		err := m.FailWith
		m.mu.Unlock()
		return err
	}
	m.seq++
	ns := m.data[ref]
	if ns == nil {
		ns = make(map[string]memEntry)
		m.data[ref] = ns
	}
	v := make([]byte, len(value))
	copy(v, value)
	ns[key] = memEntry{value: v, seq: m.seq}
	m.mu.Unlock()

	m.hub.notify(ref.String())
	return nil
}

func (m *MemoryStore) List(ctx context.Context, ref Ref, limit int) (map[string][]byte, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	ns := m.data[ref]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	if limit > 0 && len(keys) > limit {
		sort.Slice(keys, func(i, j int) bool { return ns[keys[i]].seq > ns[keys[j]].seq })
		keys = keys[:limit]
	}
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v := make([]byte, len(ns[k].value))
		copy(v, ns[k].value)
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Watch(ctx context.Context, ref Ref, fn func()) (func(), error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.hub.add(ref.String(), fn), nil
}

// Watchers reports how many listeners are registered on ref.
func (m *MemoryStore) Watchers(ref Ref) int { return m.hub.count(ref.String()) }

// SetFailure toggles injected failures.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	m.FailWith = err
	m.mu.Unlock()
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Close() error {
	m.hub.closeAll()
	return nil
}
