// Package subscription keeps the disposers of open subscriptions under
// explicit ids so the layer that opened them can release them by id or all
// at once.
package subscription

import (
	"sync"

	"github.com/google/uuid"
)

type Set struct {
	mu    sync.Mutex
	items map[string]func()
}

func NewSet() *Set { return &Set{items: make(map[string]func())} }

// Add stores dispose under a fresh id and returns the id.
func (s *Set) Add(dispose func()) string {
	id := uuid.NewString()
	s.mu.Lock()
	if s.items == nil {
		s.items = make(map[string]func())
	}
	s.items[id] = dispose
	s.mu.Unlock()
	return id
}

// Release disposes the subscription with id. Unknown ids report false.
func (s *Set) Release(id string) bool {
	s.mu.Lock()
	dispose, ok := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()
	if ok && dispose != nil {
		dispose()
	}
	return ok
}

// ReleaseAll disposes every subscription and empties the set.
func (s *Set) ReleaseAll() {
	s.mu.Lock()
	items := s.items
	s.items = make(map[string]func())
	s.mu.Unlock()
	for _, dispose := range items {
		if dispose != nil {
			dispose()
		}
	}
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
