package store

import (
	"sync"

	"github.com/potluck-btc/potluck/pkg/event"
)

// MemoryStore is the in-process Store, used when persistence is disabled.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*event.Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*event.Event)}
}

// Put implements Store.
func (s *MemoryStore) Put(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return nil
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

// Query implements Store.
func (s *MemoryStore) Query(f *Filter) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*event.Event
	for _, ev := range s.events {
		if f == nil || f.Matches(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
