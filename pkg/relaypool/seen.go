package relaypool

import "sync"

const defaultSeenCapacity = 8192

// seenSet is a bounded set of event ids with FIFO eviction, used to suppress
// duplicate delivery of the same event from multiple endpoints.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	head  int
	cap   int
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}
	return &seenSet{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, capacity),
		cap:   capacity,
	}
}

// add records an id, returning false if it was already present.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if evicted := s.order[s.head]; evicted != "" {
		delete(s.ids, evicted)
	}
	s.order[s.head] = id
	s.head = (s.head + 1) % s.cap
	s.ids[id] = struct{}{}
	return true
}
