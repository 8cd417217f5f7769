package webhook

import "sync"

// seenCommits remembers recently delivered head commit ids, so that a
// redelivered event doesn't trigger a second sync. Bounded: the oldest
// entry is forgotten once the capacity is reached, which is fine
// because redeliveries come soon after the original.
type seenCommits struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newSeenCommits(capacity int) *seenCommits {
	return &seenCommits{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

// seen records the id and reports whether it had been seen before.
func (s *seenCommits) seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[id]; ok {
		return true
	}
	if len(s.order) >= s.cap {
		delete(s.set, s.order[0])
		s.order = s.order[1:]
	}
	s.order = append(s.order, id)
	s.set[id] = struct{}{}
	return false
}
