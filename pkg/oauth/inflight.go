package oauth

import "sync"

// InflightSet tracks connection ids with a refresh currently in progress.
// Shared between the manager (on-demand refresh) and the scheduler so the
// same connection is never refreshed twice concurrently.
type InflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

// NewInflightSet creates an empty InflightSet.
func NewInflightSet() *InflightSet {
	return &InflightSet{ids: make(map[string]struct{})}
}

// TryAdd registers a connection id. Returns false if already in flight.
func (s *InflightSet) TryAdd(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ids[id]; exists {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove releases a connection id.
func (s *InflightSet) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Has reports whether a refresh for the id is in flight.
func (s *InflightSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.ids[id]
	return exists
}

// Len returns the number of in-flight refreshes.
func (s *InflightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
