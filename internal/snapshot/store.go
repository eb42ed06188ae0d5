// Package snapshot holds each detector's previous-state cache between
// detection cycles. The store never inspects the states it holds; they are
// opaque values owned by the detector that saved them.
package snapshot

import "sync"

// Store keeps exactly one live state value per detector name. It is
// goroutine-safe: a scan that finished after its cycle's deadline may save
// concurrently with the next cycle's loads.
type Store struct {
	mu     sync.RWMutex
	states map[string]any
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{states: make(map[string]any)}
}

// Load returns the saved state for the detector, or ok=false on first use.
func (s *Store) Load(detectorName string) (state any, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok = s.states[detectorName]
	return state, ok
}

// Save overwrites the detector's state unconditionally.
func (s *Store) Save(detectorName string, state any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[detectorName] = state
}

// Clear drops every saved state.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]any)
}
