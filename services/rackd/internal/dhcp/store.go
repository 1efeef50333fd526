package dhcp

import "sync"

// StateStore remembers the last successfully applied state per service.
// A missing entry means unconfigured or intentionally stopped.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

func NewStateStore() *StateStore {
	return &StateStore{states: make(map[string]*State)}
}

func (s *StateStore) Get(service string) *State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[service]
}

// Set records state for service; nil clears it.
func (s *StateStore) Set(service string, state *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state == nil {
		delete(s.states, service)
		return
	}
	s.states[service] = state
}
