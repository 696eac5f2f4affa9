package telemetry

import (
	"sync"

	"github.com/cropsense/cropsense/internal/model"
)

// OverrideStore holds operator-forced irrigation states. An entry lives
// until it is cancelled.
type OverrideStore struct {
	mu     sync.RWMutex
	values map[model.ID]bool
}

func NewOverrideStore() *OverrideStore {
	return &OverrideStore{values: make(map[model.ID]bool)}
}

// Set inserts or replaces the override of deviceID.
func (s *OverrideStore) Set(deviceID model.ID, value bool) {
	id := model.NormalizeID(string(deviceID))
	s.mu.Lock()
	s.values[id] = value
	s.mu.Unlock()
}

// Cancel removes the override; cancelling a missing one does nothing.
func (s *OverrideStore) Cancel(deviceID model.ID) {
	id := model.NormalizeID(string(deviceID))
	s.mu.Lock()
	delete(s.values, id)
	s.mu.Unlock()
}

func (s *OverrideStore) Get(deviceID model.ID) (value, ok bool) {
	id := model.NormalizeID(string(deviceID))
	s.mu.RLock()
	value, ok = s.values[id]
	s.mu.RUnlock()
	return value, ok
}

func (s *OverrideStore) Snapshot() map[model.ID]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.ID]bool, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
