package livepos

import (
	"context"
	"sort"
	"sync"

	"schoolbus-tracker/internal/tracking"
)

// MemoryStore is the Store used when running without Redis.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]tracking.LocationSample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]tracking.LocationSample)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (tracking.LocationSample, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[key]
	return s, ok, nil
}

func (m *MemoryStore) PutIfNewer(_ context.Context, s tracking.LocationSample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[s.VehicleID]; ok && cur.Timestamp.After(s.Timestamp) {
		return false, nil
	}
	m.byID[s.VehicleID] = s
	return true, nil
}

func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.byID, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) All(context.Context) ([]tracking.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]tracking.LocationSample, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out, nil
}

func sortNewest(s []tracking.LocationSample) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Timestamp.Equal(s[j].Timestamp) {
			return s[i].VehicleID < s[j].VehicleID
		}
		return s[i].Timestamp.After(s[j].Timestamp)
	})
}
