package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It backs single-process deployments
// that can afford to lose titles and owners on restart, and all tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]map[Field]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[Field]string)}
}

func (m *MemoryStore) GetField(_ context.Context, code string, field Field) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[code][field], nil
}

func (m *MemoryStore) SetField(_ context.Context, code string, field Field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[code] == nil {
		m.sessions[code] = make(map[Field]string)
	}
	m.sessions[code][field] = value
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.sessions[code]
	return ok, nil
}
