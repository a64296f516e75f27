package metastore

import (
	"context"
	"sync"
)

// MemoryStore keeps records in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, handle string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[handle] = rec
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, handle string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[handle]
	if !ok {
		return Record{}, notFound(handle)
	}
	return rec, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, handle)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
