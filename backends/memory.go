package backends

import (
	"context"
	"sort"
	"sync"
)

// Memory is a Backend that keeps every record in process memory.
type Memory struct {
	mu     sync.RWMutex
	caches map[string]map[string][]byte
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{caches: make(map[string]map[string][]byte)}
}

func (m *Memory) CreateCache(ctx context.Context, cache string) error {
	if err := ValidateName(cache); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[cache]; !ok {
		m.caches[cache] = make(map[string][]byte)
	}
	return nil
}

func (m *Memory) Caches(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) DeleteCache(ctx context.Context, cache string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches, cache)
	return nil
}

func (m *Memory) Put(ctx context.Context, cache, id string, data []byte) error {
	if err := ValidateName(cache); err != nil {
		return err
	}
	if err := ValidateName(id); err != nil {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	records, ok := m.caches[cache]
	if !ok {
		records = make(map[string][]byte)
		m.caches[cache] = records
	}
	records[id] = stored
	return nil
}

func (m *Memory) Get(ctx context.Context, cache, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.caches[cache][id]
	if !ok {
		return nil, true, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, false, nil
}

func (m *Memory) Delete(ctx context.Context, cache, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.caches[cache], id)
	return nil
}

func (m *Memory) List(ctx context.Context, cache string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.caches[cache]))
	for id := range m.caches[cache] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) Close() error { return nil }
