package kv

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store with the same quota rules as
// SQLiteStore. It backs the volatile area and tests.
type MemoryStore struct {
	mu     sync.Mutex
	quota  int64
	values map[string]string

	// Fail, when set, is consulted before every Set.
	Fail func(key string) error
}

func NewMemoryStore(quota int64) *MemoryStore {
	return &MemoryStore{quota: quota, values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Fail != nil {
		if err := m.Fail(key); err != nil {
			return err
		}
	}

	if m.quota > 0 {
		var used int64
		for k, v := range m.values {
			if k != key {
				used += int64(len(v))
			}
		}
		if used+int64(len(value)) > m.quota {
			return ErrQuotaExceeded
		}
	}

	m.values[key] = value
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Probe(context.Context) bool {
	return true
}

func (m *MemoryStore) Usage(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used int64
	for _, v := range m.values {
		used += int64(len(v))
	}
	return used, nil
}
