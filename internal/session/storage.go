// Package session provides the durable local cache for draft editing
// sessions: one namespaced record per draft id plus the bookkeeping pointers,
// over a pluggable raw key/value storage backend.
package session

import (
	"context"
	"errors"
	"sync"
)

// ErrQuotaExceeded is reported by Storage.Set when the backend is out of
// space. The store recovers by evicting stale entries and retrying.
var ErrQuotaExceeded = errors.New("session storage quota exceeded")

// Storage is the raw key/value surface the store persists into. Implementations
// exist for in-memory maps, Redis and SQLite; tests inject the memory one.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// MemoryStorage is a process-local Storage with an optional byte quota,
// counting key and value bytes the way browser storage implementations do.
type MemoryStorage struct {
	mu    sync.Mutex
	data  map[string]string
	quota int64
}

// NewMemoryStorage creates an in-memory backend. quota <= 0 means unlimited.
func NewMemoryStorage(quota int64) *MemoryStorage {
	return &MemoryStorage{data: make(map[string]string), quota: quota}
}

func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStorage) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quota > 0 {
		used := int64(0)
		for k, v := range m.data {
			if k == key {
				continue
			}
			used += int64(len(k) + len(v))
		}
		if used+int64(len(key)+len(value)) > m.quota {
			return ErrQuotaExceeded
		}
	}
	m.data[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len reports the number of stored keys, for tests.
func (m *MemoryStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
