// Package storage provides the durable key-value storage shared by every
// crmsync process on a machine (or, with Redis, across machines).
//
// It plays the role a browser's origin-scoped storage plays for a web app:
// every execution context reads and writes the same namespaced keys, and
// writes are last-write-wins with no transactional guard.
package storage

import (
	"errors"
	"maps"
	"sync"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// Namespace is prepended to keys by backends that share a flat keyspace.
const Namespace = "crmsync:"

// Store is a namespaced key-value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// Change describes a write observed on a shared store.
type Change struct {
	Key     string
	Value   []byte
	Deleted bool
}

// MemoryStore is a process-local Store. It backs state that must never leave
// the current execution context, such as an in-flight authorization session.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get returns a copy of the stored value.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// Snapshot returns a shallow copy of the stored keys and values.
func (m *MemoryStore) Snapshot() map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data)
}
