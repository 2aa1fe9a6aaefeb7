// Package kv provides the small local key/value cache the SDK uses to
// survive process restarts: join records, pending request ids, and
// assistant quota state, all namespaced by session id.
//
// The cache is best effort. Callers treat read failures as "no cached
// state" rather than propagating them.
package kv

import (
	"fmt"
	"sync"
)

// Store is a flat key/value cache.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = fmt.Errorf("kv: key not found")

// Key builds the canonical storage key for a per-session value.
// Keys are never shared across sessions.
func Key(sessionID, name string) string {
	return "decisra:" + name + ":" + sessionID
}

// Memory is an in-process Store. It is the default for clients that do
// not need state to survive a restart, and the fake used in tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *Memory) Close() error { return nil }
