package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]map[string]json.RawMessage // namespace -> key -> value
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]map[string]json.RawMessage)}
}

// Get returns a copy of the stored value.
func (s *MemoryStore) Get(_ context.Context, namespace, key string) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[namespace][key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

// Set stores a copy of value.
func (s *MemoryStore) Set(_ context.Context, namespace, key string, value json.RawMessage) error {
	if err := validJSON(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(namespace, key, append(json.RawMessage(nil), value...))
	return nil
}

// Merge applies partial to the object at key under the write lock.
func (s *MemoryStore) Merge(_ context.Context, namespace, key string, partial map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged, err := mergeObjects(s.values[namespace][key], partial)
	if err != nil {
		return err
	}
	s.put(namespace, key, merged)
	return nil
}

// Clear removes key, dropping the namespace once it is empty.
func (s *MemoryStore) Clear(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.values[namespace]
	if !ok {
		return nil
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.values, namespace)
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of namespaces holding at least one key.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *MemoryStore) put(namespace, key string, value json.RawMessage) {
	ns, ok := s.values[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		s.values[namespace] = ns
	}
	ns[key] = value
}
