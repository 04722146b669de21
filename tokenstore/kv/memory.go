package kv

import (
	"context"
	"sync"
)

var _ Storage = (*InMemoryStorage)(nil)

// InMemoryStorage keeps entries for the lifetime of the process.
type InMemoryStorage struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		entries: make(map[string]string),
	}
}

func (s *InMemoryStorage) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *InMemoryStorage) SetMany(_ context.Context, entries map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range entries {
		s.entries[k] = v
	}
	return nil
}

func (s *InMemoryStorage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

// Len is the number of stored keys.
func (s *InMemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
