package flow

import (
	"context"
	"sync"
)

// Store is the session state store: string key to arbitrary value, scoped
// to the current pairing. The coordinator clears it whenever the paired
// client identity changes. Implementations must be safe for concurrent
// use.
type Store interface {
	// Set stores a value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value any) error

	// Get retrieves a value. The second return reports presence.
	Get(ctx context.Context, key string) (any, bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all values. Called on pairing change.
	Clear(ctx context.Context) error

	// Len returns the number of stored keys.
	Len(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]any)}
}

func (s *MemoryStore) Set(_ context.Context, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values), nil
}

func (s *MemoryStore) Close() error { return nil }
