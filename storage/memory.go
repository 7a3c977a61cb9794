package storage

import (
	"context"
	"sync"

	"github.com/ruteri/fhevm-session/interfaces"
)

// MemoryStore keeps values in process memory. Values are copied on the way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Available(ctx context.Context) bool { return true }

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) LocationURI() string { return "memory://" }

// NoopStore stores nothing and never fails.
type NoopStore struct{}

func (NoopStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, interfaces.ErrKeyNotFound
}

func (NoopStore) Set(ctx context.Context, key string, value []byte) error { return nil }

func (NoopStore) Remove(ctx context.Context, key string) error { return nil }

func (NoopStore) Available(ctx context.Context) bool { return true }

func (NoopStore) Name() string { return "noop" }

func (NoopStore) LocationURI() string { return "noop://" }
