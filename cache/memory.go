package cache

import (
	"context"
	"sync"
)

// MemoryStore is a process-local store, used for dry runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	prices map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{prices: make(map[string]int)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[id]
	return price, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, id string, price int) error {
	s.mu.Lock()
	s.prices[id] = price
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error              { return nil }

// Len reports how many identities are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prices)
}
