package cache

import (
	"context"
	"sync"
)

// MemoryStore keeps snapshots in process memory. It backs ephemeral runs and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot Snapshot
	saves    int
}

func NewMemoryStore(initial Snapshot) *MemoryStore {
	return &MemoryStore{snapshot: cloneSnapshot(initial)}
}

func (s *MemoryStore) Load(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSnapshot(s.snapshot), nil
}

func (s *MemoryStore) Save(_ context.Context, snapshot Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = cloneSnapshot(snapshot)
	s.saves++
	return nil
}

// Saves reports how many snapshots have been written.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *MemoryStore) Location() string { return "memory" }

func (s *MemoryStore) Close(context.Context) error {
	return nil
}
