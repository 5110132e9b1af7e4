package kvstore

import (
	"context"
	"sync"
)

// MemoryStore provides an in-process implementation for runs without a Redis
// socket and for tests.
type MemoryStore struct {
	mu  sync.RWMutex
	dbs map[string]map[string]string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{dbs: make(map[string]map[string]string)}
}

func (s *MemoryStore) hash(db string) map[string]string {
	h, ok := s.dbs[db]
	if !ok {
		h = make(map[string]string)
		s.dbs[db] = h
	}
	return h
}

// HSet sets one field of a hash.
func (s *MemoryStore) HSet(_ context.Context, db, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hash(db)[field] = value
	return nil
}

// HMSet sets several fields of a hash at once.
func (s *MemoryStore) HMSet(_ context.Context, db string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hash(db)
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGet reads one field; a missing field yields the empty string.
func (s *MemoryStore) HGet(_ context.Context, db, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbs[db][field], nil
}

// HKeys lists the fields of a hash.
func (s *MemoryStore) HKeys(_ context.Context, db string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.dbs[db]
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys, nil
}

// HExists reports whether a field is present.
func (s *MemoryStore) HExists(_ context.Context, db, field string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dbs[db][field]
	return ok, nil
}

// HDel removes fields from a hash.
func (s *MemoryStore) HDel(_ context.Context, db string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.dbs[db]
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

// Del drops whole databases.
func (s *MemoryStore) Del(_ context.Context, dbs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, db := range dbs {
		delete(s.dbs, db)
	}
	return nil
}

// Close is a no-op for the in-process store.
func (s *MemoryStore) Close() error { return nil }
