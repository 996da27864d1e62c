package cache

import (
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Used in tests and as a fallback
// when no cache database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Get(key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !e.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	out := e
	return &out, nil
}

func (s *MemoryStore) GetStale(key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	out := e
	return &out, nil
}

func (s *MemoryStore) Set(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Key] = entry
	return nil
}

func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	return nil
}

func (s *MemoryStore) KeysForSubject(subject string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.entries {
		if e.Subject == subject {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) DeleteExpired() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed int64
	for k, e := range s.entries {
		if !e.ExpiresAt.After(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Count() (int64, map[Kind]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	byKind := make(map[Kind]int64)
	var total int64
	for _, e := range s.entries {
		if e.ExpiresAt.After(now) {
			total++
			byKind[e.Kind]++
		}
	}
	return total, byKind, nil
}

func (s *MemoryStore) Close() error { return nil }
