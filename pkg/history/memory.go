package history

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore implements an in-memory attempt log.
// It is safe for concurrent use by multiple goroutines.
//
// MemoryStore keeps entries per horizon in append order. It is the default for
// tests and dry runs; production deployments use FileStore or RedisStore so
// the log survives the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry
}

// NewMemoryStore creates an empty in-memory attempt log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]Entry),
	}
}

// Append commits one entry to the log.
func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	if e.Horizon == "" {
		return errors.New("entry horizon cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.Horizon] = append(s.entries[e.Horizon], e)
	return nil
}

// Latest returns the most recently appended entry for a horizon.
func (s *MemoryStore) Latest(ctx context.Context, horizon string) (Entry, bool, error) {
	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[horizon]
	if len(list) == 0 {
		return Entry{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// List returns up to limit entries for a horizon, oldest first.
func (s *MemoryStore) List(ctx context.Context, horizon string, limit int) ([]Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.entries[horizon]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}

	out := make([]Entry, len(list))
	copy(out, list)
	return out, nil
}

// Len returns the total number of entries for a horizon.
// This method is primarily useful for testing.
func (s *MemoryStore) Len(horizon string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[horizon])
}
