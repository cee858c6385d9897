package cache

import (
	"context"
	"sync"
)

// MemoryStore is a Store backed by a map.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	records map[string]T
}

func NewMemoryStore[T any]() *MemoryStore[T] {
	return &MemoryStore[T]{records: make(map[string]T)}
}

func (s *MemoryStore[T]) Upsert(ctx context.Context, key string, record T) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = record
	return record, nil
}

func (s *MemoryStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *MemoryStore[T]) FindByID(ctx context.Context, key string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return record, nil
}

// Len returns the number of cached records.
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Ping always succeeds.
func (s *MemoryStore[T]) Ping(context.Context) error {
	return nil
}
