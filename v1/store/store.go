// Package store provides the keyed state store behind the coordinator.
// Records are versioned and mutated through compare-and-swap, which is the
// per-key serialization primitive: concurrent writers to the same key
// resolve to exactly one winner, writers to different keys never contend.
// An in-memory implementation serves a single coordinator instance; the
// Redis implementation backs multi-instance deployments.
package store

import (
	"context"
	"strings"
	"sync"
)

// Entry wraps a stored value with the version used for compare-and-swap.
type Entry[T any] struct {
	Value   T
	Version int64
}

// Store abstracts the keyed map holding presence, lock and cursor records.
//
// Versions are opaque, positive and never reused within a store, so a stale
// writer can never pass the version check against a recreated key.
type Store[T any] interface {
	// Get retrieves the entry for a key. The boolean return indicates
	// whether the key was found.
	Get(ctx context.Context, key string) (Entry[T], bool, error)
	// List returns all entries whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string]Entry[T], error)
	// CompareAndSwap writes value if the stored version equals expected.
	// expected == 0 means "create, only if absent". On success it returns
	// the new entry and true; on a version mismatch it returns false with
	// no error.
	CompareAndSwap(ctx context.Context, key string, expected int64, value T) (Entry[T], bool, error)
	// Delete removes the key if the stored version equals expected.
	// expected == 0 deletes unconditionally. It returns true if a record
	// was removed; deleting an absent key is not an error.
	Delete(ctx context.Context, key string, expected int64) (bool, error)
}

// InMemory is a Store backed by a map. Versions come from a store-wide
// counter so they are unique across keys and recreations.
type InMemory[T any] struct {
	mu    sync.RWMutex
	items map[string]Entry[T]
	rev   int64
}

// NewInMemory returns an empty in-memory store.
func NewInMemory[T any]() *InMemory[T] {
	return &InMemory[T]{items: make(map[string]Entry[T])}
}

// Get implements Store.Get.
func (s *InMemory[T]) Get(ctx context.Context, key string) (Entry[T], bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry[T]{}, false, err
	}
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok, nil
}

// List implements Store.List.
func (s *InMemory[T]) List(ctx context.Context, prefix string) (map[string]Entry[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]Entry[T])
	s.mu.RLock()
	for k, e := range s.items {
		if strings.HasPrefix(k, prefix) {
			out[k] = e
		}
	}
	s.mu.RUnlock()
	return out, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemory[T]) CompareAndSwap(ctx context.Context, key string, expected int64, value T) (Entry[T], bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry[T]{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	if ok && cur.Version != expected {
		return Entry[T]{}, false, nil
	}
	if !ok && expected != 0 {
		return Entry[T]{}, false, nil
	}
	s.rev++
	e := Entry[T]{Value: value, Version: s.rev}
	s.items[key] = e
	return e, true, nil
}

// Delete implements Store.Delete.
func (s *InMemory[T]) Delete(ctx context.Context, key string, expected int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[key]
	if !ok {
		return false, nil
	}
	if expected != 0 && cur.Version != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}
