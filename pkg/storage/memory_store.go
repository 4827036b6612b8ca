package storage

import (
	"container/list"
	"context"
	"sync"

	"github.com/polisai/conduit/pkg/domain"
)

// MemoryCacheStore is an in-memory implementation of domain.CacheStore with
// least-recently-used eviction.
type MemoryCacheStore struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	entry domain.CacheEntry
}

// NewMemoryCacheStore creates a store holding at most maxEntries entries. Zero
// or less means unbounded.
func NewMemoryCacheStore(maxEntries int) *MemoryCacheStore {
	return &MemoryCacheStore{
		max:     maxEntries,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get retrieves an entry from memory.
func (s *MemoryCacheStore) Get(_ context.Context, key string) (domain.CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	s.order.MoveToFront(elem)
	return elem.Value.(cacheItem).entry, true, nil
}

// Put stores an entry, evicting the least recently used one when full.
func (s *MemoryCacheStore) Put(_ context.Context, key string, entry domain.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		elem.Value = cacheItem{key: key, entry: entry}
		s.order.MoveToFront(elem)
		return nil
	}
	s.entries[key] = s.order.PushFront(cacheItem{key: key, entry: entry})
	if s.max <= 0 || s.order.Len() <= s.max {
		return nil
	}
	if tail := s.order.Back(); tail != nil {
		s.order.Remove(tail)
		delete(s.entries, tail.Value.(cacheItem).key)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryCacheStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Close is a no-op for memory store.
func (s *MemoryCacheStore) Close() error {
	return nil
}
