package catalog

import (
	"sync"

	"floorwatch/models"
)

// Store is the in-memory cache of the latest known state per collection.
// The change detector is the only writer; the alert engine reads it when
// ranking collections by volume. Entries live for the process lifetime.
type Store struct {
	mu    sync.RWMutex
	items map[string]*models.Collection
}

func NewStore() *Store {
	return &Store{items: make(map[string]*models.Collection)}
}

func (s *Store) Get(slug string) *models.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[slug]
}

// Upsert stores the collection verbatim, replacing any previous entry.
func (s *Store) Upsert(c *models.Collection) {
	s.mu.Lock()
	s.items[c.Slug] = c
	s.mu.Unlock()
}

// Merge deep-merges the update into the stored entry and returns the merged
// result. When no entry exists yet the update is stored verbatim.
func (s *Store) Merge(update *models.Collection) *models.Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.items[update.Slug]
	if !ok {
		s.items[update.Slug] = update
		return update
	}
	existing.MergeFrom(update)
	return existing
}

// Range calls fn for every stored collection under the read lock.
func (s *Store) Range(fn func(c *models.Collection)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.items {
		fn(c)
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
