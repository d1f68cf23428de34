// Package history keeps the most recent terminal records in memory.
package history

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"agentflow/internal/domain"
)

const DefaultSize = 10000

// Store is a size-bounded record store. Records past the bound are handed
// to the eviction callback, oldest first.
type Store struct {
	cache *lru.Cache[string, domain.Record]
}

func New(size int, onEvict func(domain.Record)) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cb := func(_ string, rec domain.Record) {
		if onEvict != nil {
			onEvict(rec)
		}
	}
	c, err := lru.NewWithEvict[string, domain.Record](size, cb)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return &Store{cache: c}, nil
}

func (s *Store) Put(rec domain.Record) {
	s.cache.Add(rec.Item.ID, rec)
}

// Get does not refresh recency, so reads never influence eviction.
func (s *Store) Get(id string) (domain.Record, bool) {
	return s.cache.Peek(id)
}

// Records returns the stored records, oldest first.
func (s *Store) Records() []domain.Record {
	return s.cache.Values()
}

func (s *Store) Len() int { return s.cache.Len() }
