// Package cache wraps a main store with a read-through cache that is dropped
// whenever the store is replaced.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mtAerohand/draw/internal/crawler"
)

const (
	keyAll  = "all"
	keySize = "size"
)

// Store caches reads of the wrapped crawler.MainStore.
type Store struct {
	next  crawler.MainStore
	cache *gocache.Cache

	// mu guards generation and cache writes; a read only fills the cache when
	// no write completed while it was querying.
	mu         sync.Mutex
	generation uint64
}

// New wraps next. ttl bounds how long a cached read may be served.
func New(next crawler.MainStore, ttl time.Duration) *Store {
	return &Store{
		next:  next,
		cache: gocache.New(ttl, ttl*2),
	}
}

// Upsert writes through and invalidates cached reads.
func (s *Store) Upsert(ctx context.Context, card crawler.Card) error {
	if err := s.next.Upsert(ctx, card); err != nil {
		return fmt.Errorf("cached upsert: %w", err)
	}
	s.invalidate()
	return nil
}

// All returns every card, cached.
func (s *Store) All(ctx context.Context) ([]crawler.Card, error) {
	return s.cards(ctx, keyAll, s.next.All)
}

// FindByCategory returns the cards of one category, cached per category.
func (s *Store) FindByCategory(ctx context.Context, category crawler.Category) ([]crawler.Card, error) {
	return s.cards(ctx, "category:"+string(category), func(ctx context.Context) ([]crawler.Card, error) {
		return s.next.FindByCategory(ctx, category)
	})
}

// Size returns the card count, cached.
func (s *Store) Size(ctx context.Context) (int, error) {
	if v, ok := s.cache.Get(keySize); ok {
		return v.(int), nil
	}
	gen := s.currentGeneration()
	n, err := s.next.Size(ctx)
	if err != nil {
		return 0, fmt.Errorf("cached size: %w", err)
	}
	s.fill(gen, keySize, n)
	return n, nil
}

// Clear empties the wrapped store and the cache.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.next.Clear(ctx); err != nil {
		return fmt.Errorf("cached clear: %w", err)
	}
	s.invalidate()
	return nil
}

// ReplaceAll replaces the wrapped store and then drops every cached read.
func (s *Store) ReplaceAll(ctx context.Context, cards []crawler.Card) error {
	if err := s.next.ReplaceAll(ctx, cards); err != nil {
		return fmt.Errorf("cached replace: %w", err)
	}
	s.invalidate()
	return nil
}

func (s *Store) cards(
	ctx context.Context,
	key string,
	load func(context.Context) ([]crawler.Card, error),
) ([]crawler.Card, error) {
	if v, ok := s.cache.Get(key); ok {
		return cloneCards(v.([]crawler.Card)), nil
	}
	gen := s.currentGeneration()
	cards, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("cached read %s: %w", key, err)
	}
	s.fill(gen, key, cloneCards(cards))
	return cards, nil
}

func (s *Store) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Store) fill(gen uint64, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return
	}
	s.cache.Set(key, value, gocache.DefaultExpiration)
}

func (s *Store) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.cache.Flush()
}

func cloneCards(cards []crawler.Card) []crawler.Card {
	return append([]crawler.Card(nil), cards...)
}
