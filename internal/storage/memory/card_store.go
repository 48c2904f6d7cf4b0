// Package memory holds in-memory stores used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mtAerohand/draw/internal/crawler"
)

// CardStore implements crawler.MainStore in memory.
type CardStore struct {
	mu    sync.RWMutex
	cards map[int64]crawler.Card
}

// NewCardStore creates an empty CardStore.
func NewCardStore() *CardStore {
	return &CardStore{cards: make(map[int64]crawler.Card)}
}

// Upsert inserts the card or overwrites the existing card with the same id.
func (s *CardStore) Upsert(_ context.Context, card crawler.Card) error {
	if err := card.Validate(); err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ID] = card
	return nil
}

// All returns every card ordered by id.
func (s *CardStore) All(_ context.Context) ([]crawler.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(crawler.Card) bool { return true }), nil
}

// FindByCategory returns the cards of one category ordered by id.
func (s *CardStore) FindByCategory(_ context.Context, category crawler.Category) ([]crawler.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(c crawler.Card) bool { return c.Category == category }), nil
}

// Size returns the number of cards held.
func (s *CardStore) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards), nil
}

// Clear drops every card.
func (s *CardStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = make(map[int64]crawler.Card)
	return nil
}

// ReplaceAll installs cards as the new contents. The replacement map is built
// before the lock is taken so readers only ever see a complete snapshot.
func (s *CardStore) ReplaceAll(_ context.Context, cards []crawler.Card) error {
	next := make(map[int64]crawler.Card, len(cards))
	for _, card := range cards {
		if err := card.Validate(); err != nil {
			return fmt.Errorf("replace cards: %w", err)
		}
		next[card.ID] = card
	}
	s.mu.Lock()
	s.cards = next
	s.mu.Unlock()
	return nil
}

func (s *CardStore) collect(keep func(crawler.Card) bool) []crawler.Card {
	out := make([]crawler.Card, 0, len(s.cards))
	for _, card := range s.cards {
		if keep(card) {
			out = append(out, card)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
