// Package draw picks a random card link from the committed catalog.
package draw

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/crawler"
	"github.com/mtAerohand/draw/internal/metrics"
)

// Catalog is the read side of the main store.
type Catalog interface {
	All(ctx context.Context) ([]crawler.Card, error)
	FindByCategory(ctx context.Context, category crawler.Category) ([]crawler.Card, error)
}

// Stats summarizes the committed catalog.
type Stats struct {
	MainSize int                      `json:"main_size"`
	Counts   map[crawler.Category]int `json:"counts"`
}

// Service answers draw commands.
type Service struct {
	catalog Catalog
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option customizes a Service.
type Option func(*Service)

// WithRand seeds the selection source. Defaults to the global generator.
func WithRand(r *rand.Rand) Option {
	return func(s *Service) { s.rng = r }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.Named("draw")
		}
	}
}

// New builds a Service over catalog.
func New(catalog Catalog, opts ...Option) *Service {
	s := &Service{catalog: catalog, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ParseFilter maps a command argument to a category. Only the exact values
// monster, spell and trap filter; anything else, "SPELL" included, means no
// filter.
func ParseFilter(raw string) (crawler.Category, bool) {
	category, err := crawler.ParseCategory(raw)
	if err != nil {
		return "", false
	}
	return category, true
}

// Draw returns the link of a uniformly chosen card matching raw. It returns
// crawler.ErrNoData when nothing matches.
func (s *Service) Draw(ctx context.Context, raw string) (string, error) {
	category, filtered := ParseFilter(raw)

	var (
		cards []crawler.Card
		err   error
	)
	if filtered {
		cards, err = s.catalog.FindByCategory(ctx, category)
	} else {
		cards, err = s.catalog.All(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("read catalog: %w", err)
	}

	if len(cards) == 0 {
		metrics.ObserveDraw(string(category), false)
		s.logger.Debug("draw found no cards", zap.String("category", string(category)))
		return "", crawler.ErrNoData
	}
	card := cards[s.intN(len(cards))]
	metrics.ObserveDraw(string(category), true)
	s.logger.Debug("card drawn", zap.Int64("card_id", card.ID), zap.String("category", string(category)))
	return card.Link, nil
}

// Stats reports the main store size and per-category counts.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	cards, err := s.catalog.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("read catalog: %w", err)
	}
	stats := Stats{MainSize: len(cards), Counts: make(map[crawler.Category]int, len(crawler.Categories))}
	for _, category := range crawler.Categories {
		stats.Counts[category] = 0
	}
	for _, card := range cards {
		stats.Counts[card.Category]++
	}
	return stats, nil
}

func (s *Service) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}
