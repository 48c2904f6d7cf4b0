// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a card. The set is closed.
type Category string

// Card categories recognized by the catalog.
const (
	CategoryMonster Category = "monster"
	CategorySpell   Category = "spell"
	CategoryTrap    Category = "trap"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategoryMonster, CategorySpell, CategoryTrap}

// ParseCategory matches raw exactly against the closed category set.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", fmt.Errorf("unknown card category %q", raw)
	}
	return c, nil
}

// Valid reports whether c is one of the canonical category values.
func (c Category) Valid() bool {
	switch c {
	case CategoryMonster, CategorySpell, CategoryTrap:
		return true
	default:
		return false
	}
}

// Card is one catalog entry.
type Card struct {
	ID       int64    `json:"id"`
	Category Category `json:"category"`
	Link     string   `json:"link"`
}

// Validate enforces the record shape every store relies on.
func (c Card) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("card id must be > 0, got %d", c.ID)
	}
	if !c.Category.Valid() {
		return fmt.Errorf("card %d: unknown category %q", c.ID, c.Category)
	}
	if strings.TrimSpace(c.Link) == "" {
		return fmt.Errorf("card %d: link is required", c.ID)
	}
	return nil
}

// Page is the raw result of one catalog fetch.
type Page struct {
	Number     int
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// CommitEvent is published after the main store has been replaced.
type CommitEvent struct {
	CycleID     string    `json:"cycle_id"`
	Before      int       `json:"before"`
	After       int       `json:"after"`
	CommittedAt time.Time `json:"committed_at"`
}
