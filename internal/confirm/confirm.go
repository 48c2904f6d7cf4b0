// Package confirm asks an operator whether a size-drifted cycle may replace
// the main store.
package confirm

import (
	"context"
	"errors"
	"strings"

	"github.com/mtAerohand/draw/internal/crawler"
)

var (
	// ErrInvalidAnswer is returned for anything other than yes or no.
	ErrInvalidAnswer = errors.New("answer must be yes or no")
	// ErrUnknownConfirmation is returned when no pending confirmation has the id.
	ErrUnknownConfirmation = errors.New("unknown confirmation")
)

// ParseAnswer maps a case-insensitive yes/no to a decision.
func ParseAnswer(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	default:
		return false, ErrInvalidAnswer
	}
}

// Static answers every prompt the same way.
type Static struct {
	approve bool
}

// NewStatic builds a confirmer that always answers approve.
func NewStatic(approve bool) *Static {
	return &Static{approve: approve}
}

// Confirm returns the fixed answer.
func (s *Static) Confirm(ctx context.Context, _ crawler.Prompt) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.approve, nil
}
