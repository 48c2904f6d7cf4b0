package confirm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/crawler"
)

// Pending describes a confirmation waiting for an answer.
type Pending struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	MainSize    int       `json:"main_size"`
	StagingSize int       `json:"staging_size"`
	CreatedAt   time.Time `json:"created_at"`
}

type pendingEntry struct {
	info   Pending
	answer chan bool
}

// Registry holds confirmations answered over the HTTP API. Confirm blocks
// until Answer resolves the registered id.
type Registry struct {
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewRegistry builds an empty Registry.
func NewRegistry(ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		ids:     ids,
		clock:   clock,
		logger:  logger.Named("confirm"),
		pending: make(map[string]*pendingEntry),
	}
}

// Confirm registers the prompt and waits for an answer or ctx to end. An
// abandoned confirmation is withdrawn.
func (r *Registry) Confirm(ctx context.Context, prompt crawler.Prompt) (bool, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return false, fmt.Errorf("allocate confirmation id: %w", err)
	}
	entry := &pendingEntry{
		info: Pending{
			ID:          id,
			Title:       prompt.Title,
			Body:        prompt.Body,
			MainSize:    prompt.MainSize,
			StagingSize: prompt.StagingSize,
			CreatedAt:   r.clock.Now(),
		},
		answer: make(chan bool, 1),
	}

	r.mu.Lock()
	r.pending[id] = entry
	r.mu.Unlock()
	r.logger.Info("confirmation pending", zap.String("confirmation_id", id))

	select {
	case answer := <-entry.answer:
		return answer, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		// An answer may have landed between ctx ending and the withdrawal.
		select {
		case answer := <-entry.answer:
			return answer, nil
		default:
		}
		return false, fmt.Errorf("confirmation %s interrupted: %w", id, ctx.Err())
	}
}

// List returns pending confirmations, oldest first.
func (r *Registry) List() []Pending {
	r.mu.Lock()
	out := make([]Pending, 0, len(r.pending))
	for _, entry := range r.pending {
		out = append(out, entry.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Answer resolves a pending confirmation. An invalid answer leaves it pending.
func (r *Registry) Answer(id, raw string) (bool, error) {
	approved, err := ParseAnswer(raw)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	entry, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownConfirmation, id)
	}

	entry.answer <- approved
	r.logger.Info("confirmation answered", zap.String("confirmation_id", id), zap.Bool("approved", approved))
	return approved, nil
}
