// Package reconciler decides whether a finished crawl cycle replaces the
// committed main store. A staged total that differs from the committed total is
// treated as size drift and needs a human answer before the swap happens.
package reconciler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/crawler"
)

// Reconciler implements crawler.Reconciler.
type Reconciler struct {
	notifier  crawler.Notifier
	confirmer crawler.Confirmer
	logger    *zap.Logger
}

// New constructs a Reconciler. The notifier may be nil; the confirmer may not.
func New(notifier crawler.Notifier, confirmer crawler.Confirmer, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		notifier:  notifier,
		confirmer: confirmer,
		logger:    logger,
	}
}

// Reconcile compares staging against main and commits or cancels. Only the
// commit path mutates main, and it does so through a single ReplaceAll.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	staging crawler.Store,
	main crawler.MainStore,
) (crawler.ReconcileResult, error) {
	result := crawler.ReconcileResult{Outcome: crawler.OutcomeCancelled}

	mainSize, err := main.Size(ctx)
	if err != nil {
		return result, fmt.Errorf("size main store: %w", err)
	}
	stagingSize, err := staging.Size(ctx)
	if err != nil {
		return result, fmt.Errorf("size staging store: %w", err)
	}
	result.MainSize = mainSize
	result.StagingSize = stagingSize
	result.Drift = IsDrift(mainSize, stagingSize)

	if result.Drift {
		proceed, err := r.confirmDrift(ctx, mainSize, stagingSize)
		if err != nil {
			return result, fmt.Errorf("confirm size drift: %w", err)
		}
		if !proceed {
			r.logger.Info("commit cancelled by confirmation",
				zap.Int("main_size", mainSize),
				zap.Int("staging_size", stagingSize),
			)
			return result, nil
		}
	}

	cards, err := staging.All(ctx)
	if err != nil {
		return result, fmt.Errorf("read staging store: %w", err)
	}
	if err := main.ReplaceAll(ctx, cards); err != nil {
		return result, fmt.Errorf("replace main store: %w", err)
	}
	result.Outcome = crawler.OutcomeCommitted
	return result, nil
}

// IsDrift reports whether a staged total needs confirmation. An empty staging
// set and a first commit into an empty main store are not drift.
func IsDrift(mainSize, stagingSize int) bool {
	return stagingSize != 0 && mainSize != stagingSize && mainSize != 0
}

func (r *Reconciler) confirmDrift(ctx context.Context, mainSize, stagingSize int) (bool, error) {
	if r.confirmer == nil {
		return false, fmt.Errorf("no confirmer configured")
	}
	prompt := DriftPrompt(mainSize, stagingSize)

	r.logger.Warn("size drift detected; awaiting confirmation",
		zap.Int("main_size", mainSize),
		zap.Int("staging_size", stagingSize),
	)
	if r.notifier != nil {
		if !r.notifier.Notify(ctx, prompt.Title, prompt.Body) {
			r.logger.Warn("drift notification was not delivered")
		}
	}
	return r.confirmer.Confirm(ctx, prompt)
}

// DriftPrompt builds the notification and confirmation text for a size change.
func DriftPrompt(mainSize, stagingSize int) crawler.Prompt {
	return crawler.Prompt{
		Title: "Card catalog size changed",
		Body: fmt.Sprintf(
			"The crawl staged %d cards but the committed catalog holds %d (%+d). Replace the catalog?",
			stagingSize, mainSize, stagingSize-mainSize,
		),
		MainSize:    mainSize,
		StagingSize: stagingSize,
	}
}
