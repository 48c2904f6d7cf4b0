package crawler

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/clock/system"
	"github.com/mtAerohand/draw/internal/metrics"
)

// Outcome is how a reconciliation resolved.
type Outcome string

// Reconciliation outcomes.
const (
	OutcomeCommitted Outcome = "committed"
	OutcomeCancelled Outcome = "cancelled"
)

// ReconcileResult reports the sizes observed when a cycle was resolved.
type ReconcileResult struct {
	Outcome     Outcome
	MainSize    int
	StagingSize int
	Drift       bool
}

// Reconciler decides whether the staged cycle replaces the main store.
type Reconciler interface {
	Reconcile(ctx context.Context, staging Store, main MainStore) (ReconcileResult, error)
}

// LoopConfig controls paging and pacing.
type LoopConfig struct {
	PageSize           int
	Delay              time.Duration
	ArchivePrefix      string
	ArchiveContentType string
	CommitTopic        string
}

// LoopDeps carries the collaborators of a Loop. Archive, Publisher, Clock and
// IDs are optional.
type LoopDeps struct {
	Fetcher    Fetcher
	Extractor  Extractor
	Staging    Store
	Main       MainStore
	Reconciler Reconciler
	Archive    BlobStore
	Publisher  Publisher
	Clock      Clock
	IDs        IDGenerator
}

// CycleReport summarizes one completed crawl cycle.
type CycleReport struct {
	CycleID   string
	Pages     int
	Result    ReconcileResult
	Err       error
	StartedAt time.Time
}

// Loop drives fetch, extract and stage across catalog pages and reconciles
// when a short page marks the end of the catalog. It is strictly sequential.
type Loop struct {
	cfg    LoopConfig
	deps   LoopDeps
	logger *zap.Logger
}

const defaultPageSize = 100

// NewLoop constructs a Loop.
func NewLoop(cfg LoopConfig, deps LoopDeps, logger *zap.Logger) *Loop {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{cfg: cfg, deps: deps, logger: logger}
}

// Run clears any leftover staging state, publishes the size of the committed
// catalog, then crawls cycle after cycle until the context finishes. A fixed
// delay follows every page.
func (l *Loop) Run(ctx context.Context) {
	if err := l.deps.Staging.Clear(ctx); err != nil {
		l.logger.Warn("clear leftover staging failed", zap.Error(err))
	}
	if size, err := l.deps.Main.Size(ctx); err != nil {
		l.logger.Warn("read main store size failed", zap.Error(err))
	} else {
		metrics.SetMainSize(size)
	}
	l.logger.Info("crawl loop started",
		zap.Int("page_size", l.cfg.PageSize),
		zap.Duration("delay", l.cfg.Delay),
	)
	for {
		if _, err := l.runCycle(ctx); err != nil {
			break
		}
		if err := l.wait(ctx); err != nil {
			break
		}
	}
	l.logger.Info("crawl loop stopped")
}

// RunCycle clears staging and runs exactly one cycle without the trailing delay.
func (l *Loop) RunCycle(ctx context.Context) (CycleReport, error) {
	if err := l.deps.Staging.Clear(ctx); err != nil {
		return CycleReport{}, fmt.Errorf("clear staging: %w", err)
	}
	return l.runCycle(ctx)
}

// Handle controls a detached loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		l.Run(ctx)
	}()
	return h
}

// Stop signals the loop and waits for it to exit.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// runCycle walks pages from 1 until a short page and resolves the cycle. It
// only returns an error when the context finished mid-cycle.
func (l *Loop) runCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{CycleID: l.newCycleID(), StartedAt: l.deps.Clock.Now()}
	logger := l.logger.With(zap.String("cycle_id", report.CycleID))
	logger.Debug("crawl cycle started")

	for page := 1; ; page++ {
		count := l.processPage(ctx, logger, report.CycleID, page)
		report.Pages = page
		if ctx.Err() != nil {
			return report, fmt.Errorf("crawl cycle interrupted: %w", ctx.Err())
		}
		if count < l.cfg.PageSize {
			l.finishCycle(ctx, logger, &report)
			return report, nil
		}
		if err := l.wait(ctx); err != nil {
			return report, fmt.Errorf("crawl cycle interrupted: %w", err)
		}
	}
}

// processPage returns the number of cards staged from the page. Every failure
// counts as zero so that the cycle resolves on the short-page branch.
func (l *Loop) processPage(ctx context.Context, logger *zap.Logger, cycleID string, page int) int {
	pageLogger := logger.With(zap.Int("page", page))
	pageLogger.Debug("fetching page")

	count, err := l.stagePage(ctx, pageLogger, cycleID, page)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		kind := ErrorKind(err)
		switch kind {
		case "robots_blocked":
			pageLogger.Error("page failed; treating as end of catalog",
				zap.String("error_kind", kind),
				zap.String("hint", "check crawler.search_path or crawler.ignore_robots"),
				zap.Error(err),
			)
		case "network_error", "parse_error":
			pageLogger.Warn("page failed; treating as end of catalog",
				zap.String("error_kind", kind),
				zap.Error(err),
			)
		default:
			pageLogger.Error("page failed; treating as end of catalog",
				zap.String("error_kind", kind),
				zap.String("error_type", fmt.Sprintf("%T", err)),
				zap.Error(err),
			)
		}
		metrics.ObservePage(kind)
		return 0
	}

	outcome := "ok"
	if count < l.cfg.PageSize {
		outcome = "short"
	}
	metrics.ObservePage(outcome)
	metrics.AddCardsStaged(count)
	pageLogger.Info("page staged", zap.Int("cards", count), zap.String("outcome", outcome))
	return count
}

func (l *Loop) stagePage(ctx context.Context, logger *zap.Logger, cycleID string, page int) (int, error) {
	raw, err := l.deps.Fetcher.Fetch(ctx, page, l.cfg.PageSize)
	if err != nil {
		return 0, err
	}
	l.archivePage(ctx, logger, cycleID, raw)

	cards, err := l.deps.Extractor.Extract(ctx, raw.Body)
	if err != nil {
		return 0, err
	}
	for _, card := range cards {
		if err := l.deps.Staging.Upsert(ctx, card); err != nil {
			return 0, fmt.Errorf("stage card %d: %w", card.ID, err)
		}
	}
	return len(cards), nil
}

func (l *Loop) archivePage(ctx context.Context, logger *zap.Logger, cycleID string, raw Page) {
	if l.deps.Archive == nil {
		return
	}
	objectPath := l.archivePath(cycleID, raw.Number)
	uri, err := l.deps.Archive.PutObject(ctx, objectPath, l.cfg.ArchiveContentType, bytes.NewReader(raw.Body))
	if err != nil {
		logger.Warn("archive page failed", zap.String("path", objectPath), zap.Error(err))
		return
	}
	logger.Debug("page archived", zap.String("uri", uri))
}

func (l *Loop) archivePath(cycleID string, page int) string {
	name := fmt.Sprintf("page-%04d.html", page)
	prefix := strings.Trim(l.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return path.Join(cycleID, name)
	}
	return path.Join(prefix, cycleID, name)
}

// finishCycle reconciles and then clears staging whatever the outcome was.
func (l *Loop) finishCycle(ctx context.Context, logger *zap.Logger, report *CycleReport) {
	result, err := l.deps.Reconciler.Reconcile(ctx, l.deps.Staging, l.deps.Main)
	report.Result = result
	report.Err = err

	switch {
	case err != nil:
		metrics.ObserveCycle("failed")
		logger.Error("reconcile failed", zap.Int("pages", report.Pages), zap.Error(err))
	default:
		metrics.ObserveCycle(string(result.Outcome))
		logger.Info("crawl cycle resolved",
			zap.String("outcome", string(result.Outcome)),
			zap.Int("pages", report.Pages),
			zap.Int("main_size", result.MainSize),
			zap.Int("staging_size", result.StagingSize),
			zap.Bool("drift", result.Drift),
		)
	}
	if err == nil && result.Outcome == OutcomeCommitted {
		metrics.SetMainSize(result.StagingSize)
		if result.StagingSize == 0 {
			logger.Warn("committed an empty staging set", zap.Int("previous_size", result.MainSize))
		}
		l.publishCommit(ctx, logger, report.CycleID, result)
	}

	// Shutdown must not leave a resolved cycle's records behind.
	clearCtx := context.WithoutCancel(ctx)
	if cerr := l.deps.Staging.Clear(clearCtx); cerr != nil {
		logger.Error("clear staging failed", zap.Error(cerr))
	}
}

func (l *Loop) publishCommit(ctx context.Context, logger *zap.Logger, cycleID string, result ReconcileResult) {
	if l.deps.Publisher == nil || l.cfg.CommitTopic == "" {
		return
	}
	event := CommitEvent{
		CycleID:     cycleID,
		Before:      result.MainSize,
		After:       result.StagingSize,
		CommittedAt: l.deps.Clock.Now(),
	}
	id, err := l.deps.Publisher.Publish(ctx, l.cfg.CommitTopic, event)
	if err != nil {
		logger.Warn("publish commit event failed", zap.String("topic", l.cfg.CommitTopic), zap.Error(err))
		return
	}
	logger.Debug("commit event published", zap.String("message_id", id))
}

func (l *Loop) wait(ctx context.Context) error {
	if l.cfg.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(l.cfg.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Loop) newCycleID() string {
	if l.deps.IDs != nil {
		if id, err := l.deps.IDs.NewID(); err == nil {
			return id
		}
	}
	return l.deps.Clock.Now().UTC().Format("20060102T150405.000000000")
}
