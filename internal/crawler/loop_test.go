package crawler_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mtAerohand/draw/internal/confirm"
	"github.com/mtAerohand/draw/internal/crawler"
	"github.com/mtAerohand/draw/internal/metrics"
	pubmemory "github.com/mtAerohand/draw/internal/publisher/memory"
	"github.com/mtAerohand/draw/internal/reconciler"
	"github.com/mtAerohand/draw/internal/storage/memory"
)

const testPageSize = 3

// scriptedFetcher answers page n with script[n] cards, an error from errs, or
// zero cards when the page is not scripted. Every request is recorded.
type scriptedFetcher struct {
	mu     sync.Mutex
	script map[int]int
	errs   map[int]error
	pages  []int
	notify chan int
}

func (f *scriptedFetcher) Fetch(ctx context.Context, page, pageSize int) (crawler.Page, error) {
	f.mu.Lock()
	f.pages = append(f.pages, page)
	err := f.errs[page]
	count := f.script[page]
	f.mu.Unlock()
	if f.notify != nil {
		select {
		case f.notify <- page:
		default:
		}
	}
	if err := ctx.Err(); err != nil {
		return crawler.Page{}, &crawler.NetworkError{Page: page, Err: err}
	}
	if err != nil {
		return crawler.Page{}, err
	}
	return crawler.Page{Number: page, StatusCode: 200, Body: []byte(fmt.Sprintf("%d:%d", page, count))}, nil
}

func (f *scriptedFetcher) requested() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.pages...)
}

// countingExtractor turns "page:count" bodies into count cards; "bad" bodies
// fail to parse.
type countingExtractor struct {
	badPages map[int]bool
}

func (e countingExtractor) Extract(_ context.Context, content []byte) ([]crawler.Card, error) {
	var page, count int
	if _, err := fmt.Sscanf(string(content), "%d:%d", &page, &count); err != nil {
		return nil, &crawler.ParseError{Index: 0, Reason: "unreadable body", Err: err}
	}
	if e.badPages[page] {
		return nil, &crawler.ParseError{Index: 0, Reason: "missing detail link"}
	}
	cards := make([]crawler.Card, 0, count)
	for i := 0; i < count; i++ {
		id := int64(page*1000 + i + 1)
		cards = append(cards, crawler.Card{
			ID:       id,
			Category: crawler.Categories[i%len(crawler.Categories)],
			Link:     "https://www.db.yugioh-card.com/yugiohdb/card_search.action?ope=2&cid=" + strconv.FormatInt(id, 10),
		})
	}
	return cards, nil
}

type countingReconciler struct {
	inner crawler.Reconciler
	mu    sync.Mutex
	calls int
}

func (r *countingReconciler) Reconcile(
	ctx context.Context, staging crawler.Store, main crawler.MainStore,
) (crawler.ReconcileResult, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.inner.Reconcile(ctx, staging, main)
}

func (r *countingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("cycle-%d", s.n), nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type harness struct {
	fetcher    *scriptedFetcher
	staging    *memory.CardStore
	main       *memory.CardStore
	reconciler *countingReconciler
	archive    *memory.BlobStore
	publisher  *pubmemory.Publisher
	deps       crawler.LoopDeps
}

func newHarness(script map[int]int, confirmer crawler.Confirmer) *harness {
	h := &harness{
		fetcher:   &scriptedFetcher{script: script, errs: map[int]error{}},
		staging:   memory.NewCardStore(),
		main:      memory.NewCardStore(),
		archive:   memory.NewBlobStore(),
		publisher: pubmemory.New(),
	}
	if confirmer == nil {
		confirmer = confirm.NewStatic(true)
	}
	h.reconciler = &countingReconciler{inner: reconciler.New(nil, confirmer, nil)}
	h.deps = crawler.LoopDeps{
		Fetcher:    h.fetcher,
		Extractor:  countingExtractor{},
		Staging:    h.staging,
		Main:       h.main,
		Reconciler: h.reconciler,
		Archive:    h.archive,
		Publisher:  h.publisher,
		Clock:      fixedClock{t: time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)},
		IDs:        &sequenceIDs{},
	}
	return h
}

func (h *harness) loop(cfg crawler.LoopConfig) *crawler.Loop {
	if cfg.PageSize == 0 {
		cfg.PageSize = testPageSize
	}
	return crawler.NewLoop(cfg, h.deps, nil)
}

func storeSize(t *testing.T, s crawler.Store) int {
	t.Helper()
	n, err := s.Size(context.Background())
	require.NoError(t, err)
	return n
}

func TestRunCyclePaginatesUntilShortPage(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 3, 2: 3, 3: 1}, nil)
	loop := h.loop(crawler.LoopConfig{})

	report, err := loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, h.fetcher.requested())
	assert.Equal(t, 3, report.Pages)
	assert.Equal(t, "cycle-1", report.CycleID)
	assert.Equal(t, crawler.OutcomeCommitted, report.Result.Outcome)
	assert.Equal(t, 1, h.reconciler.count())
	assert.Equal(t, 7, storeSize(t, h.main))
	assert.Zero(t, storeSize(t, h.staging), "staging is cleared after reconciliation")

	_, err = loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, h.fetcher.requested(), "the next cycle restarts at page 1")
}

func TestRunCycleNetworkErrorEndsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 3, 2: 3, 3: 3, 4: 1}, nil)
	h.fetcher.errs[2] = &crawler.NetworkError{Page: 2, StatusCode: 503, Err: fmt.Errorf("Service Unavailable")}
	loop := h.loop(crawler.LoopConfig{})

	report, err := loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, h.fetcher.requested())
	assert.Equal(t, 1, h.reconciler.count())
	assert.Equal(t, crawler.OutcomeCommitted, report.Result.Outcome)
	assert.Equal(t, 3, storeSize(t, h.main), "only page 1 was staged")
	assert.Zero(t, storeSize(t, h.staging))
}

func TestRunCycleParseErrorEndsCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 3, 2: 3, 3: 1}, nil)
	h.deps.Extractor = countingExtractor{badPages: map[int]bool{1: true}}
	loop := h.loop(crawler.LoopConfig{})

	report, err := loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, h.fetcher.requested())
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 1, h.reconciler.count())
}

func TestFailedPageIsLoggedWithKind(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	h := newHarness(map[int]int{1: 3}, nil)
	h.fetcher.errs[2] = &crawler.NetworkError{Page: 2, Err: fmt.Errorf("connection reset")}
	loop := crawler.NewLoop(crawler.LoopConfig{PageSize: testPageSize}, h.deps, zap.New(core))

	_, err := loop.RunCycle(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("page failed; treating as end of catalog").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "network_error", fields["error_kind"])
	assert.Equal(t, int64(2), fields["page"])
	assert.Equal(t, "cycle-1", fields["cycle_id"])
}

func TestRobotsBlockedPageIsLoggedAsError(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	h := newHarness(map[int]int{}, nil)
	h.fetcher.errs[1] = &crawler.NetworkError{Page: 1, Err: fmt.Errorf("%w: /yugiohdb/", crawler.ErrRobotsBlocked)}
	loop := crawler.NewLoop(crawler.LoopConfig{PageSize: testPageSize}, h.deps, zap.New(core))

	report, err := loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, 1, h.reconciler.count())

	entries := logs.FilterMessage("page failed; treating as end of catalog").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "robots_blocked", fields["error_kind"])
	assert.Equal(t, int64(1), fields["page"])
}

func TestDriftDeclinedLeavesMainAndClearsStaging(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 2}, confirm.NewStatic(false))
	seed := make([]crawler.Card, 0, 5)
	for i := int64(1); i <= 5; i++ {
		seed = append(seed, crawler.Card{ID: i, Category: crawler.CategoryTrap, Link: "https://example.test/" + strconv.FormatInt(i, 10)})
	}
	require.NoError(t, h.main.ReplaceAll(context.Background(), seed))

	report, err := h.loop(crawler.LoopConfig{CommitTopic: "catalog-commits"}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeCancelled, report.Result.Outcome)
	assert.True(t, report.Result.Drift)
	assert.Equal(t, 5, storeSize(t, h.main))
	assert.Zero(t, storeSize(t, h.staging))
	assert.Empty(t, h.publisher.Messages(), "cancelled cycles publish nothing")
}

func TestRunCycleArchivesPagesAndPublishesCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 3, 2: 2}, nil)
	loop := h.loop(crawler.LoopConfig{ArchivePrefix: "/pages/", CommitTopic: "catalog-commits"})

	_, err := loop.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"pages/cycle-1/page-0001.html", "pages/cycle-1/page-0002.html"}, h.archive.Paths())
	body, ok := h.archive.Get("pages/cycle-1/page-0002.html")
	require.True(t, ok)
	assert.Equal(t, "2:2", string(body))

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "catalog-commits", msgs[0].Topic)
	event, ok := msgs[0].Payload.(crawler.CommitEvent)
	require.True(t, ok)
	assert.Equal(t, "cycle-1", event.CycleID)
	assert.Equal(t, 0, event.Before)
	assert.Equal(t, 5, event.After)
}

func TestPublishFailureDoesNotUndoCommit(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 1}, nil)
	h.publisher.FailWith(fmt.Errorf("broker unavailable"))

	report, err := h.loop(crawler.LoopConfig{CommitTopic: "catalog-commits"}).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeCommitted, report.Result.Outcome)
	assert.Equal(t, 1, storeSize(t, h.main))
}

func TestRunCycleHonorsDelayBetweenPages(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 3, 2: 3, 3: 0}, nil)
	loop := h.loop(crawler.LoopConfig{Delay: 25 * time.Millisecond})

	start := time.Now()
	_, err := loop.RunCycle(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRunCycleClearsLeftoverStaging(t *testing.T) {
	t.Parallel()

	h := newHarness(map[int]int{1: 1}, nil)
	require.NoError(t, h.staging.Upsert(context.Background(), crawler.Card{
		ID: 999999, Category: crawler.CategorySpell, Link: "https://example.test/leftover",
	}))

	_, err := h.loop(crawler.LoopConfig{}).RunCycle(context.Background())
	require.NoError(t, err)
	cards, err := h.main.All(context.Background())
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, int64(1001), cards[0].ID)
}

func TestStartStopRestartsAtFirstPage(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(map[int]int{1: 3, 2: 1}, nil)
	loop := h.loop(crawler.LoopConfig{Delay: time.Millisecond})

	handle := loop.Start(context.Background())
	require.Eventually(t, func() bool {
		return len(h.fetcher.requested()) >= 5
	}, 2*time.Second, time.Millisecond)
	handle.Stop()

	select {
	case <-handle.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	pages := h.fetcher.requested()
	for i, page := range pages {
		assert.Equal(t, i%2+1, page, "request %d", i)
	}
	assert.GreaterOrEqual(t, h.reconciler.count(), 2)
}

func scrapeMetric(t *testing.T, name string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, name+" ") {
			return strings.TrimPrefix(line, name+" ")
		}
	}
	return ""
}

func TestRunPublishesCommittedSizeBeforeFirstCycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(map[int]int{1: 3}, nil)
	seed := make([]crawler.Card, 0, 7)
	for i := int64(1); i <= 7; i++ {
		seed = append(seed, crawler.Card{ID: i, Category: crawler.CategoryMonster, Link: "https://example.test/" + strconv.FormatInt(i, 10)})
	}
	require.NoError(t, h.main.ReplaceAll(context.Background(), seed))
	metrics.SetMainSize(0)

	h.fetcher.notify = make(chan int, 1)
	handle := h.loop(crawler.LoopConfig{Delay: time.Hour}).Start(context.Background())
	defer handle.Stop()
	select {
	case <-h.fetcher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch never happened")
	}

	assert.Equal(t, "7", scrapeMetric(t, "cardcrawler_main_store_cards"))
	assert.Zero(t, h.reconciler.count())
}

func TestStopInterruptsLongDelay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(map[int]int{1: 3}, nil)
	h.fetcher.notify = make(chan int, 1)
	loop := h.loop(crawler.LoopConfig{Delay: time.Hour})

	handle := loop.Start(context.Background())
	select {
	case <-h.fetcher.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch never happened")
	}

	stopped := make(chan struct{})
	go func() {
		handle.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the delay")
	}
	assert.Equal(t, []int{1}, h.fetcher.requested())
	assert.Zero(t, h.reconciler.count())
}

func TestStopDuringConfirmationCancels(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	registry := confirm.NewRegistry(&sequenceIDs{}, fixedClock{t: time.Now()}, nil)
	h := newHarness(map[int]int{1: 1}, registry)
	require.NoError(t, h.main.ReplaceAll(context.Background(), []crawler.Card{
		{ID: 1, Category: crawler.CategoryMonster, Link: "https://example.test/1"},
		{ID: 2, Category: crawler.CategoryMonster, Link: "https://example.test/2"},
	}))

	handle := h.loop(crawler.LoopConfig{}).Start(context.Background())
	require.Eventually(t, func() bool { return len(registry.List()) == 1 }, 2*time.Second, time.Millisecond)
	handle.Stop()

	assert.Equal(t, 2, storeSize(t, h.main))
	assert.Zero(t, storeSize(t, h.staging))
	assert.Empty(t, registry.List())
}
