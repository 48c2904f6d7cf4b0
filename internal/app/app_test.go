package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/config"
	"github.com/mtAerohand/draw/internal/crawler"
)

// mockCloser records close calls.
type mockCloser struct {
	mock.Mock
}

func (m *mockCloser) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeoutSeconds: 5, ShutdownTimeoutSeconds: 5},
		Auth:    config.AuthConfig{APIKey: "secret"},
		Crawler: config.CrawlerConfig{
			BaseURL:       "https://cards.test/",
			SearchPath:    "/yugiohdb/card_search.action",
			OperationMode: "1",
			Locale:        "ja",
			PageSize:      100,
			IgnoreRobots:  true,
		},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 2},
		Storage: config.StorageConfig{Backend: config.BackendMemory, TablePrefix: "cards"},
		Archive: config.ArchiveConfig{Backend: config.ArchiveMemory, Prefix: "pages"},
		Confirm: config.ConfirmConfig{Mode: config.ConfirmApprove},
	}
}

func listingBody(cids ...int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="card_list">`)
	for _, cid := range cids {
		fmt.Fprintf(&b,
			`<div class="t_row"><span class="box_card_attribute"><span>魔法</span></span>`+
				`<input type="hidden" class="link_value" value="/yugiohdb/card_search.action?ope=2&cid=%d"></div>`,
			cid)
	}
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func catalogTransport(body string) *httpmock.MockTransport {
	transport := httpmock.NewMockTransport()
	transport.RegisterRegexpResponder(http.MethodGet,
		regexp.MustCompile(`^https://cards\.test/yugiohdb/card_search\.action`),
		httpmock.NewStringResponder(http.StatusOK, body))
	return transport
}

func TestNewMemoryBackendRunsCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, err := New(ctx, testConfig(), zap.NewNop(), Options{Transport: catalogTransport(listingBody(4844, 4845))})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	report, err := a.Loop.RunCycle(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err)
	assert.Equal(t, 1, report.Pages)
	assert.Equal(t, crawler.OutcomeCommitted, report.Result.Outcome)
	assert.Equal(t, 2, report.Result.StagingSize)

	size, err := a.Main.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
	stagingSize, err := a.Staging.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, stagingSize)

	link, err := a.Drawer.Draw(ctx, "spell")
	require.NoError(t, err)
	assert.Contains(t, link, "https://cards.test/yugiohdb/card_search.action?ope=2&cid=484")

	_, err = a.Drawer.Draw(ctx, "trap")
	assert.ErrorIs(t, err, crawler.ErrNoData)
	assert.NoError(t, a.Ready(ctx))
}

func TestNewSQLiteBackendWithCache(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "cards.db")
	cfg.Storage.CacheTTLSeconds = 30
	cfg.Archive = config.ArchiveConfig{Backend: config.ArchiveLocal, Dir: t.TempDir()}

	ctx := context.Background()
	a, err := New(ctx, cfg, zap.NewNop(), Options{Transport: catalogTransport(listingBody(1, 2, 3))})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	report, err := a.Loop.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeCommitted, report.Result.Outcome)

	stats, err := a.Drawer.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.MainSize)
	assert.Equal(t, 3, stats.Counts[crawler.CategorySpell])
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.Backend = "mongo"
	_, err := New(context.Background(), cfg, zap.NewNop(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage backend")
}

func TestNewRejectsBadNotifierURL(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Notify = config.NotifyConfig{Enabled: true, URLs: []string{"nosuchservice://token"}, TimeoutSeconds: 1}
	_, err := New(context.Background(), cfg, zap.NewNop(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifier")
}

func TestAPIModeExposesConfirmations(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Confirm.Mode = config.ConfirmAPI
	a, err := New(context.Background(), cfg, zap.NewNop(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	require.NotNil(t, a.Confirmations)

	srv := httptest.NewServer(a.APIServer().Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/confirmations/", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConsoleModeUsesProvidedStreams(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Confirm.Mode = config.ConfirmConsole
	var out strings.Builder
	a, err := New(context.Background(), cfg, zap.NewNop(), Options{
		Stdin:  strings.NewReader("yes\n"),
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Nil(t, a.Confirmations)
	assert.NoError(t, a.Close())
}

func TestCloseRunsInReverseAndJoinsErrors(t *testing.T) {
	t.Parallel()

	first := new(mockCloser)
	second := new(mockCloser)
	var order []string
	first.On("Close").Run(func(mock.Arguments) { order = append(order, "first") }).Return(errors.New("boom")).Once()
	second.On("Close").Run(func(mock.Arguments) { order = append(order, "second") }).Return(nil).Once()

	a := &App{}
	a.addCloser("first", first.Close)
	a.addCloser("second", second.Close)

	err := a.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close first: boom")
	assert.Equal(t, []string{"second", "first"}, order)
	first.AssertExpectations(t)
	second.AssertExpectations(t)

	assert.NoError(t, a.Close())
}
