// Package collyfetcher implements crawler.Fetcher for the card search listing
// using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mtAerohand/draw/internal/crawler"
	"github.com/mtAerohand/draw/internal/metrics"
)

// Defaults for the card database listing.
const (
	DefaultBaseURL       = "https://www.db.yugioh-card.com"
	DefaultSearchPath    = "/yugiohdb/card_search.action"
	DefaultOperationMode = "1"
	DefaultLocale        = "ja"
	defaultTimeout       = 15 * time.Second
)

// Config controls collector behavior and the listing URL shape.
type Config struct {
	BaseURL       string
	SearchPath    string
	OperationMode string
	Locale        string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// Transport overrides the HTTP transport; nil uses a pooled default.
	Transport http.RoundTripper
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	robots        *robotsProbe
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SearchPath == "" {
		cfg.SearchPath = DefaultSearchPath
	}
	if cfg.OperationMode == "" {
		cfg.OperationMode = DefaultOperationMode
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}

	// The same listing URL is requested every cycle.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)

	f := &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
	if cfg.RespectRobots {
		f.robots = newRobotsProbe(transport)
	}
	return f
}

// PageURL returns the listing URL for the given page and page size.
func (f *Fetcher) PageURL(page, pageSize int) string {
	q := url.Values{}
	q.Set("ope", f.cfg.OperationMode)
	q.Set("request_locale", f.cfg.Locale)
	q.Set("page", strconv.Itoa(page))
	q.Set("rp", strconv.Itoa(pageSize))
	return f.cfg.BaseURL + f.cfg.SearchPath + "?" + q.Encode()
}

// Fetch retrieves one listing page. Every failure, including a non-2xx
// status, is reported as a *crawler.NetworkError.
func (f *Fetcher) Fetch(ctx context.Context, page, pageSize int) (crawler.Page, error) {
	target := f.PageURL(page, pageSize)
	result := crawler.Page{Number: page, URL: target}
	var fetchErr error

	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)
	err := f.runCollector(ctx, collector, target, &fetchErr)
	metrics.ObserveFetch(target, result.StatusCode, len(result.Body), time.Since(start))
	if err != nil {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			err = fmt.Errorf("%w: %w", crawler.ErrRobotsBlocked, err)
		}
		return crawler.Page{}, &crawler.NetworkError{Page: page, StatusCode: result.StatusCode, Err: err}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(start time.Time, result *crawler.Page, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	if f.robots != nil {
		collector.WithTransport(f.robots)
	} else {
		collector.WithTransport(f.transport)
	}

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.Body = append([]byte(nil), r.Body...)
		result.Duration = time.Since(start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
