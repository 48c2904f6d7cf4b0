// Package metrics exposes Prometheus collectors for the card crawler.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal          *prometheus.CounterVec
	crawlerCardsStagedTotal    prometheus.Counter
	crawlerCyclesTotal         *prometheus.CounterVec
	crawlerFetchBytesTotal     *prometheus.CounterVec
	crawlerFetchDuration       *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	catalogMainSize            prometheus.Gauge
	notificationsTotal         *prometheus.CounterVec
	drawsTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardcrawler_pages_total",
				Help: "Total number of catalog pages processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerCardsStagedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cardcrawler_cards_staged_total",
				Help: "Total number of card records written to the staging store.",
			},
		)

		crawlerCyclesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardcrawler_cycles_total",
				Help: "Total number of crawl cycles resolved, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardcrawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cardcrawler_fetch_duration_seconds",
				Help:    "Histogram of catalog page fetch latencies, labeled by site and status.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site", "status"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cardcrawler_robots_fallback_total",
				Help: "Total number of robots.txt probes that fell back to allow-all after TLS handshake timeouts.",
			},
		)

		catalogMainSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardcrawler_main_store_cards",
				Help: "Number of cards in the committed main store.",
			},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardcrawler_notifications_total",
				Help: "Total number of notifications attempted, labeled by result.",
			},
			[]string{"result"},
		)

		drawsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardcrawler_draws_total",
				Help: "Total number of draw requests, labeled by category filter and result.",
			},
			[]string{"category", "result"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObservePage increments the page counter for the given outcome.
func ObservePage(outcome string) {
	Init()
	crawlerPagesTotal.WithLabelValues(outcome).Inc()
}

// AddCardsStaged adds n to the staged card counter.
func AddCardsStaged(n int) {
	Init()
	if n > 0 {
		crawlerCardsStagedTotal.Add(float64(n))
	}
}

// ObserveCycle increments the cycle counter for the given outcome.
func ObserveCycle(outcome string) {
	Init()
	crawlerCyclesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one upstream request. status is 0 when no response arrived.
func ObserveFetch(site string, status int, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	statusLabel := "error"
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	crawlerFetchDuration.WithLabelValues(sanitizedSite, statusLabel).Observe(duration.Seconds())
	if bytesFetched > 0 {
		crawlerFetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// SetMainSize publishes the committed main store size.
func SetMainSize(n int) {
	Init()
	catalogMainSize.Set(float64(n))
}

// ObserveNotification counts a notification attempt.
func ObserveNotification(sent bool) {
	Init()
	result := "failed"
	if sent {
		result = "sent"
	}
	notificationsTotal.WithLabelValues(result).Inc()
}

// ObserveDraw counts a draw request. An empty category means no filter.
func ObserveDraw(category string, found bool) {
	Init()
	if category == "" {
		category = "any"
	}
	result := "no_data"
	if found {
		result = "hit"
	}
	drawsTotal.WithLabelValues(category, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
