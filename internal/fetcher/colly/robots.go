package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mtAerohand/draw/internal/metrics"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsProbe sits under every collector of one Fetcher and governs the
// robots.txt request colly issues before the first listing fetch. Timeouts
// and 5xx answers are retried; once the retries are spent the listing is
// treated as allowed and the fallback is counted once per Fetcher. A robots.txt
// that disallows the search path is left to colly, and Fetch reports it as
// crawler.ErrRobotsBlocked.
type robotsProbe struct {
	base     http.RoundTripper
	backoff  []time.Duration
	fellBack atomic.Bool
}

func newRobotsProbe(base http.RoundTripper) *robotsProbe {
	return &robotsProbe{base: base, backoff: defaultRobotsBackoff}
}

func (p *robotsProbe) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots probe received nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		return p.base.RoundTrip(req)
	}

	for attempt := 0; ; attempt++ {
		resp, err := p.base.RoundTrip(req.Clone(req.Context()))
		if !retryableRobotsAnswer(resp, err) {
			if err != nil {
				return nil, fmt.Errorf("fetch robots.txt: %w", err)
			}
			return resp, nil
		}
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		if attempt >= len(p.backoff) {
			p.markFallback()
			return allowAllResponse(req), nil
		}
		if err := waitBackoff(req.Context(), p.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (p *robotsProbe) markFallback() {
	if p.fellBack.CompareAndSwap(false, true) {
		metrics.ObserveRobotsFallback()
	}
}

// retryableRobotsAnswer reports whether a robots.txt answer says nothing about
// the host's rules: a timeout or a server error.
func retryableRobotsAnswer(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return strings.Contains(err.Error(), "tls: handshake timeout")
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots.txt retry: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}
