// Package notify delivers drift alerts to an operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/zap"

	"github.com/mtAerohand/draw/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// sender is the subset of the shoutrrr router used here.
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// ShoutrrrNotifier pushes notifications to every configured shoutrrr URL,
// for example pushbullet://<token>.
type ShoutrrrNotifier struct {
	sender  sender
	timeout time.Duration
	logger  *zap.Logger
}

// NewShoutrrr builds a notifier from shoutrrr service URLs.
func NewShoutrrr(urls []string, timeout time.Duration, logger *zap.Logger) (*ShoutrrrNotifier, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one notification URL is required")
	}
	router, err := shoutrrr.CreateSender(slices.Clone(urls)...)
	if err != nil {
		// The raw error may echo tokens embedded in the URL.
		return nil, fmt.Errorf("create notification sender: invalid service URL")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	router.Timeout = timeout
	router.SetLogger(log.New(io.Discard, "", 0))
	return newShoutrrr(router, timeout, logger), nil
}

func newShoutrrr(s sender, timeout time.Duration, logger *zap.Logger) *ShoutrrrNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShoutrrrNotifier{sender: s, timeout: timeout, logger: logger.Named("notify")}
}

// Notify sends the message and reports whether every service accepted it.
// Failures are logged and never returned.
func (n *ShoutrrrNotifier) Notify(ctx context.Context, title, body string) bool {
	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}

	done := make(chan []error, 1)
	go func() {
		done <- n.sender.Send(body, &params)
	}()

	var errs []error
	select {
	case <-ctx.Done():
		n.logger.Warn("notification abandoned", zap.Error(ctx.Err()))
		metrics.ObserveNotification(false)
		return false
	case errs = <-done:
	}

	sent := true
	for _, err := range errs {
		if err != nil {
			sent = false
			n.logger.Warn("notification delivery failed", zap.String("error_type", fmt.Sprintf("%T", err)))
		}
	}
	metrics.ObserveNotification(sent)
	if sent {
		n.logger.Info("notification sent", zap.String("title", title))
	}
	return sent
}

// LogNotifier writes notifications to the log. It stands in when no push
// service is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLog builds a LogNotifier.
func NewLog(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

// Notify logs the message and always succeeds.
func (n *LogNotifier) Notify(_ context.Context, title, body string) bool {
	n.logger.Warn("operator notification", zap.String("title", title), zap.String("body", body))
	metrics.ObserveNotification(true)
	return true
}
