package crawler

import (
	"errors"
	"fmt"
)

// ErrNoData is returned by the draw path when nothing matches.
var ErrNoData = errors.New("no data")

// ErrRobotsBlocked marks a listing fetch refused by the host's robots.txt.
// A NetworkError wraps it.
var ErrRobotsBlocked = errors.New("listing disallowed by robots.txt")

// NetworkError reports a transport-level failure or a non-success status.
type NetworkError struct {
	Page       int
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch page %d: status %d: %v", e.Page, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch page %d: %v", e.Page, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ParseError reports page content that did not yield the expected card shape.
type ParseError struct {
	Index  int
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse card entry %d: %s", e.Index, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorKind names the taxonomy bucket of a page failure for logs and metrics.
func ErrorKind(err error) string {
	var netErr *NetworkError
	var parseErr *ParseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRobotsBlocked):
		return "robots_blocked"
	case errors.As(err, &netErr):
		return "network_error"
	case errors.As(err, &parseErr):
		return "parse_error"
	default:
		return "error"
	}
}
