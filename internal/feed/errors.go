package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrNotFeed marks a response body that is not RSS or Atom.
	ErrNotFeed = errors.New("feed: response is not rss or atom")
	// ErrStatus marks a non-2xx HTTP response. Use errors.As with
	// *StatusError to read the code.
	ErrStatus = errors.New("feed: unexpected http status")
	// ErrParse marks a body that looked like a feed but failed to parse.
	ErrParse = errors.New("feed: malformed document")
)

// StatusError carries the HTTP status of a failed fetch.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed: unexpected http status %d %s", e.Code, http.StatusText(e.Code))
}

// Unwrap lets errors.Is(err, ErrStatus) match.
func (e *StatusError) Unwrap() error {
	return ErrStatus
}

// Retryable reports whether the status is transient: 408, 429 or 5xx.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// isTransient classifies an attempt error. parent is the caller's context;
// when it is done nothing is retried.
func isTransient(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	if errors.Is(err, ErrNotFeed) || errors.Is(err, ErrParse) {
		return false
	}
	// The per-attempt timeout fired while the caller is still waiting.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// outcome maps an error to the status label used in metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFeed):
		return "not_feed"
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.Is(err, ErrStatus):
		return "http_error"
	default:
		return "network_error"
	}
}
