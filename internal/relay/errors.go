package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Common errors returned by relay operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, relay.ErrRateLimited) {
//	    // back off for relay.RetryAfter(err)
//	}
var (
	// ErrRateLimited matches a *Error with status 429.
	ErrRateLimited = errors.New("rate limited by relay")

	// ErrUnauthorized matches a *Error with status 401 or 403.
	ErrUnauthorized = errors.New("relay credential rejected")

	// ErrMessageNotFound matches a *Error with status 404.
	ErrMessageNotFound = errors.New("relay message not found")
)

// Error is a failed relay call.
//
// StatusCode is 0 for network-level failures, in which case Err holds the
// underlying error.
type Error struct {
	Op          string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
	case e.RetryAfter > 0:
		return fmt.Sprintf("relay %s: status %d: %s (retry after %s)", e.Op, e.StatusCode, e.Description, e.RetryAfter)
	default:
		return fmt.Sprintf("relay %s: status %d: %s", e.Op, e.StatusCode, e.Description)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is maps status codes onto the sentinel errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrMessageNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// Retryable reports whether repeating the call may succeed: network
// failures and 429/500/502/503/504. Cancelled or expired contexts never are.
func (e *Error) Retryable() bool {
	switch e.StatusCode {
	case 0:
		return e.Err != nil && !isContextErr(e.Err)
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable returns true if the error is likely to succeed on retry.
// Bare network errors that were not wrapped in *Error also count.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Retryable()
	}

	if isContextErr(err) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTerminal returns true if the relay rejected the request outright
// (400/401/403/404) and repeating it cannot help.
func IsTerminal(err error) bool {
	var rerr *Error
	if !errors.As(err, &rerr) {
		return false
	}
	switch rerr.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// RetryAfter returns the server-requested cooldown carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.RetryAfter
	}
	return 0
}
