package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TransientError marks a failure worth retrying: network errors, 5xx, rate
// limiting and expired sessions.
type TransientError struct {
	Err error
	// Wait is a server-provided minimum delay (Retry-After), zero when absent.
	Wait time.Duration
}

func (e *TransientError) Error() string {
	if e == nil || e.Err == nil {
		return "transient error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter lets the retry policy honour rate-limit hints.
func (e *TransientError) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.Wait
}

// NotFoundError is returned when the record ref no longer resolves.
type NotFoundError struct {
	Ref string
	Err error
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return "record not found"
	}
	if e.Err == nil {
		return fmt.Sprintf("record not found: %s", e.Ref)
	}
	return fmt.Sprintf("record not found: %s: %s", e.Ref, e.Err.Error())
}

func (e *NotFoundError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ConflictError is returned when the service reports a conflicting write
// (stale lock_version or a duplicate entity).
type ConflictError struct {
	Ref string
	Err error
}

func (e *ConflictError) Error() string {
	if e == nil {
		return "record conflict"
	}
	if e.Err == nil {
		return fmt.Sprintf("record conflict: %s", e.Ref)
	}
	return fmt.Sprintf("record conflict: %s: %s", e.Ref, e.Err.Error())
}

func (e *ConflictError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError is returned when the service rejects the request payload.
type ValidationError struct {
	Ref string
	Err error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	if e.Err == nil {
		return fmt.Sprintf("validation error: %s", e.Ref)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Ref, e.Err.Error())
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(ref string, resp *http.Response, httpErr error) error {
	switch code := resp.StatusCode; {
	case code == http.StatusNotFound:
		return &NotFoundError{Ref: ref, Err: httpErr}
	case code == http.StatusConflict:
		return &ConflictError{Ref: ref, Err: httpErr}
	case code == http.StatusUnauthorized || code == http.StatusPreconditionFailed:
		return &TransientError{Err: httpErr}
	case code == http.StatusTooManyRequests:
		return &TransientError{Err: httpErr, Wait: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case code >= 500:
		return &TransientError{Err: httpErr}
	default:
		return &ValidationError{Ref: ref, Err: httpErr}
	}
}

// transport wraps errors returned by http.Client.Do. Caller cancellation is
// passed through untouched so it is never retried.
func transport(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return &TransientError{Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
