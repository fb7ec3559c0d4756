package crawler

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch or extraction failure. The scheduler's retry
// policy inspects the kind rather than unwrapping concrete error types.
type ErrorKind string

// Error kinds, from most to least recoverable.
const (
	// KindNone marks a successful outcome.
	KindNone ErrorKind = ""
	// KindTransient covers timeouts and connection resets; retried with
	// the scheduler's exponential backoff.
	KindTransient ErrorKind = "transient"
	// KindRateLimited covers HTTP 429 and the platform's "freq control"
	// response; retried after the server hint or a default backoff.
	KindRateLimited ErrorKind = "rate_limited"
	// KindAuthExpired means the session token or cookie was rejected. The
	// transport refreshes credentials and retries once before surfacing it.
	KindAuthExpired ErrorKind = "auth_expired"
	// KindServerError covers 5xx responses; retried up to the attempt cap.
	KindServerError ErrorKind = "server_error"
	// KindClientError covers non-auth 4xx responses; terminal.
	KindClientError ErrorKind = "client_error"
	// KindParse means the payload could not be extracted; the target stays
	// retry-eligible because a re-fetch may return a well-formed document.
	KindParse ErrorKind = "parse_error"
	// KindFatalConfig aborts the run before any worker starts.
	KindFatalConfig ErrorKind = "fatal_config"
)

// Retryable reports whether a failure of this kind may be offered again.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindServerError, KindParse, KindAuthExpired:
		return true
	default:
		return false
	}
}

// FetchError carries a classified transport failure.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the server-provided backoff hint, if any.
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch failed (%s): status %d", e.Kind, e.StatusCode)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a classified FetchError.
func NewFetchError(kind ErrorKind, status int, err error) *FetchError {
	return &FetchError{Kind: kind, StatusCode: status, Err: err}
}

// ParseError signals that a document could not be turned into records. The
// extraction pipeline returns it instead of panicking on malformed input.
type ParseError struct {
	Kind TargetKind
	URL  string
	Err  error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s %s: %v", e.Kind, e.URL, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// ConfigError is a fatal startup failure; the process exits non-zero
// without starting any worker.
type ConfigError struct {
	Field string
	Err   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ClassifyError maps an arbitrary error to its kind. Classified errors keep
// their kind; everything else is treated as transient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParse
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return KindFatalConfig
	}
	return KindTransient
}
