// Package provider holds the plumbing shared by embedding and rewrite
// providers: error classification, API-key rotation, bounded retry and
// token estimation.
package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransient marks failures worth retrying: rate limits, timeouts,
	// upstream 5xx responses.
	ErrTransient = errors.New("transient provider error")
	// ErrFatal marks failures that retrying cannot fix: bad credentials,
	// exhausted quota, invalid requests. Fatal errors abort the stage.
	ErrFatal = errors.New("fatal provider error")
	// ErrBudgetExceeded signals a chunk over the per-request token budget.
	// It is a policy decision for the orchestrator, not a stage crash.
	ErrBudgetExceeded = errors.New("token budget exceeded")
	// ErrNoAPIKeys is returned when a provider is selected without keys.
	ErrNoAPIKeys = errors.New("no api keys configured")
)

// Error carries the provider name, operation and upstream detail alongside
// its classification sentinel.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Detail     string
	kind       error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %v (status %d): %s", e.Provider, e.Op, e.kind, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Provider, e.Op, e.kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// NewTransient builds a retryable provider error.
func NewTransient(providerName, op, detail string) *Error {
	return &Error{Provider: providerName, Op: op, Detail: detail, kind: ErrTransient}
}

// NewFatal builds a non-retryable provider error.
func NewFatal(providerName, op, detail string) *Error {
	return &Error{Provider: providerName, Op: op, Detail: detail, kind: ErrFatal}
}

// FromHTTPStatus classifies an API response status. Rate limits, timeouts
// and upstream 5xx map to transient; everything else fatal.
func FromHTTPStatus(providerName, op string, status int, detail string) *Error {
	e := &Error{Provider: providerName, Op: op, StatusCode: status, Detail: detail, kind: ErrFatal}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		e.kind = ErrTransient
	}
	return e
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsFatal reports whether err aborts the stage.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
