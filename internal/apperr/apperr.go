// Package apperr implements the error-kind taxonomy from spec.md §7. Every
// error surfaced across a component boundary (store, registry, portainer,
// intent, batch) should be classified into one of these kinds so internal/web
// can map it to the right HTTP status without re-deriving the policy at
// every handler.
package apperr

import (
	"errors"
	"fmt"
)

// Kind names one error category by cause, not by Go type.
type Kind string

const (
	// Validation is bad user input: unknown provider, interval out of
	// range, an intent missing a matching criterion, the 51st intent.
	Validation Kind = "validation"
	// UpstreamAuth is a 401/403 from Portainer or a registry.
	UpstreamAuth Kind = "upstream_auth"
	// UpstreamNotFound means the registry returned 404 for a tag/repo.
	// This is persisted as existsInRegistry=false, not propagated as an
	// error to the caller — the Kind exists for the rare case an upstream
	// 404 needs to be surfaced directly (e.g. a manual "check now" call).
	UpstreamNotFound Kind = "upstream_not_found"
	// UpstreamTransient is a network error, 429, or 5xx that was retried
	// and still failed.
	UpstreamTransient Kind = "upstream_transient"
	// RateLimit is a 429 from a registry, reported distinctly so the UI
	// can surface a Docker Hub credentials hint.
	RateLimit Kind = "rate_limit"
	// Conflict is a duplicate/already-running/unique-constraint failure.
	Conflict Kind = "conflict"
	// Fatal means the database is unavailable or a migration failed.
	Fatal Kind = "fatal"
)

// Error wraps an underlying cause with a Kind and a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping an existing error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Fatal for an
// unclassified error — an error reaching the API boundary with no kind
// attached is a programming omission, and Fatal is the safest default
// status (500) rather than silently returning 200.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}
