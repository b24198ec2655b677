// Package apperrors provides the pipeline's unified error taxonomy: ten
// kinds, each with a fixed retry/degrade policy, so call sites dispatch on
// Kind() instead of string-matching error messages.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error categories in the pipeline's error
// handling design. Policy is fixed per kind; see the table in DESIGN.md.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindUpstreamTimeout   Kind = "upstream_timeout"
	KindUpstreamTransient Kind = "upstream_transient"
	KindUpstreamAuth      Kind = "upstream_auth"
	KindUpstreamPermanent Kind = "upstream_permanent"
	KindParse             Kind = "parse"
	KindLockUnavailable   Kind = "lock_unavailable"
	KindCASConflict       Kind = "cas_conflict"
	KindBudgetExceeded    Kind = "budget_exceeded"
)

// Retryable reports whether this kind's policy is "retry with backoff".
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamTimeout, KindUpstreamTransient:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a kind to the status code an API surface would return.
// (The HTTP surface itself is an external collaborator and out of scope,
// but call sites inside the pipeline use this to decide how to log.)
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamAuth:
		return http.StatusBadGateway
	case KindUpstreamTimeout, KindUpstreamTransient, KindUpstreamPermanent:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a structured error carrying a Kind, a message, an optional
// wrapped cause, and free-form details for logging.
type Error struct {
	kind    Kind
	message string
	details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Details returns the attached detail map (never nil).
func (e *Error) Details() map[string]interface{} {
	if e.details == nil {
		return map[string]interface{}{}
	}
	return e.details
}

// WithDetail attaches a key/value pair for structured logging and returns
// the same error for chaining.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.details == nil {
		e.details = make(map[string]interface{})
	}
	e.details[key] = value
	return e
}

// New creates a new Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Wrap creates a new Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{kind: kind, message: message, cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; returns ("", false) otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return "", false
}

// Is reports whether err's kind matches k.
func Is(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// Convenience constructors, one per kind.

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}

func UpstreamTimeout(provider string, cause error) *Error {
	return Wrap(KindUpstreamTimeout, "upstream timed out", cause).WithDetail("provider", provider)
}

func UpstreamTransient(provider string, cause error) *Error {
	return Wrap(KindUpstreamTransient, "upstream transient failure", cause).WithDetail("provider", provider)
}

func UpstreamAuth(provider string, cause error) *Error {
	return Wrap(KindUpstreamAuth, "upstream auth failure", cause).WithDetail("provider", provider)
}

func UpstreamPermanent(provider string, cause error) *Error {
	return Wrap(KindUpstreamPermanent, "upstream permanent failure", cause).WithDetail("provider", provider)
}

func Parse(what string, cause error) *Error {
	return Wrap(KindParse, "parse failure", cause).WithDetail("what", what)
}

func LockUnavailable(key string) *Error {
	return New(KindLockUnavailable, "distributed lock unavailable").WithDetail("key", key)
}

func CASConflict(key string) *Error {
	return New(KindCASConflict, "observed state changed concurrently").WithDetail("key", key)
}

func BudgetExceeded(what string, budgetMS int64) *Error {
	return New(KindBudgetExceeded, "wall-clock budget exceeded").WithDetail("what", what).WithDetail("budget_ms", budgetMS)
}
