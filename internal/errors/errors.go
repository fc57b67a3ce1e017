// Package errors defines the typed error taxonomy shared by the entitlement
// core and its HTTP boundary. Every core operation returns either a typed
// result or one of these errors; callers branch on Kind, transports map
// Kind to a status code.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Kind classifies an error into one of the recoverable outcomes the core
// can produce, plus Persistence for store failures.
type Kind int

const (
	// KindUnknown is the zero value; treated as an internal error.
	KindUnknown Kind = iota
	// KindNotFound: the license key does not exist in the store.
	KindNotFound
	// KindConflict: an active, non-expired license already exists for the
	// client at creation time, or the key collided.
	KindConflict
	// KindInvalidTransition: the requested status change is not allowed by
	// the state machine (e.g. extending a revoked license).
	KindInvalidTransition
	// KindLimitExceeded: a module usage ceiling has been reached.
	KindLimitExceeded
	// KindRateLimited: the caller exhausted its request budget for an
	// operation class.
	KindRateLimited
	// KindValidation: malformed plan, status, duration, or other input.
	KindValidation
	// KindPersistence: the store is unavailable or timed out. Retried a
	// bounded number of times at the store boundary before surfacing.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidTransition:
		return "invalid_transition"
	case KindLimitExceeded:
		return "limit_exceeded"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

// Stable application error codes, one per kind.
const (
	CodeNotFound          = "LICENSE_NOT_FOUND"
	CodeConflict          = "LICENSE_CONFLICT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeRateLimited       = "RATE_LIMITED"
	CodeValidation        = "VALIDATION_FAILED"
	CodePersistence       = "PERSISTENCE_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two Errors by kind so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// E builds a typed error for the given kind with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: codeFor(kind), Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a typed error around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: codeFor(kind), Message: fmt.Sprintf(format, args...), Err: err}
}

func codeFor(kind Kind) string {
	switch kind {
	case KindNotFound:
		return CodeNotFound
	case KindConflict:
		return CodeConflict
	case KindInvalidTransition:
		return CodeInvalidTransition
	case KindLimitExceeded:
		return CodeLimitExceeded
	case KindRateLimited:
		return CodeRateLimited
	case KindValidation:
		return CodeValidation
	case KindPersistence:
		return CodePersistence
	}
	return CodeInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf extracts the kind from err, or KindUnknown for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinels for errors.Is comparisons against a kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound, Message: "license not found"}
	ErrConflict          = &Error{Kind: KindConflict, Code: CodeConflict, Message: "license conflict"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrLimitExceeded     = &Error{Kind: KindLimitExceeded, Code: CodeLimitExceeded, Message: "module usage limit exceeded"}
	ErrRateLimited       = &Error{Kind: KindRateLimited, Code: CodeRateLimited, Message: "rate limit exceeded"}
	ErrValidation        = &Error{Kind: KindValidation, Code: CodeValidation, Message: "validation failed"}
	ErrPersistence       = &Error{Kind: KindPersistence, Code: CodePersistence, Message: "persistence error"}
)

// HTTPStatus maps an error kind to the HTTP status the boundary returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindLimitExceeded:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindValidation:
		return http.StatusBadRequest
	case KindPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// APIError is the JSON error envelope returned by the HTTP boundary.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ToAPI converts any error into its HTTP envelope. Untyped errors become
// opaque internal errors so store internals never leak to clients.
func ToAPI(err error) *APIError {
	var e *Error
	if errors.As(err, &e) {
		return &APIError{
			StatusCode: HTTPStatus(e),
			ErrorCode:  e.Code,
			Message:    e.Message,
		}
	}
	return &APIError{
		StatusCode: http.StatusInternalServerError,
		ErrorCode:  CodeInternal,
		Message:    "internal server error",
	}
}

// ValidationField describes one failed field for request validation errors.
type ValidationField struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationAPI builds a 400 envelope carrying per-field details.
func ValidationAPI(fields []ValidationField) *APIError {
	return &APIError{
		StatusCode: http.StatusBadRequest,
		ErrorCode:  CodeValidation,
		Message:    "request validation failed",
		Details:    fields,
	}
}
