// Package errs defines the error taxonomy shared by the collaboration services,
// the management API and the websocket protocol.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and status mapping.
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindAccessDenied Kind = "access_denied"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation_error"
	KindPersistence  Kind = "persistence_error"
	KindRateLimited  Kind = "rate_limited"
	KindInternal     Kind = "internal_error"
)

// Error is a classified error. Code is a stable machine-readable reason,
// Message is safe to show to the caller.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error whose code defaults to the kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message}
}

// WithCode returns a copy of e carrying a more specific code.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func AccessDenied(message string) *Error { return New(KindAccessDenied, message) }
func NotFound(message string) *Error     { return New(KindNotFound, message) }
func Validation(message string) *Error   { return New(KindValidation, message) }
func RateLimited(message string) *Error  { return New(KindRateLimited, message) }

// Persistence wraps a store failure.
func Persistence(message string, err error) *Error {
	return &Error{Kind: KindPersistence, Code: string(KindPersistence), Message: message, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *Error {
	return &Error{Kind: KindInternal, Code: string(KindInternal), Message: message, Err: err}
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// KindOf reports the kind of err. Unclassified errors are internal, except
// store misses which are reported as not found.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// From converts any error into an *Error, keeping existing classification.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, ErrNotFound) {
		return &Error{Kind: KindNotFound, Code: string(KindNotFound), Message: "not found", Err: err}
	}
	return Internal("internal error", err)
}

// HTTPStatus maps an error to its response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAccessDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
