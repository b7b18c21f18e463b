package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	NotFound             Kind = "NotFound"
	InvalidState         Kind = "InvalidState"
	InsufficientResource Kind = "InsufficientResource"
	ValidationError      Kind = "ValidationError"
	Exhausted            Kind = "Exhausted"
	Internal             Kind = "Internal"
)

// Error is a domain failure callers can act on. Err carries the underlying
// cause for logging and is never shown to clients.
type Error struct {
	Kind    Kind
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

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or Internal for anything that is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the kind and a client-safe message for err.
func Public(err error) (Kind, string) {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Kind, e.Message
	}
	return Internal, "Internal server error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case InvalidState:
		return http.StatusConflict
	case InsufficientResource:
		return http.StatusForbidden
	case ValidationError:
		return http.StatusBadRequest
	case Exhausted:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
