package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by who is responsible for it and whether a retry
// can help.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindConflict       Kind = "conflict"
	KindUpstream       Kind = "upstream"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is the error type returned across the service/handler boundary.
// Message is safe to show to the caller; Err is only ever logged.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error whose HTTP status is derived from kind.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// WithStatus overrides the status derived from the kind.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func Configuration(op, message string, err error) *Error {
	return New(KindConfiguration, op, message, err)
}

func Authentication(op, message string, err error) *Error {
	return New(KindAuthentication, op, message, err)
}

func Validation(op, message string, err error) *Error {
	return New(KindValidation, op, message, err)
}

func Conflict(op, message string, err error) *Error {
	return New(KindConflict, op, message, err)
}

func Upstream(op, message string, err error) *Error {
	return New(KindUpstream, op, message, err)
}

func NotFound(op, message string, err error) *Error {
	return New(KindNotFound, op, message, err)
}

func Internal(op, message string, err error) *Error {
	return New(KindInternal, op, message, err)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps err to the status code written to the caller.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindConfiguration:
		return http.StatusServiceUnavailable
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the caller-safe message for err. Errors that are not
// *Error never leak their text.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}
