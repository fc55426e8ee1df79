package apperror

import "net/http"

// Code classifies application failures for callers and the transport layer.
type Code string

const (
	BadRequest         Code = "BAD_REQUEST"
	Conflict           Code = "CONFLICT"
	FutureInstant      Code = "FUTURE_INSTANT"
	LockContention     Code = "LOCK_CONTENTION"
	NoSourcesAvailable Code = "NO_SOURCES_AVAILABLE"
	NotFound           Code = "NOT_FOUND"
	SourceUnavailable  Code = "SOURCE_UNAVAILABLE"
	StorageFailure     Code = "STORAGE_FAILURE"
)

// Error carries a code alongside the underlying cause.
type Error struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *Error) Code() Code      { return e.code }
func (e *Error) Message() string { return e.message }
func (e *Error) Unwrap() error   { return e.cause }

// HTTPStatus maps the code onto a transport status.
func (e *Error) HTTPStatus() int {
	switch e.code {
	case BadRequest, FutureInstant:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case LockContention:
		return http.StatusServiceUnavailable
	case NoSourcesAvailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
