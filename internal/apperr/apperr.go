// Package apperr defines the error taxonomy shared by the upload pipeline and
// the HTTP surface. Domain code returns *Error values; only the transport
// layer turns them into status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindExpired
	KindPayloadTooLarge
	KindUnsatisfiableRange
	KindMissingChunk
	KindSizeMismatch
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindMethodNotAllowed:
		return "MethodNotAllowed"
	case KindConflict:
		return "Conflict"
	case KindExpired:
		return "Expired"
	case KindPayloadTooLarge:
		return "PayloadTooLarge"
	case KindUnsatisfiableRange:
		return "UnsatisfiableRange"
	case KindMissingChunk:
		return "MissingChunk"
	case KindSizeMismatch:
		return "SizeMismatch"
	default:
		return "InternalError"
	}
}

// Status returns the HTTP status code used to report errors of this kind.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindConflict:
		return http.StatusConflict
	case KindExpired:
		return http.StatusGone
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnsatisfiableRange:
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Part is only meaningful for KindMissingChunk.
type Error struct {
	Kind    Kind
	Message string
	Part    int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, &apperr.Error{Kind: apperr.KindConflict}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func MethodNotAllowed(method string) *Error {
	return &Error{Kind: KindMethodNotAllowed, Message: fmt.Sprintf("method %s not allowed", method)}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func Expired(message string) *Error {
	return &Error{Kind: KindExpired, Message: message}
}

func PayloadTooLarge(limit int64) *Error {
	return &Error{Kind: KindPayloadTooLarge, Message: fmt.Sprintf("payload exceeds limit of %d bytes", limit)}
}

func UnsatisfiableRange(size int64) *Error {
	return &Error{Kind: KindUnsatisfiableRange, Message: fmt.Sprintf("requested range not satisfiable for size %d", size)}
}

func MissingChunk(part int) *Error {
	return &Error{Kind: KindMissingChunk, Message: fmt.Sprintf("missing chunk %d", part), Part: part}
}

func SizeMismatch(expected, actual int64) *Error {
	return &Error{Kind: KindSizeMismatch, Message: fmt.Sprintf("size mismatch: expected %d bytes, got %d", expected, actual)}
}

// Internal wraps err as an internal failure with a short description of the
// operation that failed.
func Internal(err error, message string) *Error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// KindOf classifies err. Errors that are not *Error are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Status returns the HTTP status for err.
func Status(err error) int {
	return KindOf(err).Status()
}

// Message returns the caller-facing message for err. Internal errors never
// expose their cause.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "We encountered an internal error. Please try again."
}
