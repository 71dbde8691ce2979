// Package errkind defines the typed errors shared by all packsync components.
// Every error carries a kind (stable machine-readable code), a human message
// and an optional context map which is preserved across wrapping.
package errkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error code surfaced over the HTTP and CLI boundaries.
type Kind string

const (
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	Validation          Kind = "validation"
	Parse               Kind = "parse"
	Schema              Kind = "schema"
	SchemaVersion       Kind = "schema-version"
	Fetch               Kind = "fetch"
	Missing             Kind = "missing"
	Read                Kind = "read"
	DependencyViolation Kind = "dependency_violation"
	StateMismatch       Kind = "state_mismatch"
	Busy                Kind = "busy"
	QueueFull           Kind = "queue_full"
	Timeout             Kind = "timeout"
	Internal            Kind = "internal"
)

// Error is a typed error with optional context values.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s err:%v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is makes errors.Is match on kind when the target is an *Error.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// With attaches a context value and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// KindOf returns the kind of err, or Internal if err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ContextOf returns the context map of err, nil if none.
func ContextOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// HTTPStatus maps an error kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound, Missing:
		return http.StatusNotFound
	case Conflict, StateMismatch, DependencyViolation:
		return http.StatusConflict
	case Validation, Parse, Schema, SchemaVersion:
		return http.StatusBadRequest
	case Busy, QueueFull:
		return http.StatusTooManyRequests
	case Timeout:
		return http.StatusGatewayTimeout
	case Fetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Exit codes for the CLI entry point.
const (
	ExitOK           = 0
	ExitUsage        = 2
	ExitGitNetwork   = 3
	ExitValidation   = 4
	ExitStateMism    = 5
	ExitQueueFull    = 6
	ExitInternalFail = 1
)

// ExitCode maps an error to the CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case Fetch:
		return ExitGitNetwork
	case Validation, Parse, Schema, SchemaVersion, Missing, DependencyViolation:
		return ExitValidation
	case StateMismatch:
		return ExitStateMism
	case QueueFull:
		return ExitQueueFull
	default:
		return ExitInternalFail
	}
}
