package vim

import (
	"errors"
	"fmt"
)

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "NOT_FOUND"
	KindConflict     ErrorKind = "CONFLICT"
	KindConnectivity ErrorKind = "CONNECTIVITY"
	KindBackend      ErrorKind = "BACKEND_ERROR"
)

// Error is returned by connectors for every failed call.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NotFound constructs a not-found backend error.
func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Conflict constructs a conflict backend error.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Connectivity constructs a connectivity backend error wrapping cause.
func Connectivity(op string, cause error) error {
	msg := "backend unreachable"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindConnectivity, Op: op, Message: msg, Err: cause}
}

// Backend constructs a generic backend error.
func Backend(op, format string, args ...any) error {
	return &Error{Kind: KindBackend, Op: op, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a connector error, KindBackend for foreign errors.
func KindOf(err error) ErrorKind {
	var vimErr *Error
	if errors.As(err, &vimErr) {
		return vimErr.Kind
	}
	return KindBackend
}

// IsNotFound reports whether err is a backend not-found failure.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}
