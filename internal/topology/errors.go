package topology

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the category of a resolution failure.
type ErrorCode string

const (
	ErrCodeUnknownReference    ErrorCode = "UNKNOWN_REFERENCE"
	ErrCodeDuplicateMembership ErrorCode = "DUPLICATE_MEMBERSHIP"
	ErrCodeClassMismatch       ErrorCode = "CLASS_MISMATCH"
	ErrCodeTypeMismatch        ErrorCode = "TYPE_MISMATCH"
	ErrCodeDuplicateName       ErrorCode = "DUPLICATE_NAME"
	ErrCodeMissingField        ErrorCode = "MISSING_FIELD"
)

// Error is a validation failure of a topology. Statement names the offending
// connection, network or function.
type Error struct {
	Code      ErrorCode
	Statement string
	Message   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Statement != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Statement, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if e == nil || !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func newError(code ErrorCode, statement, format string, args ...any) *Error {
	return &Error{Code: code, Statement: statement, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of a resolution error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var topoErr *Error
	if errors.As(err, &topoErr) {
		return topoErr.Code
	}
	return ""
}
