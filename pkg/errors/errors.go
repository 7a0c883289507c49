package errors

import (
	stdErrors "errors"
	"fmt"
)

// ErrQueueFull is matched by every SubmissionError so callers can use errors.Is.
var ErrQueueFull = stdErrors.New("task queue is full")

// ParseError represents a YAML parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError captures descriptor or settings validation issues.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SubmissionError reports a task that could not be queued on a backend worker.
// It is returned synchronously by Submit and never recorded on the task.
type SubmissionError struct {
	Worker   string
	TaskID   string
	Capacity int
}

// NewSubmissionError constructs a SubmissionError for a full worker queue.
func NewSubmissionError(worker, taskID string, capacity int) error {
	return &SubmissionError{Worker: worker, TaskID: taskID, Capacity: capacity}
}

func (e *SubmissionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("submission error [%s]: cannot enqueue task %s: queue full (capacity %d)", e.Worker, e.TaskID, e.Capacity)
}

// Is reports queue-full errors as ErrQueueFull.
func (e *SubmissionError) Is(target error) bool {
	return target == ErrQueueFull
}

// DeploymentError wraps the failure that aborted a deployment together with the
// outcome of the compensating rollback.
type DeploymentError struct {
	Step            string
	Err             error
	RollbackOK      bool
	RollbackSummary string
}

// NewDeploymentError constructs a DeploymentError.
func NewDeploymentError(step string, err error, rollbackOK bool, summary string) error {
	return &DeploymentError{Step: step, Err: err, RollbackOK: rollbackOK, RollbackSummary: summary}
}

func (e *DeploymentError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("deployment failed at %s: %v", e.Step, e.Err)
	if e.RollbackSummary != "" {
		msg += ". " + e.RollbackSummary
	}
	return msg
}

// Unwrap exposes the original failure.
func (e *DeploymentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
