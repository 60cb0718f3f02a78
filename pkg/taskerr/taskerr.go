// Package taskerr provides the structured error taxonomy used to classify
// every failure that crosses a task boundary: validation, pre-flight,
// transient transport, health, tool, partial, timeout, stuck, and fatal.
// TaskError preserves causal chains so callers can still use errors.Is/As
// while carrying the classification needed to drive retry and state-machine
// decisions.
package taskerr

import (
	"errors"
	"fmt"
)

// Classification names the behavioural error class a failure belongs to, per
// the error taxonomy. The classification drives retry/backoff/terminal-state
// decisions in the Task Executor and Analyzer Pool; it is never derived from
// a Go exception/type, only from how the failure should be handled.
type Classification string

const (
	// Validation indicates bad input from the caller; the task is rejected
	// before any state transition and is never retried.
	Validation Classification = "validation"
	// Preflight indicates no healthy endpoint of a required analyzer kind was
	// available; retried with backoff up to a configured cap.
	Preflight Classification = "preflight"
	// Transient indicates a connection-level, Docker build-system, or
	// overload failure eligible for retry within an operation's budget.
	Transient Classification = "transient"
	// Health indicates a container started but never became healthy; reported
	// structurally and not auto-retried at the task level.
	Health Classification = "health"
	// Tool indicates a tool process exited with a non-acceptable code.
	Tool Classification = "tool"
	// Partial indicates a multi-subtask task where some subtasks succeeded
	// and some failed.
	Partial Classification = "partial"
	// Timeout indicates an operation exceeded its deadline.
	Timeout Classification = "timeout"
	// Stuck indicates a task remained RUNNING past a reaper threshold.
	Stuck Classification = "stuck"
	// Fatal indicates unrecoverable external state (socket missing, store
	// unreachable); the task stays PENDING and the executor keeps polling.
	Fatal Classification = "fatal"
)

// TaskError is a structured failure that preserves message, classification,
// and causal context while implementing the standard error interface.
// TaskErrors may wrap another error (including another TaskError) via Cause,
// so errors.Is/As keep working through the chain.
type TaskError struct {
	Classification Classification
	Message        string
	Cause          error
}

// New constructs a TaskError of the given classification with a message.
func New(class Classification, message string) *TaskError {
	if message == "" {
		message = string(class) + " error"
	}
	return &TaskError{Classification: class, Message: message}
}

// Wrap constructs a TaskError of the given classification that wraps cause.
// If cause is nil, Wrap behaves like New.
func Wrap(class Classification, message string, cause error) *TaskError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &TaskError{Classification: class, Message: message, Cause: cause}
}

// Errorf formats a message and returns a TaskError of the given classification.
func Errorf(class Classification, format string, args ...any) *TaskError {
	return New(class, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Classification, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Classification, e.Message)
}

// Unwrap returns the wrapped cause, supporting errors.Is/As.
func (e *TaskError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassOf extracts the Classification from err if it is (or wraps) a
// TaskError, defaulting to Fatal when no classification can be determined —
// an unclassified failure is treated conservatively, never silently retried
// as transient.
func ClassOf(err error) Classification {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Classification
	}
	return Fatal
}

// Is reports whether err is a TaskError of the given classification.
func Is(err error, class Classification) bool {
	return ClassOf(err) == class
}

// Retryable reports whether the classification is one the caller should
// retry automatically (as opposed to escalating straight to a terminal
// state). Validation, Health, and Fatal are deliberately excluded: Health
// requires an operator decision, Validation/Fatal never succeed on retry
// without external intervention.
func Retryable(class Classification) bool {
	switch class {
	case Preflight, Transient, Stuck:
		return true
	default:
		return false
	}
}
