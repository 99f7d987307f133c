// Package lifecycle implements the instance lifecycle orchestrator: the state machine
// that decides which operations are legal for a Logstash instance, the step recipes those
// operations run, and the manager that persists every transition.
package lifecycle

import (
	"errors"
	"fmt"
)

// ErrorClass classifies lifecycle errors for callers deciding how to report or retry.
type ErrorClass string

const (
	// ErrorClassValidation indicates the operation is not legal in the current state.
	// Nothing was written.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassStep indicates a step of the recipe failed.
	ErrorClassStep ErrorClass = "step"

	// ErrorClassTransport indicates the remote action could not be carried out.
	ErrorClassTransport ErrorClass = "transport"

	// ErrorClassInternal indicates an internal consistency failure, such as a state
	// with no registered handler. Not retryable.
	ErrorClassInternal ErrorClass = "internal"
)

// Error codes.
const (
	ErrCodeNotAllowed    = "OPERATION_NOT_ALLOWED"
	ErrCodeNoHandler     = "NO_STATE_HANDLER"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeStepFailed    = "STEP_FAILED"
	ErrCodeStorageFailed = "STORAGE_FAILED"
)

// Error is a classified lifecycle error.
type Error struct {
	Class     ErrorClass
	Code      string
	Message   string
	Instance  int64
	Operation OperationType
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Instance != 0 {
		msg += fmt.Sprintf(" (instance=%d)", e.Instance)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code so callers can compare against sentinel values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// ErrNoHandler is matched (via errors.Is) by lookups for a state with no registered handler.
var ErrNoHandler = &Error{Class: ErrorClassInternal, Code: ErrCodeNoHandler, Message: "no handler registered"}

// ErrNotAllowed is matched (via errors.Is) by failed capability guards.
var ErrNotAllowed = &Error{Class: ErrorClassValidation, Code: ErrCodeNotAllowed, Message: "operation not allowed"}

func newNotAllowedError(instanceID int64, op OperationType, state State) *Error {
	return &Error{
		Class:     ErrorClassValidation,
		Code:      ErrCodeNotAllowed,
		Instance:  instanceID,
		Operation: op,
		Message: fmt.Sprintf("operation %s not allowed in current state %s (%s), expected capability %s",
			op, state, state.Description(), op.Capability()),
	}
}

func newNoHandlerError(state State) *Error {
	return &Error{
		Class:   ErrorClassInternal,
		Code:    ErrCodeNoHandler,
		Message: fmt.Sprintf("no handler registered for state %q", string(state)),
	}
}

// StepError reports the first failing step of an operation.
type StepError struct {
	Step    Step
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// IsValidation returns true if err is a failed capability guard or invalid input.
func IsValidation(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassValidation
	}
	return false
}

// IsInternal returns true if err is an internal consistency error.
func IsInternal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassInternal
	}
	return false
}

// FailedStep returns the step that failed, if err carries one.
func FailedStep(err error) (Step, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}
