package saga

import (
	"errors"
	"fmt"
)

// ErrWorkflowInterrupted is returned when the ambient context is cancelled
// or its deadline is exceeded while a retry or compensation loop is
// sleeping between attempts.
var ErrWorkflowInterrupted = errors.New("saga: workflow interrupted")

// ErrEngineExecuting is returned by every builder mutator when called
// while the engine is executing.
var ErrEngineExecuting = errors.New("saga: engine is executing")

// ErrEngineAlreadyExecuted is returned by Execute/ExecuteAsync when the
// engine has already run to completion and has not been Reset.
var ErrEngineAlreadyExecuted = errors.New("saga: engine already executed")

// CriticalStepError wraps a step failure flagged critical. Propagation is
// immediate and unconditional: critical failures skip nothing, they always
// escalate to a WorkflowError.
type CriticalStepError struct {
	StepName string
	Cause    error
}

func (e *CriticalStepError) Error() string {
	return fmt.Sprintf("critical step %q failed: %v", e.StepName, e.Cause)
}

func (e *CriticalStepError) Unwrap() error { return e.Cause }

// StepTimeoutError is raised when a per-step timeout, or the withTimeout
// combinator's deadline, elapses before the step's action completes.
type StepTimeoutError struct {
	StepName string
	Timeout  string
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepName, e.Timeout)
}

// CompensationError records a single failed compensation. It is always
// collected into a WorkflowError's CompensationErrors, never returned
// standalone.
type CompensationError struct {
	StepName string
	Cause    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensate %q: %v", e.StepName, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// WorkflowError is the root error kind raised by a failed Execute/
// ExecuteAsync. It carries the workflow name, the ordinal of the step
// that failed, the original cause, and any errors collected while
// compensating already-executed steps.
type WorkflowError struct {
	WorkflowName       string
	StepNumber         int
	Cause              error
	CompensationErrors []error
}

func (e *WorkflowError) Error() string {
	msg := fmt.Sprintf("workflow %q failed at step %d", e.WorkflowName, e.StepNumber)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if len(e.CompensationErrors) > 0 {
		msg += fmt.Sprintf(" [compensation errors: %d]", len(e.CompensationErrors))
	}
	return msg
}

// Unwrap joins Cause with every collected compensation error via
// errors.Join, so errors.Is/errors.As can reach a compensation failure
// the same way they reach the original cause, instead of only
// exposing CompensationErrors as an inert slice field.
func (e *WorkflowError) Unwrap() error {
	if len(e.CompensationErrors) == 0 {
		return e.Cause
	}
	return errors.Join(append([]error{e.Cause}, e.CompensationErrors...)...)
}
