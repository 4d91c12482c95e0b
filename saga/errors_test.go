package saga

import (
	"errors"
	"testing"
)

func TestCriticalStepErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &CriticalStepError{StepName: "A", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not see through CriticalStepError.Unwrap")
	}
}

func TestCompensationErrorUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := &CompensationError{StepName: "A", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not see through CompensationError.Unwrap")
	}
}

func TestWorkflowErrorUnwrapsAndFormats(t *testing.T) {
	cause := errors.New("boom")
	err := &WorkflowError{
		WorkflowName:       "w",
		StepNumber:         2,
		Cause:              cause,
		CompensationErrors: []error{errors.New("undo failed")},
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not see through WorkflowError.Unwrap")
	}
	msg := err.Error()
	if msg == "" {
		t.Fatalf("Error() returned empty string")
	}
}

func TestStepTimeoutErrorMessage(t *testing.T) {
	err := &StepTimeoutError{StepName: "slow", Timeout: "5s"}
	if err.Error() == "" {
		t.Fatalf("Error() returned empty string")
	}
}
