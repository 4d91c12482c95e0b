package saga

import "time"

// StepInterceptor observes individual step execution against the live
// workflow context. All three hooks are called synchronously from the
// runner goroutine and must not block; a panic inside any of them is
// caught and logged, never propagated.
type StepInterceptor interface {
	BeforeStep(stepName string, ctx *Context)
	AfterStep(stepName string, ctx *Context, result any)
	OnStepError(stepName string, ctx *Context, err error)
}

// InterceptorFuncs adapts three plain functions into a StepInterceptor,
// the functional-options-friendly counterpart to implementing the
// interface on a named type. A nil field is a no-op.
type InterceptorFuncs struct {
	Before  func(stepName string, ctx *Context)
	After   func(stepName string, ctx *Context, result any)
	OnError func(stepName string, ctx *Context, err error)
}

func (f InterceptorFuncs) BeforeStep(stepName string, ctx *Context) {
	if f.Before != nil {
		f.Before(stepName, ctx)
	}
}

func (f InterceptorFuncs) AfterStep(stepName string, ctx *Context, result any) {
	if f.After != nil {
		f.After(stepName, ctx, result)
	}
}

func (f InterceptorFuncs) OnStepError(stepName string, ctx *Context, err error) {
	if f.OnError != nil {
		f.OnError(stepName, ctx, err)
	}
}

// WorkflowListener observes whole-workflow lifecycle events: start,
// successful completion, failure (with the terminal error, which is
// always a *WorkflowError), and the two compensation-sweep boundaries.
type WorkflowListener interface {
	OnWorkflowStart(workflowID, name string)
	OnWorkflowComplete(workflowID, name string, duration time.Duration)
	OnWorkflowFailed(workflowID, name string, err error)
	OnCompensationStart(workflowID, name string)
	OnCompensationComplete(workflowID, name string, succeeded, failed int)
}

// ListenerFuncs adapts plain functions into a WorkflowListener. A nil
// field is a no-op.
type ListenerFuncs struct {
	OnStart             func(workflowID, name string)
	OnComplete          func(workflowID, name string, duration time.Duration)
	OnFailed            func(workflowID, name string, err error)
	OnCompensationBegin func(workflowID, name string)
	OnCompensationDone  func(workflowID, name string, succeeded, failed int)
}

func (f ListenerFuncs) OnWorkflowStart(workflowID, name string) {
	if f.OnStart != nil {
		f.OnStart(workflowID, name)
	}
}

func (f ListenerFuncs) OnWorkflowComplete(workflowID, name string, duration time.Duration) {
	if f.OnComplete != nil {
		f.OnComplete(workflowID, name, duration)
	}
}

func (f ListenerFuncs) OnWorkflowFailed(workflowID, name string, err error) {
	if f.OnFailed != nil {
		f.OnFailed(workflowID, name, err)
	}
}

func (f ListenerFuncs) OnCompensationStart(workflowID, name string) {
	if f.OnCompensationBegin != nil {
		f.OnCompensationBegin(workflowID, name)
	}
}

func (f ListenerFuncs) OnCompensationComplete(workflowID, name string, succeeded, failed int) {
	if f.OnCompensationDone != nil {
		f.OnCompensationDone(workflowID, name, succeeded, failed)
	}
}

// MetricsCollector receives per-step timing and retry counts. Intended
// for wiring to a real metrics backend (Prometheus, StatsD, ...); the
// engine itself ships no default implementation beyond a no-op.
type MetricsCollector interface {
	RecordStep(name string, duration time.Duration, success bool)
	RecordRetry(name string, attempt int)
	RecordCompensation(name string, success bool)
}

// IdempotencyChecker lets callers skip a step already applied for this
// workflow, keyed by (workflowID, stepID) rather than the step's
// display name, so two steps sharing a name but not an id are
// distinguished and a renamed step keeps its recorded state. Steps must
// be flagged Idempotent() for the engine to consult it. Must be safe
// for concurrent use.
type IdempotencyChecker interface {
	IsStepExecuted(workflowID, stepID string) bool
	MarkStepExecuted(workflowID, stepID string)
}
