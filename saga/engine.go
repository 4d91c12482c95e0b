// Package saga implements an in-memory, single-process saga-style
// workflow orchestrator: an ordered queue of synchronous and
// asynchronous steps, executed in order with per-step retry, reverse-
// order compensation on failure, and a small set of control-flow
// combinators (conditional, loop, parallel, fallback, timeout) that all
// work by enqueuing synthetic steps rather than branching the executor
// itself.
//
// It does not persist state, coordinate across processes, or schedule
// work on a cron-like cadence; a single Engine drives exactly one
// workflow execution from a fresh pending queue to completion or
// failure.
package saga

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Engine is both a step-accumulating builder and the runner that drives
// the accumulated steps to completion. It is single-use: once Execute/
// ExecuteAsync has returned, further enqueue calls and a second
// Execute fail with ErrEngineAlreadyExecuted until Reset.
//
// Safe for concurrent enqueue calls from multiple goroutines before
// execution starts; once isExecuting is set, mutators are rejected
// rather than racing the runner.
type Engine struct {
	name string
	id   string

	mu       sync.Mutex
	pending  []queuedStep
	executed []queuedStep

	wctx *Context

	logger      Logger
	interceptor StepInterceptor
	listener    WorkflowListener
	metrics     MetricsCollector
	idempotency IdempotencyChecker

	skipCompensation bool
	compCfg          compensationConfig
	maxConcurrency   int

	asyncExecutor AsyncExecutor
	stepExecutor  AsyncExecutor

	isExecuting atomic.Bool
	hasExecuted atomic.Bool

	cancelMu sync.Mutex
	cancelFn context.CancelFunc
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger, used for lifecycle and retry
// diagnostics. Defaults to a no-op logger.
func WithLogger(logger Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithInterceptor sets a step-level interceptor.
func WithInterceptor(i StepInterceptor) EngineOption {
	return func(e *Engine) { e.interceptor = i }
}

// WithListener sets a workflow-level lifecycle listener.
func WithListener(l WorkflowListener) EngineOption {
	return func(e *Engine) { e.listener = l }
}

// WithMetrics sets the metrics collector reported to on every step
// attempt, retry, and compensation.
func WithMetrics(m MetricsCollector) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithIdempotencyChecker sets the checker consulted for steps flagged
// Idempotent().
func WithIdempotencyChecker(c IdempotencyChecker) EngineOption {
	return func(e *Engine) { e.idempotency = c }
}

// WithSkipCompensation disables the compensation sweep on failure.
// Steps still fail the workflow; only the undo pass is skipped.
func WithSkipCompensation(skip bool) EngineOption {
	return func(e *Engine) { e.skipCompensation = skip }
}

// WithCompensationTimeout overrides DefaultCompensationTimeout, the
// hard cap on awaiting async compensations.
func WithCompensationTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.compCfg.timeout = d }
}

// WithMaxCompensationRetries overrides DefaultMaxCompensationRetries.
func WithMaxCompensationRetries(n int) EngineOption {
	return func(e *Engine) {
		if n < 0 {
			n = 0
		}
		e.compCfg.maxRetries = n
	}
}

// WithMaxConcurrency bounds how many branches/items Parallel and
// ForEachAsync run at once. Zero or negative means unbounded.
func WithMaxConcurrency(n int) EngineOption {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithAsyncExecutor overrides the AsyncExecutor async steps dispatch
// onto. Defaults to one goroutine per call; inject a bounded pool to
// cap concurrent async step work.
func WithAsyncExecutor(ex AsyncExecutor) EngineOption {
	return func(e *Engine) {
		if ex != nil {
			e.asyncExecutor = ex
		}
	}
}

// WithStepExecutor overrides the AsyncExecutor sync steps' timeout
// enforcement dispatches onto. Defaults to one goroutine per call.
func WithStepExecutor(ex AsyncExecutor) EngineOption {
	return func(e *Engine) {
		if ex != nil {
			e.stepExecutor = ex
		}
	}
}

// WithContextData seeds the workflow context with initial key-value
// pairs, visible to the first step onward.
func WithContextData(data map[string]any) EngineOption {
	return func(e *Engine) {
		for k, v := range data {
			e.wctx.Put(k, v)
		}
	}
}

// NewEngine creates an Engine for a workflow named name. name is used
// for error messages and sub-engine naming; it need not be unique.
func NewEngine(name string, opts ...EngineOption) *Engine {
	e := &Engine{
		name:          name,
		id:            uuid.NewString(),
		logger:        noopLogger{},
		compCfg:       defaultCompensationConfig(),
		asyncExecutor: goroutineExecutor{},
		stepExecutor:  goroutineExecutor{},
	}
	e.wctx = NewContext(nil, e.logger)
	for _, opt := range opts {
		opt(e)
	}
	// Options may have replaced the logger after wctx was created with
	// the placeholder; keep the context's logger in sync.
	e.wctx.logger = e.logger
	return e
}

// hooks bundles the engine's observability wiring for the executor.
func (e *Engine) hooks() *runnerHooks {
	h := newRunnerHooks(e.interceptor, e.metrics, e.logger)
	if e.asyncExecutor != nil {
		h.asyncExecutor = e.asyncExecutor
	}
	if e.stepExecutor != nil {
		h.stepExecutor = e.stepExecutor
	}
	return h
}

// enqueue appends a step to the pending queue. Returns ErrEngineExecuting
// if the engine is currently running, ErrEngineAlreadyExecuted if it has
// already completed a run.
func (e *Engine) enqueue(q queuedStep) error {
	if e.isExecuting.Load() {
		return ErrEngineExecuting
	}
	if e.hasExecuted.Load() {
		return ErrEngineAlreadyExecuted
	}
	e.mu.Lock()
	e.pending = append(e.pending, q)
	e.mu.Unlock()
	return nil
}

// AddStep enqueues a fully-built sync Step.
func (e *Engine) AddStep(step Step) error {
	return e.enqueue(queuedStep{kind: kindSync, sync: step})
}

// Step enqueues a sync step built from a bare (name, action) pair.
func (e *Engine) Step(name string, action SyncAction) error {
	return e.AddStep(NewStep(name, action))
}

// StepWithCompensation enqueues a sync step with its compensation.
func (e *Engine) StepWithCompensation(name string, action SyncAction, compensation SyncCompensation) error {
	return e.AddStep(NewStep(name, action).WithCompensation(compensation))
}

// Run enqueues a sync step whose action is a void runnable (no result).
func (e *Engine) Run(name string, fn func(*Context) error) error {
	return e.AddStep(NewRunnableStep(name, fn))
}

// RunWithCompensation enqueues a void sync step with a void compensation.
func (e *Engine) RunWithCompensation(name string, fn func(*Context) error, compensation func() error) error {
	return e.AddStep(NewRunnableStep(name, fn).WithRunnableCompensation(compensation))
}

// AddAsyncStep enqueues a fully-built AsyncStep.
func (e *Engine) AddAsyncStep(step AsyncStep) error {
	return e.enqueue(queuedStep{kind: kindAsync, async: step})
}

// AsyncStep enqueues an async step built from a bare (name, action) pair.
func (e *Engine) AsyncStep(name string, action AsyncAction) error {
	return e.AddAsyncStep(NewAsyncStep(name, action))
}

// AsyncStepWithCompensation enqueues an async step with its compensation.
func (e *Engine) AsyncStepWithCompensation(name string, action AsyncAction, compensation AsyncCompensation) error {
	return e.AddAsyncStep(NewAsyncStep(name, action).WithCompensation(compensation))
}

// sanitizeKey turns a step name into the context key it records its
// result under: whitespace runs collapse to a single underscore, and
// the result is lowercased.
func sanitizeKey(name string) string {
	fields := strings.Fields(name)
	return strings.ToLower(strings.Join(fields, "_"))
}

// Execute runs every pending step in order to completion or failure,
// blocking the calling goroutine. It returns the workflow context (for
// inspecting results) and a non-nil *WorkflowError on failure.
func (e *Engine) Execute(ctx context.Context) (*Context, error) {
	if e.hasExecuted.Swap(true) {
		return e.wctx, ErrEngineAlreadyExecuted
	}
	if !e.isExecuting.CompareAndSwap(false, true) {
		return e.wctx, ErrEngineExecuting
	}
	defer e.isExecuting.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.cancelFn = cancel
	e.cancelMu.Unlock()
	defer cancel()

	start := time.Now()
	e.wctx.Put(KeyExecutionID, uuid.NewString())
	e.wctx.Put(KeyWorkflowName, e.name)
	e.wctx.Trace(fmt.Sprintf("workflow %q starting", e.name))
	if e.listener != nil {
		safeCall(e.logger, "listener.OnWorkflowStart", func() { e.listener.OnWorkflowStart(e.id, e.name) })
	}

	hooks := e.hooks()
	var failure error
	stepNumber := 0

	for {
		e.mu.Lock()
		if len(e.pending) == 0 {
			e.mu.Unlock()
			break
		}
		step := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		stepNumber++

		if step.isIdempotent() && e.idempotency != nil {
			already := false
			safeCall(e.logger, "idempotency.IsStepExecuted", func() {
				already = e.idempotency.IsStepExecuted(e.id, step.id())
			})
			if already {
				e.logger.Debug("saga: skipping idempotent step", "step", step.name())
				continue
			}
		}

		var outcome stepOutcome
		if step.kind == kindSync {
			outcome = runSyncStep(runCtx, step.sync, e.wctx, hooks)
		} else {
			outcome = runAsyncStep(runCtx, step.async, e.wctx, hooks)
		}

		if outcome.err != nil {
			e.wctx.recordStepError(step.id(), outcome.err)
			e.wctx.Put(KeyErrorContext, outcome.err.Error())
			if step.isCritical() {
				failure = &CriticalStepError{StepName: step.name(), Cause: outcome.err}
			} else {
				failure = outcome.err
			}
			break
		}

		e.wctx.recordStepResult(step.id(), outcome.result)
		e.wctx.Put(KeyLastResult, outcome.result)
		if outcome.result != nil {
			e.wctx.Put(KeyFinalResult, outcome.result)
		}
		e.wctx.Put(KeyStepResultPrefix+sanitizeKey(step.name()), outcome.result)

		e.mu.Lock()
		e.executed = append(e.executed, step)
		e.mu.Unlock()

		if step.isIdempotent() && e.idempotency != nil {
			safeCall(e.logger, "idempotency.MarkStepExecuted", func() { e.idempotency.MarkStepExecuted(e.id, step.id()) })
		}
	}

	if failure == nil {
		e.wctx.Trace(fmt.Sprintf("workflow %q completed", e.name))
		if e.listener != nil {
			safeCall(e.logger, "listener.OnWorkflowComplete", func() {
				e.listener.OnWorkflowComplete(e.id, e.name, time.Since(start))
			})
		}
		return e.wctx, nil
	}

	e.wctx.Trace(fmt.Sprintf("workflow %q failed at step %d: %v", e.name, stepNumber, failure))

	var compErrs []error
	if !e.skipCompensation {
		e.mu.Lock()
		toCompensate := make([]queuedStep, len(e.executed))
		copy(toCompensate, e.executed)
		e.mu.Unlock()

		compErrs = compensate(context.Background(), toCompensate, e.wctx, hooks, e.compCfg, e.listener, e.id, e.name)
	}

	werr := &WorkflowError{
		WorkflowName:       e.name,
		StepNumber:         stepNumber,
		Cause:              failure,
		CompensationErrors: compErrs,
	}

	if e.listener != nil {
		safeCall(e.logger, "listener.OnWorkflowFailed", func() { e.listener.OnWorkflowFailed(e.id, e.name, werr) })
	}

	return e.wctx, werr
}

// ExecuteResult is delivered on the channel returned by ExecuteAsync.
type ExecuteResult struct {
	Context *Context
	Err     error
}

// ExecuteAsync runs Execute on a new goroutine and returns a
// single-value, closed-after-send channel. Cancel can be used to abort
// the run early; the channel still receives exactly one ExecuteResult.
func (e *Engine) ExecuteAsync(ctx context.Context) <-chan ExecuteResult {
	ch := make(chan ExecuteResult, 1)
	go func() {
		wctx, err := e.Execute(ctx)
		ch <- ExecuteResult{Context: wctx, Err: err}
		close(ch)
	}()
	return ch
}

// Cancel aborts an in-flight Execute/ExecuteAsync call: the runner's
// context is cancelled, which surfaces as ErrWorkflowInterrupted the
// next time a step checks it (a retry sleep or an async step await).
// The compensation sweep that follows runs under its own background
// context, so Cancel does not interrupt it. isExecuting clears once
// Execute observes the cancellation and returns.
func (e *Engine) Cancel() {
	e.cancelMu.Lock()
	cancel := e.cancelFn
	e.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Reset returns the engine to a fresh, pre-execution state: the
// pending/executed queues and the workflow context are cleared so the
// same Engine (same configuration, interceptors, listeners) can run
// again. The workflow identifier is regenerated.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.pending = nil
	e.executed = nil
	e.mu.Unlock()
	e.id = uuid.NewString()
	e.wctx = NewContext(nil, e.logger)
	e.hasExecuted.Store(false)
	e.isExecuting.Store(false)
}

// IsExecuting reports whether the engine is currently mid-run.
func (e *Engine) IsExecuting() bool { return e.isExecuting.Load() }

// WorkflowID returns the engine's workflow identifier.
func (e *Engine) WorkflowID() string { return e.id }

// ExecutedStepCount returns how many steps have completed successfully
// so far (or in total, once Execute has returned).
func (e *Engine) ExecutedStepCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed)
}

// ExecutedStepNames returns the names of every step that completed
// successfully, in execution order.
func (e *Engine) ExecutedStepNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.executed))
	for i, s := range e.executed {
		names[i] = s.name()
	}
	return names
}

// ExecutionTrace returns the workflow context's timestamped trace log.
func (e *Engine) ExecutionTrace() []TraceEntry {
	return e.wctx.GetTrace()
}

// ContextSnapshot returns a copy of the workflow context's data.
func (e *Engine) ContextSnapshot() map[string]any {
	return e.wctx.Snapshot()
}

// Get reads a key from the live workflow context.
func (e *Engine) Get(key string) (any, bool) {
	return e.wctx.Get(key)
}

// LastResult returns the result of the most recently completed step.
func (e *Engine) LastResult() (any, bool) {
	return e.wctx.Get(KeyLastResult)
}

// StepResult returns the recorded result of a specific step, by id.
func (e *Engine) StepResult(stepID string) (any, bool) {
	return e.wctx.StepResult(stepID)
}

// subEngine builds a child Engine inheriting this engine's name prefix,
// logger, skip-compensation flag, metrics collector, compensation
// config, and max concurrency, seeded with a snapshot copy of the
// current workflow context. Used by combinators to describe a branch
// or loop body without letting it touch the live parent context.
func (e *Engine) subEngine(nameSuffix string) *Engine {
	sub := &Engine{
		name:             e.name + "/" + nameSuffix,
		id:               uuid.NewString(),
		logger:           e.logger,
		metrics:          e.metrics,
		idempotency:      e.idempotency,
		skipCompensation: e.skipCompensation,
		compCfg:          e.compCfg,
		maxConcurrency:   e.maxConcurrency,
	}
	sub.wctx = e.wctx.clone(e.logger)
	return sub
}

// takePending drains and returns a sub-engine's pending queue, for
// flattening into the parent's queue by conditional/loop combinators.
func (e *Engine) takePending() []queuedStep {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.pending
	e.pending = nil
	return out
}

// prependPending flattens steps to the FRONT of the parent's queue, so
// a conditional/loop body runs immediately after the combinator step
// that produced it rather than after whatever was already queued.
// Bypasses the isExecuting/hasExecuted gate enqueue uses: combinators
// call this from within a step action that is itself running on the
// parent's runner goroutine.
func (e *Engine) prependPending(steps []queuedStep) {
	e.mu.Lock()
	e.pending = append(append([]queuedStep{}, steps...), e.pending...)
	e.mu.Unlock()
}
