package saga

import (
	"context"
	"errors"
	"time"
)

// AsyncExecutor dispatches a unit of work. The default implementation
// runs fn on its own goroutine; callers may inject a bounded pool (for
// example one backed by golang.org/x/sync/errgroup with SetLimit) via
// WithAsyncExecutor/WithStepExecutor to cap concurrent step dispatch
// instead of relying on the unbounded goroutine-per-call default.
type AsyncExecutor interface {
	Go(fn func())
}

// goroutineExecutor is the default AsyncExecutor: one goroutine per call.
type goroutineExecutor struct{}

func (goroutineExecutor) Go(fn func()) { go fn() }

// stepOutcome is the result of running one step to completion (after
// exhausting retries or succeeding), independent of sync/async kind.
type stepOutcome struct {
	result   any
	err      error
	attempts int
	duration time.Duration
}

// runSyncStep executes a sync step's action under its retry policy,
// reporting each attempt through the interceptor/metrics hooks and the
// engine logger. ctx governs cancellation of the retry-delay sleep.
func runSyncStep(ctx context.Context, step Step, wctx *Context, hooks *runnerHooks) stepOutcome {
	policy := step.policy()
	var lastErr error
	attempt := 0

	for {
		attempt++
		start := time.Now()
		hooks.beforeStep(step.name, wctx, attempt)

		result, err := runWithTimeout(hooks.stepExecutor, step.name, step.timeout, func() (any, error) {
			return step.action(wctx)
		})
		duration := time.Since(start)

		if err == nil {
			hooks.afterStep(step.name, wctx, attempt, duration, result, nil)
			return stepOutcome{result: result, attempts: attempt, duration: duration}
		}

		lastErr = err
		hooks.afterStep(step.name, wctx, attempt, duration, nil, err)
		hooks.recordRetry(step.name, attempt)

		if !policy.ShouldRetry(attempt, err) {
			return stepOutcome{err: lastErr, attempts: attempt, duration: duration}
		}

		delay := policy.NextDelay(attempt)
		if delay <= 0 {
			continue
		}
		if err := sleepInterruptible(ctx, delay); err != nil {
			return stepOutcome{err: err, attempts: attempt, duration: duration}
		}
	}
}

// runAsyncStep is the async counterpart of runSyncStep. The step's
// action is invoked with a context derived from ctx, bounded by the
// step's timeout when set.
func runAsyncStep(ctx context.Context, step AsyncStep, wctx *Context, hooks *runnerHooks) stepOutcome {
	policy := step.policy()
	var lastErr error
	attempt := 0

	for {
		attempt++
		start := time.Now()
		hooks.beforeStep(step.name, wctx, attempt)

		result, err := runAsyncWithTimeout(hooks.asyncExecutor, ctx, step.name, step.timeout, func(stepCtx context.Context) (any, error) {
			return step.action(stepCtx, wctx)
		})
		duration := time.Since(start)

		if err == nil {
			hooks.afterStep(step.name, wctx, attempt, duration, result, nil)
			return stepOutcome{result: result, attempts: attempt, duration: duration}
		}

		lastErr = err
		hooks.afterStep(step.name, wctx, attempt, duration, nil, err)
		hooks.recordRetry(step.name, attempt)

		if !policy.ShouldRetry(attempt, err) {
			return stepOutcome{err: lastErr, attempts: attempt, duration: duration}
		}

		delay := policy.NextDelay(attempt)
		if delay <= 0 {
			continue
		}
		if err := sleepInterruptible(ctx, delay); err != nil {
			return stepOutcome{err: err, attempts: attempt, duration: duration}
		}
	}
}

// runWithTimeout runs fn on executor so a positive timeout bounds it:
// fn ignoring cancellation cannot hang the caller past the deadline, it
// can only leak the goroutine until fn itself returns. A non-positive
// timeout runs fn directly on the caller's goroutine, unbounded.
func runWithTimeout(executor AsyncExecutor, stepName string, timeout time.Duration, fn func() (any, error)) (any, error) {
	if timeout <= 0 {
		return fn()
	}

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	executor.Go(func() {
		v, err := fn()
		done <- result{v, err}
	})

	select {
	case r := <-done:
		return r.val, r.err
	case <-time.After(timeout):
		return nil, &StepTimeoutError{StepName: stepName, Timeout: timeout.String()}
	}
}

// runAsyncWithTimeout derives a bounded context from parent (when
// timeout is positive) and runs fn with it on executor.
func runAsyncWithTimeout(executor AsyncExecutor, parent context.Context, stepName string, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	stepCtx := parent
	cancel := func() {}
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	executor.Go(func() {
		v, err := fn(stepCtx)
		done <- result{v, err}
	})

	select {
	case r := <-done:
		return r.val, r.err
	case <-stepCtx.Done():
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, &StepTimeoutError{StepName: stepName, Timeout: timeout.String()}
		}
		return nil, ErrWorkflowInterrupted
	}
}

// sleepInterruptible sleeps for d or returns ErrWorkflowInterrupted if
// ctx is cancelled first.
func sleepInterruptible(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrWorkflowInterrupted
	}
}

// runnerHooks bundles the callbacks the executor reports through:
// interceptors, metrics collection, logging, and the async executors
// used to dispatch sync (stepExecutor) and async (asyncExecutor) step
// work. A nil-safe zero value is available via newRunnerHooks so
// callers never need to check for nil before use.
type runnerHooks struct {
	interceptor   StepInterceptor
	metrics       MetricsCollector
	logger        Logger
	stepExecutor  AsyncExecutor
	asyncExecutor AsyncExecutor
}

func newRunnerHooks(interceptor StepInterceptor, metrics MetricsCollector, logger Logger) *runnerHooks {
	if logger == nil {
		logger = noopLogger{}
	}
	return &runnerHooks{
		interceptor:   interceptor,
		metrics:       metrics,
		logger:        logger,
		stepExecutor:  goroutineExecutor{},
		asyncExecutor: goroutineExecutor{},
	}
}

func (h *runnerHooks) beforeStep(name string, wctx *Context, attempt int) {
	h.logger.Debug("saga: step starting", "step", name, "attempt", attempt)
	if h.interceptor != nil {
		safeCall(h.logger, "beforeStep", func() { h.interceptor.BeforeStep(name, wctx) })
	}
}

// afterStep reports the outcome of one attempt: on success it calls
// AfterStep with the result, on failure it calls OnStepError with the
// attempt's error. Either way it feeds the metrics collector.
func (h *runnerHooks) afterStep(name string, wctx *Context, attempt int, duration time.Duration, result any, stepErr error) {
	ok := stepErr == nil
	if ok {
		h.logger.Debug("saga: step succeeded", "step", name, "attempt", attempt, "duration", duration)
	} else {
		h.logger.Debug("saga: step failed", "step", name, "attempt", attempt, "duration", duration)
	}
	if h.interceptor != nil {
		if ok {
			safeCall(h.logger, "afterStep", func() { h.interceptor.AfterStep(name, wctx, result) })
		} else {
			safeCall(h.logger, "onStepError", func() { h.interceptor.OnStepError(name, wctx, stepErr) })
		}
	}
	if h.metrics != nil {
		safeCall(h.logger, "metrics.RecordStep", func() { h.metrics.RecordStep(name, duration, ok) })
	}
}

func (h *runnerHooks) recordRetry(name string, attempt int) {
	if h.metrics != nil {
		safeCall(h.logger, "metrics.RecordRetry", func() { h.metrics.RecordRetry(name, attempt) })
	}
}

// safeCall runs fn, logging and swallowing any panic so a misbehaving
// interceptor or metrics collector never takes down a workflow.
func safeCall(logger Logger, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("saga: hook panicked, ignoring", "hook", hook, "panic", r)
		}
	}()
	fn()
}
