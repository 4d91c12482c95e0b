package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// compensationConfig carries the engine's compensation tuning down into
// the compensation sweep, so engine-level overrides (WithCompensationTimeout,
// WithMaxCompensationRetries) take effect without global state.
type compensationConfig struct {
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
}

func defaultCompensationConfig() compensationConfig {
	return compensationConfig{
		timeout:    DefaultCompensationTimeout,
		maxRetries: DefaultMaxCompensationRetries,
		retryDelay: DefaultCompensationRetryDelay,
	}
}

// compensate walks executed in reverse order, invoking each step's
// compensation with the value the step originally produced. It never
// aborts partway: every step with a compensation gets a chance to run,
// and every failure is collected rather than propagated immediately.
// Sync compensations run inline, each retried up to cfg.maxRetries times
// with cfg.retryDelay between attempts. Async compensations are
// dispatched concurrently and awaited together under cfg.timeout.
//
// listener (if non-nil) is notified at the start of the sweep and again
// once every compensation has been attempted, with the count that
// succeeded and failed.
func compensate(ctx context.Context, executed []queuedStep, wctx *Context, hooks *runnerHooks, cfg compensationConfig, listener WorkflowListener, workflowID, workflowName string) []error {
	syncTail := make([]queuedStep, 0, len(executed))
	asyncTail := make([]queuedStep, 0, len(executed))
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if !step.hasCompensation() {
			continue
		}
		if step.kind == kindSync {
			syncTail = append(syncTail, step)
		} else {
			asyncTail = append(asyncTail, step)
		}
	}

	total := len(syncTail) + len(asyncTail)
	hooks.logger.Info("saga: compensation starting", "workflow", workflowName, "steps", total)
	if listener != nil {
		safeCall(hooks.logger, "listener.OnCompensationStart", func() { listener.OnCompensationStart(workflowID, workflowName) })
	}

	var errs []error
	succeeded := 0

	for _, step := range syncTail {
		result, _ := wctx.StepResult(step.sync.id)
		if err := compensateSyncStep(ctx, step.sync, result, cfg); err != nil {
			cerr := &CompensationError{StepName: step.sync.name, Cause: err}
			errs = append(errs, cerr)
			hooks.logger.Error("saga: compensation failed", "step", step.sync.name, "error", err)
			if hooks.metrics != nil {
				safeCall(hooks.logger, "metrics.RecordCompensation", func() {
					hooks.metrics.RecordCompensation(step.sync.name, false)
				})
			}
		} else {
			succeeded++
			if hooks.metrics != nil {
				safeCall(hooks.logger, "metrics.RecordCompensation", func() {
					hooks.metrics.RecordCompensation(step.sync.name, true)
				})
			}
		}
	}

	if len(asyncTail) > 0 {
		asyncErrs, asyncSucceeded := compensateAsyncSteps(ctx, asyncTail, wctx, hooks, cfg)
		errs = append(errs, asyncErrs...)
		succeeded += asyncSucceeded
	}

	failed := total - succeeded
	if listener != nil {
		safeCall(hooks.logger, "listener.OnCompensationComplete", func() {
			listener.OnCompensationComplete(workflowID, workflowName, succeeded, failed)
		})
	}

	return errs
}

// compensateSyncStep retries a single sync compensation up to
// cfg.maxRetries times. An interruption during the inter-attempt sleep
// aborts only this step's compensation, returning ErrWorkflowInterrupted
// joined with the last compensation error; the outer sweep keeps going
// with the next step.
func compensateSyncStep(ctx context.Context, step Step, result any, cfg compensationConfig) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepInterruptible(ctx, cfg.retryDelay); err != nil {
				return errors.Join(err, lastErr)
			}
		}
		if err := step.compensation(result); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// compensateAsyncSteps dispatches every async compensation concurrently
// and awaits them all under a single cfg.timeout. The wait itself never
// blocks past the deadline: a compensation that ignores context
// cancellation keeps running in the background, but the sweep proceeds
// and records it as failed rather than hanging.
func compensateAsyncSteps(ctx context.Context, steps []queuedStep, wctx *Context, hooks *runnerHooks, cfg compensationConfig) ([]error, int) {
	deadlineCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(deadlineCtx)
	done := make(chan struct{})

	errsCh := make(chan error, len(steps))
	okCh := make(chan struct{}, len(steps))
	for _, step := range steps {
		step := step
		g.Go(func() error {
			result, _ := wctx.StepResult(step.async.id)
			err := compensateAsyncStep(gctx, step.async, result, cfg)
			if err != nil {
				errsCh <- &CompensationError{StepName: step.async.name, Cause: err}
			} else {
				okCh <- struct{}{}
			}
			if hooks.metrics != nil {
				ok := err == nil
				safeCall(hooks.logger, "metrics.RecordCompensation", func() {
					hooks.metrics.RecordCompensation(step.async.name, ok)
				})
			}
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-deadlineCtx.Done():
		hooks.logger.Error("saga: compensation sweep timed out, proceeding with partial results",
			"timeout", cfg.timeout)
	}

	// errsCh/okCh are never closed: stragglers from a timed-out sweep may
	// still be sending after we stop reading. Both are buffered to
	// len(steps), so every send above completes without blocking.
	var errs []error
	succeeded := 0
drain:
	for {
		select {
		case err := <-errsCh:
			errs = append(errs, err)
		case <-okCh:
			succeeded++
		default:
			break drain
		}
	}
	if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
		errs = append(errs, fmt.Errorf("saga: compensation sweep exceeded %s", cfg.timeout))
	}
	return errs, succeeded
}

func compensateAsyncStep(ctx context.Context, step AsyncStep, result any, cfg compensationConfig) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepInterruptible(ctx, cfg.retryDelay); err != nil {
				return errors.Join(err, lastErr)
			}
		}
		if err := step.compensation(ctx, result); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
