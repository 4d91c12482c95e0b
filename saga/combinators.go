package saga

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"golang.org/x/sync/errgroup"
)

// Predicate inspects the workflow context and decides whether a
// conditional branch runs.
type Predicate func(*Context) bool

// Equals builds a Predicate comparing context[key] against expected
// with reflect.DeepEqual, the Go analogue of the source's
// Objects.equals(context.get(key), expected).
func Equals(key string, expected any) Predicate {
	return func(ctx *Context) bool {
		v, ok := ctx.Get(key)
		if !ok {
			return expected == nil
		}
		return reflect.DeepEqual(v, expected)
	}
}

// Body populates a sub-engine representing a branch, loop iteration, or
// parallel arm.
type Body func(*Engine)

// When enqueues a single synthetic step: when it runs, it evaluates
// predicate and, if true, builds a sub-engine via body and flattens the
// sub-engine's pending steps into this engine's queue immediately
// after the synthetic step.
func (e *Engine) When(name string, predicate Predicate, body Body) error {
	return e.Run(name, func(ctx *Context) error {
		if !predicate(ctx) {
			return nil
		}
		sub := e.subEngine(name)
		body(sub)
		e.prependPending(sub.takePending())
		return nil
	})
}

// IfThen is When keyed on context[key] == expected rather than an
// arbitrary predicate.
func (e *Engine) IfThen(name, key string, expected any, body Body) error {
	return e.When(name, Equals(key, expected), body)
}

// IfThenElse runs thenBody when predicate holds, elseBody otherwise.
func (e *Engine) IfThenElse(name string, predicate Predicate, thenBody, elseBody Body) error {
	return e.Run(name, func(ctx *Context) error {
		sub := e.subEngine(name)
		if predicate(ctx) {
			thenBody(sub)
		} else {
			elseBody(sub)
		}
		e.prependPending(sub.takePending())
		return nil
	})
}

// Repeat enqueues a single synthetic step that, when it runs, iterates
// n times; for each iteration it builds a sub-engine (named with a
// "Repeat-<i>" suffix) via body and *executes it inline* rather than
// flattening it into the parent queue. Unlike When/IfThen/IfThenElse,
// and like ForEach, its body is driven synchronously within the
// synthetic step, not queued alongside the parent's remaining steps.
func (e *Engine) Repeat(name string, n int, body Body) error {
	return e.Run(name, func(ctx *Context) error {
		for i := 0; i < n; i++ {
			sub := e.subEngine(fmt.Sprintf("%s-Repeat-%d", name, i))
			body(sub)
			if _, err := sub.Execute(context.Background()); err != nil {
				return fmt.Errorf("repeat %q iteration %d: %w", name, i, err)
			}
		}
		return nil
	})
}

// CollectionSupplier produces the items ForEach/ForEachAsync iterates.
type CollectionSupplier func(*Context) []any

// ItemProcessor handles one element of a ForEach/ForEachAsync collection.
type ItemProcessor func(*Context, any) error

// ForEach enqueues a single synthetic step that enumerates the
// collection serially: for each element it writes current_item and
// item_index into the parent context, then builds and inline-executes
// a sub-engine containing one "Process item" step.
func (e *Engine) ForEach(name string, items CollectionSupplier, process ItemProcessor) error {
	return e.Run(name, func(ctx *Context) error {
		values := items(ctx)
		for i, item := range values {
			ctx.Put(KeyCurrentItem, item)
			ctx.Put(KeyItemIndex, i)

			sub := e.subEngine(fmt.Sprintf("%s-item-%d", name, i))
			it := item
			if err := sub.Run("Process item", func(*Context) error {
				return process(ctx, it)
			}); err != nil {
				return err
			}
			if _, err := sub.Execute(context.Background()); err != nil {
				return fmt.Errorf("forEach %q item %d: %w", name, i, err)
			}
		}
		return nil
	})
}

// ForEachAsync enqueues one async step that fans every item out
// concurrently (bounded by the engine's max concurrency, if set) and
// waits for all to finish. Per-item failures are logged and suppressed
// rather than failing the workflow: read-modify-write races on shared
// context keys under concurrent items are a documented hazard, not a
// bug.
func (e *Engine) ForEachAsync(name string, items CollectionSupplier, process ItemProcessor) error {
	return e.AsyncStep(name, func(ctx context.Context, wctx *Context) (any, error) {
		values := items(wctx)
		g, gctx := errgroup.WithContext(ctx)
		if e.maxConcurrency > 0 {
			g.SetLimit(e.maxConcurrency)
		}
		for i, item := range values {
			i, item := i, item
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				if err := process(wctx, item); err != nil {
					e.logger.Error("saga: forEachAsync item failed, suppressing", "workflow", name, "index", i, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		return len(values), nil
	})
}

// Branch is one arm of a Parallel combinator.
type Branch struct {
	Name string
	Body Body
}

// Parallel enqueues one async step that materialises each branch into
// its own sub-engine (seeded with a snapshot of the current context at
// the time Parallel's step runs) and executes all of them concurrently
// via their own standalone Execute call. Completion requires every
// branch to succeed; the first branch error fails the step.
//
// Branch sub-engines are isolated from the parent's compensation
// bookkeeping by design: their executedSteps are never merged into the
// parent, so if the parent later fails, branch-local compensations do
// not run. The Parallel step itself carries no compensation either.
func (e *Engine) Parallel(name string, branches ...Branch) error {
	return e.AsyncStep(name, func(ctx context.Context, wctx *Context) (any, error) {
		g, gctx := errgroup.WithContext(ctx)
		if e.maxConcurrency > 0 {
			g.SetLimit(e.maxConcurrency)
		}
		results := make([]*Context, len(branches))
		for i, branch := range branches {
			i, branch := i, branch
			g.Go(func() error {
				sub := e.subEngine(branch.Name)
				branch.Body(sub)
				rctx, err := sub.Execute(gctx)
				results[i] = rctx
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, rctx := range results {
			if rctx == nil {
				continue
			}
			for k, v := range rctx.Snapshot() {
				if k == KeyWorkflowID || k == KeyExecutionID || k == KeyStartTime {
					continue
				}
				wctx.Put(k, v)
			}
		}
		return len(branches), nil
	})
}

// WithFallback enqueues a step whose action runs main; on any failure
// it invokes fallback instead and returns fallback's result rather than
// failing the step.
func (e *Engine) WithFallback(name string, main, fallback SyncAction) error {
	return e.Step(name, func(ctx *Context) (any, error) {
		result, err := main(ctx)
		if err == nil {
			return result, nil
		}
		e.logger.Debug("saga: step falling back", "step", name, "error", err)
		return fallback(ctx)
	})
}

// WithTimeoutStep enqueues an async step that dispatches action on the
// async executor and waits at most duration; on expiry it cancels the
// pending call and raises a *StepTimeoutError.
func (e *Engine) WithTimeoutStep(name string, action AsyncAction, duration time.Duration) error {
	return e.AddAsyncStep(NewAsyncStep(name, action).WithTimeout(duration))
}

// Log enqueues a step whose only effect is writing a message to the
// workflow context's execution trace, useful for annotating a
// combinator-heavy workflow without a real side effect.
func (e *Engine) Log(message string) error {
	return e.Run("log", func(ctx *Context) error {
		ctx.Trace(message)
		return nil
	})
}
