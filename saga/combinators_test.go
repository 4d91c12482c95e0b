package saga

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEquals(t *testing.T) {
	ctx := NewContext(map[string]any{"status": "ready"}, nil)

	if !Equals("status", "ready")(ctx) {
		t.Fatalf("Equals should match equal values")
	}
	if Equals("status", "not-ready")(ctx) {
		t.Fatalf("Equals should not match different values")
	}
	if Equals("missing", nil)(ctx) == false {
		t.Fatalf("Equals(missing, nil) should match an absent key against nil")
	}
}

func TestEngineIfThenElseBranches(t *testing.T) {
	run := func(flag bool) any {
		e := NewEngine("if-then-else")
		_ = e.IfThenElse("branch",
			func(*Context) bool { return flag },
			func(sub *Engine) { _ = sub.Step("then", func(*Context) (any, error) { return "then", nil }) },
			func(sub *Engine) { _ = sub.Step("else", func(*Context) (any, error) { return "else", nil }) },
		)
		wctx, err := e.Execute(context.Background())
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		v, _ := wctx.Get(KeyFinalResult)
		return v
	}

	if got := run(true); got != "then" {
		t.Fatalf("true branch = %v, want then", got)
	}
	if got := run(false); got != "else" {
		t.Fatalf("false branch = %v, want else", got)
	}
}

func TestEngineIfThenUsesEqualsPredicate(t *testing.T) {
	e := NewEngine("if-then")
	_ = e.AddStep(NewStep("seed", func(ctx *Context) (any, error) {
		ctx.Put("kind", "premium")
		return nil, nil
	}))
	var branchRan int32
	_ = e.IfThen("check", "kind", "premium", func(sub *Engine) {
		_ = sub.Step("premium-only", func(*Context) (any, error) {
			atomic.AddInt32(&branchRan, 1)
			return nil, nil
		})
	})

	_, err := e.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if branchRan != 1 {
		t.Fatalf("branchRan = %d, want 1", branchRan)
	}
}

func TestEngineForEachAsyncSuppressesPerItemErrors(t *testing.T) {
	e := NewEngine("foreach-async")
	items := func(*Context) []any { return []any{1, 2, 3, 4} }
	var succeeded int32
	_ = e.ForEachAsync("process", items, func(ctx *Context, item any) error {
		if item.(int)%2 == 0 {
			return errors.New("even numbers fail")
		}
		atomic.AddInt32(&succeeded, 1)
		return nil
	})

	_, err := e.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil (per-item errors are suppressed)", err)
	}
	if succeeded != 2 {
		t.Fatalf("succeeded = %d, want 2", succeeded)
	}
}

func TestEngineAsyncStepTimeoutRaisesTimeoutError(t *testing.T) {
	e := NewEngine("timeout")
	_ = e.AddAsyncStep(NewAsyncStep("slow", func(ctx context.Context, wctx *Context) (any, error) {
		time.Sleep(time.Hour) // ignores cancellation deliberately, forcing the timeout branch
		return nil, nil
	}).WithTimeout(10 * time.Millisecond).WithMaxRetries(0))

	_, err := e.Execute(context.Background())
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var werr *WorkflowError
	if !errors.As(err, &werr) {
		t.Fatalf("expected *WorkflowError, got %v", err)
	}
	var timeoutErr *StepTimeoutError
	if !errors.As(werr, &timeoutErr) {
		t.Fatalf("expected wrapped *StepTimeoutError, got %v", werr.Cause)
	}
}

func TestEngineLogAppendsTrace(t *testing.T) {
	e := NewEngine("log")
	_ = e.Log("checkpoint reached")

	wctx, err := e.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	found := false
	for _, entry := range wctx.GetTrace() {
		if entry.Message == "checkpoint reached" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected trace to contain the logged message")
	}
}
