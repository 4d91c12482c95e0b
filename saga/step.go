package saga

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ridhorezi/saga-orchestrator/retry"
)

// SyncAction performs a single synchronous step, returning the step's
// result or an error. It receives the shared workflow Context.
type SyncAction func(*Context) (any, error)

// SyncCompensation undoes a previously successful SyncAction, given the
// result that action produced.
type SyncCompensation func(any) error

// AsyncAction performs a single asynchronous step. It is dispatched on
// the engine's AsyncExecutor and awaited by the runner, subject to the
// step's timeout.
type AsyncAction func(context.Context, *Context) (any, error)

// AsyncCompensation undoes a previously successful AsyncAction.
type AsyncCompensation func(context.Context, any) error

// stepKind tags which variant a queued entry is, so the runner can
// dispatch with a single switch instead of dynamic type assertions.
type stepKind int

const (
	kindSync stepKind = iota
	kindAsync
)

// Step is an immutable descriptor for a synchronous workflow step: a
// stable identifier, a name, an action, an optional compensation, and
// retry/timeout/criticality metadata. Construct with NewStep and chain
// With* calls; each With* returns a modified copy, leaving the receiver
// untouched.
type Step struct {
	id           string
	name         string
	action       SyncAction
	compensation SyncCompensation
	maxRetries   int
	retryDelay   time.Duration
	retryPolicy  *retry.Policy
	timeout      time.Duration
	critical     bool
	idempotent   bool
	metadata     map[string]any
}

// NewStep creates a sync step. name and action are required; a random
// identifier is generated. Defaults: DefaultMaxRetries,
// DefaultRetryDelay, DefaultStepTimeout.
func NewStep(name string, action SyncAction) Step {
	if name == "" {
		panic("saga: step name cannot be empty")
	}
	if action == nil {
		panic("saga: step action cannot be nil")
	}
	return Step{
		id:         uuid.NewString(),
		name:       name,
		action:     action,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultStepTimeout,
	}
}

// NewRunnableStep adapts a void action (no return value) into a Step
// whose action always produces a nil result.
func NewRunnableStep(name string, fn func(*Context) error) Step {
	return NewStep(name, func(ctx *Context) (any, error) {
		return nil, fn(ctx)
	})
}

// WithID overrides the generated step identifier.
func (s Step) WithID(id string) Step {
	if id != "" {
		s.id = id
	}
	return s
}

// WithCompensation attaches a compensation, called with the step's
// result if the workflow later fails and compensation runs.
func (s Step) WithCompensation(fn SyncCompensation) Step {
	s.compensation = fn
	return s
}

// WithRunnableCompensation adapts a void compensation (ignores the
// step's result).
func (s Step) WithRunnableCompensation(fn func() error) Step {
	s.compensation = func(any) error { return fn() }
	return s
}

// WithMaxRetries sets the maximum retry count. Negative values are
// treated as zero (no retries) by the step executor.
func (s Step) WithMaxRetries(n int) Step {
	s.maxRetries = n
	return s
}

// WithRetryDelay sets the delay between retry attempts. Zero or
// negative disables the sleep between attempts.
func (s Step) WithRetryDelay(d time.Duration) Step {
	s.retryDelay = d
	return s
}

// WithRetryPolicy overrides MaxRetries/RetryDelay with a full retry
// policy (e.g. exponential backoff with jitter via retry.Default()).
func (s Step) WithRetryPolicy(p *retry.Policy) Step {
	s.retryPolicy = p
	return s
}

// WithTimeout sets a per-step execution timeout. Zero or negative
// disables the timeout.
func (s Step) WithTimeout(d time.Duration) Step {
	s.timeout = d
	return s
}

// Critical flags the step: its failure aborts the workflow immediately
// and unconditionally, independent of retry exhaustion semantics (a
// critical step still exhausts its own retries first).
func (s Step) Critical() Step {
	s.critical = true
	return s
}

// Idempotent flags the step as safely skippable if the engine's
// IdempotencyChecker reports it already executed for this context.
func (s Step) Idempotent() Step {
	s.idempotent = true
	return s
}

// WithMetadata attaches a free-form metadata entry. Metadata is never
// read by the engine itself; it is carried for caller inspection.
func (s Step) WithMetadata(key string, value any) Step {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	} else {
		cp := make(map[string]any, len(s.metadata)+1)
		for k, v := range s.metadata {
			cp[k] = v
		}
		s.metadata = cp
	}
	s.metadata[key] = value
	return s
}

// ID returns the step's identifier.
func (s Step) ID() string { return s.id }

// Name returns the step's name.
func (s Step) Name() string { return s.name }

// Metadata returns the step's free-form metadata map.
func (s Step) Metadata() map[string]any { return s.metadata }

// policy resolves the effective retry policy: the explicit
// WithRetryPolicy override if set, else a fixed-delay policy derived
// from MaxRetries/RetryDelay.
func (s Step) policy() *retry.Policy {
	if s.retryPolicy != nil {
		return s.retryPolicy
	}
	return retry.FixedDelay(s.maxRetries, s.retryDelay)
}

// AsyncStep is the asynchronous counterpart of Step: its action
// receives a context.Context (for cancellation/timeout) in addition to
// the workflow Context, and returns a pending value.
type AsyncStep struct {
	id           string
	name         string
	action       AsyncAction
	compensation AsyncCompensation
	maxRetries   int
	retryDelay   time.Duration
	retryPolicy  *retry.Policy
	timeout      time.Duration
	critical     bool
	idempotent   bool
	metadata     map[string]any
}

// NewAsyncStep creates an async step with the same defaults as NewStep.
func NewAsyncStep(name string, action AsyncAction) AsyncStep {
	if name == "" {
		panic("saga: step name cannot be empty")
	}
	if action == nil {
		panic("saga: step action cannot be nil")
	}
	return AsyncStep{
		id:         uuid.NewString(),
		name:       name,
		action:     action,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		timeout:    DefaultStepTimeout,
	}
}

func (s AsyncStep) WithID(id string) AsyncStep {
	if id != "" {
		s.id = id
	}
	return s
}

func (s AsyncStep) WithCompensation(fn AsyncCompensation) AsyncStep {
	s.compensation = fn
	return s
}

func (s AsyncStep) WithMaxRetries(n int) AsyncStep {
	s.maxRetries = n
	return s
}

func (s AsyncStep) WithRetryDelay(d time.Duration) AsyncStep {
	s.retryDelay = d
	return s
}

func (s AsyncStep) WithRetryPolicy(p *retry.Policy) AsyncStep {
	s.retryPolicy = p
	return s
}

func (s AsyncStep) WithTimeout(d time.Duration) AsyncStep {
	s.timeout = d
	return s
}

func (s AsyncStep) Critical() AsyncStep {
	s.critical = true
	return s
}

func (s AsyncStep) Idempotent() AsyncStep {
	s.idempotent = true
	return s
}

func (s AsyncStep) WithMetadata(key string, value any) AsyncStep {
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	} else {
		cp := make(map[string]any, len(s.metadata)+1)
		for k, v := range s.metadata {
			cp[k] = v
		}
		s.metadata = cp
	}
	s.metadata[key] = value
	return s
}

func (s AsyncStep) ID() string               { return s.id }
func (s AsyncStep) Name() string             { return s.name }
func (s AsyncStep) Metadata() map[string]any { return s.metadata }

func (s AsyncStep) policy() *retry.Policy {
	if s.retryPolicy != nil {
		return s.retryPolicy
	}
	return retry.FixedDelay(s.maxRetries, s.retryDelay)
}

// queuedStep is the tagged variant the engine's pending queue and
// executed-step list hold, so the runner dispatches with one switch
// rather than type-asserting an any-typed queue entry.
type queuedStep struct {
	kind  stepKind
	sync  Step
	async AsyncStep
}

func (q queuedStep) id() string {
	if q.kind == kindSync {
		return q.sync.id
	}
	return q.async.id
}

func (q queuedStep) name() string {
	if q.kind == kindSync {
		return q.sync.name
	}
	return q.async.name
}

func (q queuedStep) isCritical() bool {
	if q.kind == kindSync {
		return q.sync.critical
	}
	return q.async.critical
}

func (q queuedStep) isIdempotent() bool {
	if q.kind == kindSync {
		return q.sync.idempotent
	}
	return q.async.idempotent
}

func (q queuedStep) hasCompensation() bool {
	if q.kind == kindSync {
		return q.sync.compensation != nil
	}
	return q.async.compensation != nil
}
