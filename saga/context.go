package saga

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Reserved context keys. The orchestrator reads and writes these; user
// code may read them freely but should treat them as opaque.
const (
	KeyWorkflowID       = "workflow_id"
	KeyExecutionID      = "execution_id"
	KeyWorkflowName     = "workflow_name"
	KeyLastResult       = "last_result"
	KeyFinalResult      = "final_result"
	KeyStepResultPrefix = "step_result_"
	KeyCurrentItem      = "current_item"
	KeyItemIndex        = "item_index"
	KeyErrorContext     = "error_context"
	KeyStartTime        = "start_time"
	KeyMetricsData      = "metrics_data"
)

// TraceEntry is a single timestamped message in a Context's execution
// trace.
type TraceEntry struct {
	Time    time.Time
	Message string
}

// Context is the concurrency-safe, versioned key-value store shared by
// every step in a single workflow execution. It is created with the
// engine, mutated by every step, and never shared across engine
// instances: combinators that build sub-workflows hand the sub-engine a
// snapshot copy, not the live Context.
type Context struct {
	id        string
	createdAt time.Time
	logger    Logger

	mu   sync.RWMutex
	data map[string]any

	traceMu sync.Mutex
	trace   []TraceEntry

	version atomic.Int64

	resultsMu     sync.RWMutex
	stepResults   map[string]any
	stepErrors    map[string]error
	executedSteps map[string]struct{}
}

// NewContext creates a Context seeded with the given initial data (may
// be nil). The reserved workflow_id and start_time keys are populated
// automatically.
func NewContext(initial map[string]any, logger Logger) *Context {
	if logger == nil {
		logger = noopLogger{}
	}
	c := &Context{
		id:            uuid.NewString(),
		createdAt:     time.Now(),
		logger:        logger,
		data:          make(map[string]any, len(initial)+2),
		stepResults:   make(map[string]any),
		stepErrors:    make(map[string]error),
		executedSteps: make(map[string]struct{}),
	}
	for k, v := range initial {
		c.data[k] = v
	}
	c.data[KeyWorkflowID] = c.id
	c.data[KeyStartTime] = c.createdAt
	return c
}

// ID returns the unique context identifier, also stored under the
// reserved workflow_id key.
func (c *Context) ID() string { return c.id }

// CreatedAt returns the context's immutable creation timestamp.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Version returns the current version counter. It strictly increases on
// every Put/Remove/Clear call.
func (c *Context) Version() int64 { return c.version.Load() }

// Put stores a value under key, incrementing the version counter. A
// nil/empty key is silently ignored with a warning.
func (c *Context) Put(key string, value any) {
	if key == "" {
		c.logger.Info("saga: attempted to put value with empty key, ignoring")
		return
	}
	c.mu.Lock()
	c.data[key] = value
	c.mu.Unlock()
	c.version.Add(1)
}

// Remove deletes a key from the context, incrementing the version
// counter. A nil/empty key is silently ignored.
func (c *Context) Remove(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
	c.version.Add(1)
}

// Clear empties the context's data, trace, and step bookkeeping,
// incrementing the version counter once.
func (c *Context) Clear() {
	c.mu.Lock()
	c.data = make(map[string]any)
	c.mu.Unlock()

	c.traceMu.Lock()
	c.trace = nil
	c.traceMu.Unlock()

	c.resultsMu.Lock()
	c.stepResults = make(map[string]any)
	c.stepErrors = make(map[string]error)
	c.executedSteps = make(map[string]struct{})
	c.resultsMu.Unlock()

	c.version.Add(1)
}

// Get retrieves a value by key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// GetWithDefault retrieves a value by key, returning def if absent.
func (c *Context) GetWithDefault(key string, def any) any {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Contains reports whether key is present in the context.
func (c *Context) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[key]
	return ok
}

// Keys returns a snapshot of the context's current key set.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of the context's data, decoupled from further
// mutation of the live context.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Trace appends a timestamped message to the execution trace.
func (c *Context) Trace(message string) {
	c.traceMu.Lock()
	c.trace = append(c.trace, TraceEntry{Time: time.Now(), Message: message})
	c.traceMu.Unlock()
}

// GetTrace returns a copy of the execution trace.
func (c *Context) GetTrace() []TraceEntry {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	out := make([]TraceEntry, len(c.trace))
	copy(out, c.trace)
	return out
}

// recordStepResult stores the result of a completed step and marks the
// step as executed. Does not affect the version counter: results are
// derived bookkeeping, not user-visible context data.
func (c *Context) recordStepResult(stepID string, result any) {
	if stepID == "" {
		return
	}
	c.resultsMu.Lock()
	c.stepResults[stepID] = result
	c.executedSteps[stepID] = struct{}{}
	c.resultsMu.Unlock()
}

// recordStepError stores the error of a failed step.
func (c *Context) recordStepError(stepID string, err error) {
	if stepID == "" {
		return
	}
	c.resultsMu.Lock()
	c.stepErrors[stepID] = err
	c.resultsMu.Unlock()
}

// StepResult returns the last recorded result for a step ID.
func (c *Context) StepResult(stepID string) (any, bool) {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	v, ok := c.stepResults[stepID]
	return v, ok
}

// StepError returns the last recorded error for a step ID.
func (c *Context) StepError(stepID string) (error, bool) {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	v, ok := c.stepErrors[stepID]
	return v, ok
}

// IsStepExecuted reports whether stepID has a recorded result.
func (c *Context) IsStepExecuted(stepID string) bool {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	_, ok := c.executedSteps[stepID]
	return ok
}

// ExecutedStepIDs returns a snapshot of every step ID that has recorded
// a result. executedStepIds always contains at least the keys of
// stepResults.
func (c *Context) ExecutedStepIDs() []string {
	c.resultsMu.RLock()
	defer c.resultsMu.RUnlock()
	out := make([]string, 0, len(c.executedSteps))
	for id := range c.executedSteps {
		out = append(out, id)
	}
	return out
}

// clone creates a fresh Context seeded with a snapshot of this
// context's data. Used by combinators to hand sub-engines an isolated
// copy rather than the live parent context.
func (c *Context) clone(logger Logger) *Context {
	return NewContext(c.Snapshot(), logger)
}
