package saga

import "time"

// Default tuning values, mirroring the orchestrator's original constants.
// Callers override these per-step (WithMaxRetries, WithTimeout, ...)
// or per-engine (WithCompensationTimeout, WithMaxCompensationRetries);
// DefaultCompensationRetryDelay has no override option.
const (
	DefaultMaxRetries              = 3
	DefaultRetryDelay              = 1 * time.Second
	DefaultStepTimeout             = 5 * time.Minute
	DefaultCompensationTimeout     = 60 * time.Second
	DefaultMaxCompensationRetries  = 1
	DefaultCompensationRetryDelay  = DefaultRetryDelay
)
