package history

import (
	"fmt"
	"time"
)

// Bounds for the max history setting.
const (
	MinMaxHistory = 1
	MaxMaxHistory = 100
)

// Config holds Manager configuration.
type Config struct {
	// MaxHistory caps the records kept per scope, within [1,100].
	// Default: 30.
	MaxHistory int

	// OpTimeout bounds every embedder and store call made by one operation.
	// Zero disables the bound (the caller's context still applies).
	// Default: 10s.
	OpTimeout time.Duration

	// ContextLimit is the number of exchanges GetHistoryContext summarizes
	// when the caller passes a non-positive limit.
	// Default: 5.
	ContextLimit int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	MaxHistory:   30,
	OpTimeout:    10 * time.Second,
	ContextLimit: 5,
}

func validateMaxHistory(n int) error {
	if n < MinMaxHistory || n > MaxMaxHistory {
		return fmt.Errorf("%w: max_history must be between %d and %d, got %d",
			ErrConfig, MinMaxHistory, MaxMaxHistory, n)
	}
	return nil
}
