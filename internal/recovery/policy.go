package recovery

import (
	"math"
	"time"
)

// RetryPolicy defines how failed compaction attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the number of compaction attempts before falling back.
	MaxAttempts int
	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration
	// BackoffFactor multiplies the delay after each further failure.
	BackoffFactor float64
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   2,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      30 * time.Second,
	}
}

// NextDelay returns the wait before retrying after the given failed attempt (1-based).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// CanRetry reports whether another compaction attempt is allowed.
// A session without retry state has not attempted yet and may always try.
func (p RetryPolicy) CanRetry(state *RetryState) bool {
	if state == nil {
		return true
	}
	return state.Attempt < p.MaxAttempts
}

// FallbackPolicy defines how many times history may be trimmed for a session.
type FallbackPolicy struct {
	// MaxRevertAttempts is the lifetime revert budget of a session.
	MaxRevertAttempts int
	// MinMessagesRequired is the history length needed before trimming.
	MinMessagesRequired int
}

// DefaultFallbackPolicy returns the default fallback policy.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{
		MaxRevertAttempts:   3,
		MinMessagesRequired: 2,
	}
}

// CanFallback reports whether another history trim is allowed.
func (p FallbackPolicy) CanFallback(state *FallbackState) bool {
	if state == nil {
		return p.MaxRevertAttempts > 0
	}
	return state.RevertAttempt < p.MaxRevertAttempts
}
