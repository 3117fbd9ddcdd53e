package archive

import "time"

// RetryPolicy decides how timed-out fetches are retried. Backoff[i] is the delay before
// attempt i+1, so the number of attempts is len(Backoff)
type RetryPolicy struct {
	Backoff []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: []time.Duration{0, 2 * time.Second, 4 * time.Second}}
}

// MaxAttempts is never less than one
func (p RetryPolicy) MaxAttempts() int {
	if len(p.Backoff) == 0 {
		return 1
	}
	return len(p.Backoff)
}

// Delay returns the wait before the given 1-based attempt
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || len(p.Backoff) == 0 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// ShouldRetry reports whether a timeout on attempt may be followed by another attempt
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts()
}
