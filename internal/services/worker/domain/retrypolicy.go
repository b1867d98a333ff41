// Package domain holds the sync worker's push scheduling rules.
package domain

import "time"

// RetryPolicy bounds how often a failed run push is retried.
type RetryPolicy struct {
	// MaxAttempts is the total push budget per run before it is declared
	// dead.
	MaxAttempts int
	// Backoff is the delay after the first failure; it doubles per
	// attempt up to MaxDelay.
	Backoff  time.Duration
	MaxDelay time.Duration
}

// Delay returns how long to wait after the given number of failed
// attempts before the next push.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	delay := p.Backoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether the attempt budget is used up.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Eligible reports whether a run that last failed at lastAttempt with the
// given attempt count may be pushed again at now.
func (p RetryPolicy) Eligible(now, lastAttempt time.Time, attempts int) bool {
	if p.Exhausted(attempts) {
		return false
	}
	return !now.Before(lastAttempt.Add(p.Delay(attempts)))
}
