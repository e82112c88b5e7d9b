package retry

import "time"

// Policy bounds the retry loop for one operation.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt, so
	// the operation runs at most MaxRetries+1 times.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// BackoffMultiplier is applied to the delay on each retry.
	BackoffMultiplier float64

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// AttemptTimeout is the soft per-attempt deadline. Zero disables it.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the standard worker policy: waits of 1s, 2s, 4s
// with further attempts clamped at 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          4 * time.Second,
		AttemptTimeout:    5 * time.Minute,
	}
}

// Delay returns the wait after attempt n (0-indexed):
// min(InitialDelay × BackoffMultiplier^n, MaxDelay). The sequence is
// monotonically non-decreasing for any multiplier >= 1.
func (p Policy) Delay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= p.BackoffMultiplier
	}
	d := time.Duration(float64(p.InitialDelay) * multiplier)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
