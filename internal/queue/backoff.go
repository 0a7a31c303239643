package queue

import "time"

// Policy is the retry/backoff policy: pure arithmetic over the attempt
// count, so the stores can evaluate the same schedule in SQL.
type Policy struct {
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// MaxAttempts is the total number of claims allowed before the item is
	// terminally failed.
	MaxAttempts int
}

// Delay returns the backoff after failure number k (0-based):
// min(BaseDelay * 2^k, MaxDelay). The first retry waits BaseDelay, the
// second 2*BaseDelay, and so on.
func (p Policy) Delay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	d := p.BaseDelay
	for i := 0; i < k; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
