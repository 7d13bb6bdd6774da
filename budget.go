package dnsprox

import (
	"time"

	"github.com/miekg/dns"
)

const (
	// DefaultLifetime is the total time a UDP query may take unless the caller
	// provides its own.
	DefaultLifetime = 5 * time.Second

	// DefaultAttemptTimeout caps every individual network attempt.
	DefaultAttemptTimeout = 2 * time.Second

	// How far the clock may go backwards before the budget is considered broken.
	maxClockRegression = time.Second
)

// timeBudget tracks how much time a query has left.
type timeBudget struct {
	now            func() time.Time
	attemptTimeout time.Duration
}

// remaining returns the timeout for the next network attempt of a query started at
// start that may take lifetime in total.
func (b timeBudget) remaining(q *dns.Msg, start time.Time, lifetime time.Duration) (time.Duration, error) {
	elapsed := b.now().Sub(start)
	if elapsed < 0 {
		if elapsed < -maxClockRegression {
			return 0, QueryTimeoutError{query: q, elapsed: elapsed}
		}
		// A small step back, e.g. after a clock adjustment. Pretend it didn't happen.
		elapsed = 0
	}
	if elapsed >= lifetime {
		return 0, QueryTimeoutError{query: q, elapsed: elapsed}
	}
	if left := lifetime - elapsed; left < b.attemptTimeout {
		return left, nil
	}
	return b.attemptTimeout, nil
}
