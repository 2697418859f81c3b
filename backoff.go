// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 5 * time.Second
)

// BackoffFunc returns the timespan to wait before retry number attempt
// of a failed job. Attempt 1 is the first retry after the initial
// failure. It is configurable via the SetBackoffFunc option on the
// manager.
type BackoffFunc func(attempt int) time.Duration

// ExponentialBackoff returns a BackoffFunc that doubles the delay with
// every attempt: min(base * 2^(attempt-1), max). It is deterministic,
// which keeps retry timing testable.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			return 0
		}
		d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
		if d > max || d < 0 {
			return max
		}
		return d
	}
}

// WithJitter wraps fn and adds a uniformly random offset in [0, d) to
// every computed delay d. Jitter spreads out retries of jobs that failed
// at the same instant. It is deliberately not the default: deterministic
// delays are easier to reason about and to test.
func WithJitter(fn BackoffFunc) BackoffFunc {
	return func(attempt int) time.Duration {
		d := fn(attempt)
		if d <= 0 {
			return d
		}
		return d + time.Duration(rand.Int63n(int64(d)))
	}
}
