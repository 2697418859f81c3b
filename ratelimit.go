// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRateLimit  = 100
	defaultRateWindow = 60 * time.Second
)

// RateLimiter admits at most max calls per key in any trailing window.
// Windows are created lazily on first use per key and keep the
// timestamps of admitted calls; stale timestamps are pruned on each
// check rather than by a background goroutine.
//
// Like the circuit breaker, a RateLimiter is owned by the manager and
// shared by all workers, with one lock per key.
type RateLimiter struct {
	max    int
	window time.Duration
	nowFn  func() time.Time // overridable in tests

	mu   sync.Mutex // guards keys
	keys map[string]*rateWindow

	admitted int64 // atomic
	rejected int64 // atomic
}

// rateWindow holds the admission timestamps for one key.
type rateWindow struct {
	mu     sync.Mutex
	stamps []time.Time
}

// NewRateLimiter creates a sliding-window rate limiter. Non-positive
// arguments select the defaults (100 calls per 60s).
func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	if max <= 0 {
		max = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		max:    max,
		window: window,
		nowFn:  time.Now,
		keys:   make(map[string]*rateWindow),
	}
}

func (rl *RateLimiter) windowFor(key string) *rateWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	w, found := rl.keys[key]
	if !found {
		w = &rateWindow{}
		rl.keys[key] = w
	}
	return w
}

// Check admits or rejects a call for the given key. On admission the
// call is recorded and nil is returned; otherwise ErrRateLimited.
func (rl *RateLimiter) Check(key string) error {
	w := rl.windowFor(key)
	now := rl.nowFn()
	cutoff := now.Add(-rl.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop timestamps that slid out of the window.
	keep := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	w.stamps = keep

	if len(w.stamps) >= rl.max {
		atomic.AddInt64(&rl.rejected, 1)
		return ErrRateLimited
	}
	w.stamps = append(w.stamps, now)
	atomic.AddInt64(&rl.admitted, 1)
	return nil
}

// Admitted returns the number of admitted calls since startup.
func (rl *RateLimiter) Admitted() int64 {
	return atomic.LoadInt64(&rl.admitted)
}

// Rejected returns the number of rejected calls since startup.
func (rl *RateLimiter) Rejected() int64 {
	return atomic.LoadInt64(&rl.rejected)
}
