// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"sync"
	"time"
)

const (
	// BreakerClosed is the initial state: calls pass through.
	BreakerClosed = "closed"
	// BreakerOpen rejects calls without invoking the dependency.
	BreakerOpen = "open"
	// BreakerHalfOpen lets trial calls probe for recovery.
	BreakerHalfOpen = "halfopen"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 3
	defaultBreakerTimeout   = 30 * time.Second
)

// CircuitBreaker isolates failing downstream dependencies. It keeps one
// three-state machine per dependency key, created lazily on first use.
// After failureThreshold consecutive failures the circuit for a key
// opens and calls are rejected with ErrServiceUnavailable until the
// timeout elapses; then trial calls are let through, and
// successThreshold successful trials close the circuit again.
//
// A CircuitBreaker is owned by the manager and shared by all workers;
// it is safe for concurrent use. Each key has its own lock so that
// unrelated dependencies never serialize each other.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	nowFn            func() time.Time // overridable in tests

	mu   sync.Mutex // guards keys
	keys map[string]*breaker
}

// breaker is the state machine for a single dependency key.
// It is mutated only by transition functions below, never by callers.
type breaker struct {
	mu          sync.Mutex
	state       string
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given thresholds
// and open-state timeout. Non-positive arguments select the defaults
// (5 failures, 3 successes, 30s).
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	if successThreshold <= 0 {
		successThreshold = defaultSuccessThreshold
	}
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		nowFn:            time.Now,
		keys:             make(map[string]*breaker),
	}
}

func (cb *CircuitBreaker) breakerFor(key string) *breaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	b, found := cb.keys[key]
	if !found {
		b = &breaker{state: BreakerClosed}
		cb.keys[key] = b
	}
	return b
}

// Do invokes fn under the circuit for the given dependency key.
// While the circuit is open, Do returns ErrServiceUnavailable without
// invoking fn. Otherwise the outcome of fn drives the state machine
// and its error is returned unchanged.
func (cb *CircuitBreaker) Do(key string, fn func() error) error {
	b := cb.breakerFor(key)

	b.mu.Lock()
	if b.state == BreakerOpen {
		if cb.nowFn().Sub(b.lastFailure) <= cb.timeout {
			b.mu.Unlock()
			return ErrServiceUnavailable
		}
		// Timeout elapsed: let this call through as a trial.
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	b.mu.Unlock()

	// fn must run without holding the lock; it may block on I/O.
	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(cb)
		return err
	}
	b.onSuccess(cb)
	return nil
}

// State returns the current state of the circuit for key. Keys that
// have never been used report BreakerClosed.
func (cb *CircuitBreaker) State(key string) string {
	cb.mu.Lock()
	b, found := cb.keys[key]
	cb.mu.Unlock()
	if !found {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// States returns the current state per dependency key.
func (cb *CircuitBreaker) States() map[string]string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	states := make(map[string]string, len(cb.keys))
	for key, b := range cb.keys {
		b.mu.Lock()
		states[key] = b.state
		b.mu.Unlock()
	}
	return states
}

// onSuccess applies a successful call. Caller holds b.mu.
func (b *breaker) onSuccess(cb *CircuitBreaker) {
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= cb.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// onFailure applies a failed call. Caller holds b.mu.
func (b *breaker) onFailure(cb *CircuitBreaker) {
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= cb.failureThreshold {
			b.state = BreakerOpen
			b.lastFailure = cb.nowFn()
		}
	case BreakerHalfOpen:
		// A single failure while probing reopens the circuit.
		b.state = BreakerOpen
		b.successes = 0
		b.lastFailure = cb.nowFn()
	}
}
