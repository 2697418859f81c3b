// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 3, 30*time.Second)

	boom := errors.New("boom")
	var calls int
	failing := func() error {
		calls++
		return boom
	}

	for i := 0; i < 5; i++ {
		if err := cb.Do("dep", failing); err != boom {
			t.Fatalf("call %d: want %v, have %v", i+1, boom, err)
		}
	}
	if have, want := cb.State("dep"), BreakerOpen; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}

	// The 6th call must be rejected without invoking the function.
	err := cb.Do("dep", failing)
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("want ErrServiceUnavailable, have %v", err)
	}
	if have, want := calls, 5; have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(5, 3, 30*time.Second)

	boom := errors.New("boom")
	for i := 0; i < 4; i++ {
		cb.Do("dep", func() error { return boom })
	}
	// A success while Closed resets the failure count, so four more
	// failures still do not open the circuit.
	if err := cb.Do("dep", func() error { return nil }); err != nil {
		t.Fatalf("Do returned %v", err)
	}
	for i := 0; i < 4; i++ {
		cb.Do("dep", func() error { return boom })
	}
	if have, want := cb.State("dep"), BreakerClosed; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(5, 3, 30*time.Second)
	cb.nowFn = func() time.Time { return now }

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		cb.Do("dep", func() error { return boom })
	}
	if have, want := cb.State("dep"), BreakerOpen; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}

	// After the timeout elapsed the next call passes through as a
	// trial, regardless of the prior failure count.
	now = now.Add(31 * time.Second)
	var calls int
	if err := cb.Do("dep", func() error { calls++; return nil }); err != nil {
		t.Fatalf("trial call returned %v", err)
	}
	if have, want := calls, 1; have != want {
		t.Fatalf("calls = %d, want %d", have, want)
	}
	if have, want := cb.State("dep"), BreakerHalfOpen; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}

	// Two more successful trials close the circuit (threshold 3).
	cb.Do("dep", func() error { return nil })
	cb.Do("dep", func() error { return nil })
	if have, want := cb.State("dep"), BreakerClosed; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}
}

func TestCircuitBreakerReopensOnHalfOpenFailure(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(5, 3, 30*time.Second)
	cb.nowFn = func() time.Time { return now }

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		cb.Do("dep", func() error { return boom })
	}

	now = now.Add(31 * time.Second)
	if err := cb.Do("dep", func() error { return boom }); err != boom {
		t.Fatalf("trial call returned %v, want %v", err, boom)
	}
	if have, want := cb.State("dep"), BreakerOpen; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}

	// The reopened circuit rejects again until another timeout passes.
	err := cb.Do("dep", func() error { return nil })
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("want ErrServiceUnavailable, have %v", err)
	}
}

func TestCircuitBreakerKeysAreIndependent(t *testing.T) {
	cb := NewCircuitBreaker(5, 3, 30*time.Second)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		cb.Do("failing", func() error { return boom })
	}
	if have, want := cb.State("failing"), BreakerOpen; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}
	if err := cb.Do("healthy", func() error { return nil }); err != nil {
		t.Fatalf("healthy dependency rejected: %v", err)
	}
	if have, want := cb.State("healthy"), BreakerClosed; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}
}
