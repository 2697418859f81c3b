// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type stringLogger struct {
	Lines []string
}

func (l *stringLogger) Printf(format string, v ...interface{}) {
	l.Lines = append(l.Lines, fmt.Sprintf(format, v...))
}

func TestManagerDefaults(t *testing.T) {
	m := New()
	if m.st == nil {
		t.Fatal("Store is nil")
	}
	if m.breaker == nil {
		t.Fatal("CircuitBreaker is nil")
	}
	if m.limiter == nil {
		t.Fatal("RateLimiter is nil")
	}
	if m.concurrency < 1 {
		t.Fatalf("concurrency = %d, want >= 1", m.concurrency)
	}
	if have, want := m.pollInterval, defaultPollInterval; have != want {
		t.Fatalf("pollInterval = %v, want %v", have, want)
	}
	if have, want := m.started, false; have != want {
		t.Fatalf("started = %t, want %t", have, want)
	}
	if have, want := 0, len(m.workers); have != want {
		t.Fatalf("len(workers) = %d, want %d", have, want)
	}
}

func TestManagerRegisterDuplicateType(t *testing.T) {
	m := New()
	f := func(ctx context.Context, payload []byte) error { return nil }
	err := m.Register("welcome-email", f)
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	err = m.Register("welcome-email", f)
	if err == nil {
		t.Fatalf("expected Register to fail")
	}
}

func TestManagerStartStop(t *testing.T) {
	m := New()
	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	m.testManagerStarted = func() { started <- struct{}{} }
	m.testManagerStopped = func() { stopped <- struct{}{} }

	err := m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	select {
	case <-started:
	case <-time.After(1 * time.Second):
		t.Fatal("Start timed out")
	}

	err = m.Stop()
	if err != nil {
		t.Fatalf("Stop failed with %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop timed out")
	}
}

// TestManagerCloseTimeoutForbidsRestart covers a close that gives up
// while a handler is still running: the manager must refuse to start
// again until the drain has completed via a later Close.
func TestManagerCloseTimeoutForbidsRestart(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	m := New(
		SetConcurrency(1),
		SetPollInterval(5*time.Millisecond),
	)
	m.testJobStarted = func() { started <- struct{}{} }

	f := func(ctx context.Context, payload []byte) error {
		<-release
		return nil
	}
	if err := m.Register("block", f); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	job := &Job{Type: "block", Priority: Normal}
	if err := m.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("Job start timed out")
	}

	if err := m.CloseWithTimeout(10 * time.Millisecond); err == nil {
		t.Fatal("expected CloseWithTimeout to time out")
	}
	if err := m.Start(); err == nil {
		t.Fatal("expected Start to fail while workers are draining")
	}

	close(release)
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start after drained close failed with %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed with %v", err)
	}
}

func TestManagerEnqueueValidation(t *testing.T) {
	m := New()
	err := m.Enqueue(context.Background(), &Job{Priority: Normal})
	if err == nil {
		t.Fatal("expected Enqueue without type to fail")
	}
	err = m.Enqueue(context.Background(), &Job{Type: "t", Priority: Priority(42)})
	if !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("want ErrInvalidPriority, have %v", err)
	}
}

// TestJobSuccess is the green case where a job is enqueued and
// processed without problems.
func TestJobSuccess(t *testing.T) {
	started := make(chan struct{}, 1)
	succeeded := make(chan struct{}, 1)
	jobDone := make(chan struct{}, 1)

	m := New(SetPollInterval(10 * time.Millisecond))
	m.testJobStarted = func() { started <- struct{}{} }
	m.testJobSucceeded = func() { succeeded <- struct{}{} }

	f := func(ctx context.Context, payload []byte) error {
		if have, want := string(payload), "Hello"; have != want {
			return fmt.Errorf("expected payload %q, have %q", want, have)
		}
		jobDone <- struct{}{}
		return nil
	}
	err := m.Register("greeting", f)
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	err = m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()

	job := &Job{Type: "greeting", Priority: Normal, Payload: []byte("Hello")}
	err = m.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	if job.ID == "" {
		t.Fatalf("Job ID = %q", job.ID)
	}
	timeout := 2 * time.Second
	select {
	case <-started:
	case <-time.After(timeout):
		t.Fatal("Job Start timed out")
	}
	select {
	case <-jobDone:
	case <-time.After(timeout):
		t.Fatal("Handler func timed out")
	}
	select {
	case <-succeeded:
	case <-time.After(timeout):
		t.Fatal("Job Completion timed out")
	}
}

// TestJobNoHandler enqueues a job type nobody registered. That is a
// configuration error, so the job must be dead-lettered right away.
func TestJobNoHandler(t *testing.T) {
	deadLettered := make(chan struct{}, 1)

	l := &stringLogger{}
	m := New(SetLogger(l), SetPollInterval(10*time.Millisecond))
	m.testJobDeadLettered = func() { deadLettered <- struct{}{} }

	err := m.Register("known", func(ctx context.Context, payload []byte) error { return nil })
	if err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	err = m.Start()
	if err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()

	job := &Job{Type: "unknown", Priority: Normal, MaxRetry: 5}
	err = m.Enqueue(context.Background(), job)
	if err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case <-deadLettered:
	case <-time.After(2 * time.Second):
		t.Fatal("Dead-letter timed out")
	}

	found, err := m.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := found.State, DeadLetter; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}
	if have, want := found.LastError, "no handler"; have != want {
		t.Fatalf("last error = %q, want %q", have, want)
	}
}

// TestJobRetryThenDeadLetter runs a handler that always fails
// transiently. With MaxRetry = 3 the job is attempted 4 times in total
// and then dead-lettered.
func TestJobRetryThenDeadLetter(t *testing.T) {
	retry := make(chan struct{}, 3)
	deadLettered := make(chan struct{}, 1)

	l := &stringLogger{}
	m := New(
		SetLogger(l),
		SetConcurrency(1),
		SetPollInterval(5*time.Millisecond),
		SetBackoff(5*time.Millisecond, 50*time.Millisecond),
	)
	m.testJobRetry = func() { retry <- struct{}{} }
	m.testJobDeadLettered = func() { deadLettered <- struct{}{} }

	var calls int
	f := func(ctx context.Context, payload []byte) error {
		calls++
		return errors.New("flaky dependency")
	}
	if err := m.Register("flaky", f); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()

	job := &Job{Type: "flaky", Priority: Normal, MaxRetry: 3}
	if err := m.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	timeout := 5 * time.Second
	for i := 0; i < 3; i++ {
		select {
		case <-retry:
		case <-time.After(timeout):
			t.Fatalf("retry %d timed out", i+1)
		}
	}
	select {
	case <-deadLettered:
	case <-time.After(timeout):
		t.Fatal("Dead-letter timed out")
	}

	if have, want := calls, 4; have != want {
		t.Fatalf("handler calls = %d, want %d", have, want)
	}
	found, err := m.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := found.Retry, 3; have != want {
		t.Fatalf("retry = %d, want %d", have, want)
	}
	if found.Retry > found.MaxRetry {
		t.Fatalf("retry = %d exceeds maxretry = %d", found.Retry, found.MaxRetry)
	}
	if have, want := found.State, DeadLetter; have != want {
		t.Fatalf("state = %q, want %q", have, want)
	}
}

// TestJobPermanentError must not be retried, regardless of the retry
// budget.
func TestJobPermanentError(t *testing.T) {
	deadLettered := make(chan struct{}, 1)

	l := &stringLogger{}
	m := New(SetLogger(l), SetPollInterval(10*time.Millisecond))
	m.testJobDeadLettered = func() { deadLettered <- struct{}{} }

	var calls int
	f := func(ctx context.Context, payload []byte) error {
		calls++
		return Permanent(errors.New("malformed payload"))
	}
	if err := m.Register("broken", f); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()

	job := &Job{Type: "broken", Priority: Normal, MaxRetry: 5}
	if err := m.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case <-deadLettered:
	case <-time.After(2 * time.Second):
		t.Fatal("Dead-letter timed out")
	}
	if have, want := calls, 1; have != want {
		t.Fatalf("handler calls = %d, want %d", have, want)
	}
}

// TestJobTimeout runs a handler that ignores its context and sleeps
// past the job timeout. The worker must classify that as a transient
// failure.
func TestJobTimeout(t *testing.T) {
	deadLettered := make(chan struct{}, 1)

	l := &stringLogger{}
	m := New(
		SetLogger(l),
		SetPollInterval(10*time.Millisecond),
		SetJobTimeout(25*time.Millisecond),
	)
	m.testJobDeadLettered = func() { deadLettered <- struct{}{} }

	f := func(ctx context.Context, payload []byte) error {
		time.Sleep(2 * time.Second)
		return nil
	}
	if err := m.Register("stuck", f); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()

	job := &Job{Type: "stuck", Priority: Normal}
	if err := m.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	select {
	case <-deadLettered:
	case <-time.After(2 * time.Second):
		t.Fatal("Dead-letter timed out")
	}

	found, err := m.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if !strings.Contains(found.LastError, "deadline exceeded") {
		t.Fatalf("last error = %q, want deadline exceeded", found.LastError)
	}
}

// TestJobSuccessAfterRetry schedules a job that fails on the 1st call
// but succeeds on the 2nd.
func TestJobSuccessAfterRetry(t *testing.T) {
	retry := make(chan struct{}, 1)
	succeeded := make(chan struct{}, 1)

	l := &stringLogger{}
	m := New(
		SetLogger(l),
		SetPollInterval(5*time.Millisecond),
		SetBackoff(5*time.Millisecond, 50*time.Millisecond),
	)
	m.testJobRetry = func() { retry <- struct{}{} }
	m.testJobSucceeded = func() { succeeded <- struct{}{} }

	var call int
	f := func(ctx context.Context, payload []byte) error {
		call++
		// only fail on first call
		if call == 1 {
			return errors.New("failed job on 1st call")
		}
		return nil
	}
	if err := m.Register("flaky", f); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}
	defer m.Stop()

	job := &Job{Type: "flaky", Priority: Normal, MaxRetry: 1}
	if err := m.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	timeout := 2 * time.Second
	select {
	case <-retry:
	case <-time.After(timeout):
		t.Fatal("Job retry timed out")
	}
	select {
	case <-succeeded:
	case <-time.After(timeout):
		t.Fatal("Job success timed out")
	}
	if have, want := len(l.Lines), 1; have != want {
		t.Fatal("expected lines written to Logger")
	}
}

// flakyStore fails Dequeue a fixed number of times before delegating to
// the embedded in-memory store. It simulates a store that is briefly
// unreachable when the worker polls.
type flakyStore struct {
	*InMemoryStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Dequeue(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.InMemoryStore.Dequeue(ctx)
}

func (s *flakyStore) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// TestJobSuccessAfterStoreOutage is the case where the store is down
// while a worker polls: the worker logs the error, backs off and
// resumes once the store answers again. The job is processed, not lost.
func TestJobSuccessAfterStoreOutage(t *testing.T) {
	succeeded := make(chan struct{}, 1)

	l := &stringLogger{}
	st := &flakyStore{InMemoryStore: NewInMemoryStore(), failures: 2}
	m := New(
		SetLogger(l),
		SetStore(st),
		SetConcurrency(1),
		SetPollInterval(5*time.Millisecond),
	)
	m.testJobSucceeded = func() { succeeded <- struct{}{} }

	f := func(ctx context.Context, payload []byte) error { return nil }
	if err := m.Register("crawl", f); err != nil {
		t.Fatalf("Register failed with %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed with %v", err)
	}

	job := &Job{Type: "crawl", Priority: Normal, MaxRetry: 1}
	if err := m.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	// The worker backs off between the failing polls, so allow for a
	// few of the default backoff intervals before giving up.
	select {
	case <-succeeded:
	case <-time.After(10 * time.Second):
		t.Fatal("Job success timed out")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed with %v", err)
	}

	if have, want := st.remaining(), 0; have != want {
		t.Fatalf("expected %d remaining store failures; got: %d", want, have)
	}
	var logged bool
	for _, line := range l.Lines {
		if strings.Contains(line, "error dequeueing next job") {
			logged = true
		}
	}
	if !logged {
		t.Fatal("expected store errors to be logged")
	}

	found, err := m.Lookup(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Lookup failed with %v", err)
	}
	if have, want := found.State, Completed; have != want {
		t.Fatalf("expected state %q; got: %q", want, have)
	}
}

func TestManagerStats(t *testing.T) {
	m := New()

	// Trip the breaker for one key and collect a rate rejection so the
	// stats carry both.
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		m.Breaker().Do("billing", func() error { return boom })
	}
	small := NewRateLimiter(1, time.Minute)
	m.limiter = small
	m.RateLimiter().Check("billing")
	m.RateLimiter().Check("billing")

	if err := m.Enqueue(context.Background(), &Job{Type: "t", Priority: Critical}); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	stats, err := m.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if have, want := stats.Pending["critical"], 1; have != want {
		t.Fatalf("pending critical = %d, want %d", have, want)
	}
	if have, want := stats.Breakers["billing"], BreakerOpen; have != want {
		t.Fatalf("breaker state = %q, want %q", have, want)
	}
	if have, want := stats.RateRejected, int64(1); have != want {
		t.Fatalf("rate rejected = %d, want %d", have, want)
	}
}
