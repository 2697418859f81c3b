// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	defaultJobTimeout   = 1 * time.Minute
)

func nop() {}

// Manager owns the job queue core: it accepts jobs, dispatches them to
// registered handlers through a pool of workers, and runs the recurring
// job schedulers. Create a new manager via New.
type Manager struct {
	logger       Logger
	st           Store // persistent storage
	backoff      BackoffFunc
	breaker      *CircuitBreaker
	limiter      *RateLimiter
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	nowFn        func() time.Time // overridable in tests

	mu        sync.Mutex // guards the following block
	handlers  map[string]Handler
	recurring []RecurringJob
	started   bool
	workers   []*worker
	stopc     chan struct{} // closed to stop workers and schedulers
	donec     chan struct{} // closed when all workers and schedulers ended
	wg        sync.WaitGroup

	testManagerStarted  func() // testing hook
	testManagerStopped  func() // testing hook
	testJobAdded        func() // testing hook
	testJobStarted      func() // testing hook
	testJobRetry        func() // testing hook
	testJobDeadLettered func() // testing hook
	testJobSucceeded    func() // testing hook
	testSchedulerTicked func() // testing hook
}

// New creates a new manager. Pass options to New to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:              stdLogger{},
		st:                  NewInMemoryStore(),
		backoff:             ExponentialBackoff(defaultBaseDelay, defaultMaxDelay),
		breaker:             NewCircuitBreaker(defaultFailureThreshold, defaultSuccessThreshold, defaultBreakerTimeout),
		limiter:             NewRateLimiter(defaultRateLimit, defaultRateWindow),
		concurrency:         runtime.NumCPU(),
		pollInterval:        defaultPollInterval,
		jobTimeout:          defaultJobTimeout,
		nowFn:               time.Now,
		handlers:            make(map[string]Handler),
		testManagerStarted:  nop,
		testManagerStopped:  nop,
		testJobAdded:        nop,
		testJobStarted:      nop,
		testJobRetry:        nop,
		testJobDeadLettered: nop,
		testJobSucceeded:    nop,
		testSchedulerTicked: nop,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetBackoffFunc specifies the backoff function that returns the time
// span between retries of failed jobs. Exponential backoff with the
// default base and cap is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = ExponentialBackoff(defaultBaseDelay, defaultMaxDelay)
		}
	}
}

// SetBackoff configures the default exponential backoff with the given
// base delay and cap.
func SetBackoff(base, max time.Duration) ManagerOption {
	return func(m *Manager) {
		m.backoff = ExponentialBackoff(base, max)
	}
}

// SetConcurrency sets the number of workers that pull jobs at the same
// time. Concurrency must be greater or equal to 1 and is the number of
// CPUs by default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetPollInterval sets how long an idle worker sleeps before asking the
// store for work again. The default is 100ms.
func SetPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// SetJobTimeout sets the maximum duration a single handler invocation
// may take. A handler exceeding it counts as a transient failure.
func SetJobTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.jobTimeout = d
		}
	}
}

// SetCircuitBreaker configures the thresholds of the circuit breaker
// shared by all workers.
func SetCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.breaker = NewCircuitBreaker(failureThreshold, successThreshold, timeout)
	}
}

// SetRateLimit configures the sliding-window rate limiter shared by all
// workers.
func SetRateLimit(max int, window time.Duration) ManagerOption {
	return func(m *Manager) {
		m.limiter = NewRateLimiter(max, window)
	}
}

// Register registers a job type and the associated handler for jobs
// with that type.
func (m *Manager) Register(jobType string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.handlers[jobType]; found {
		return fmt.Errorf("taskqueue: job type %s already registered", jobType)
	}
	m.handlers[jobType] = h
	return nil
}

func (m *Manager) handler(jobType string) (Handler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, found := m.handlers[jobType]
	return h, found
}

// Breaker returns the circuit breaker shared by all workers. Handlers
// calling out to external dependencies should wrap those calls via
// Breaker().Do with the dependency name as key.
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// RateLimiter returns the rate limiter shared by all workers. Handlers
// should consult it before a circuit-breaker-wrapped call when the
// dependency enforces request quotas.
func (m *Manager) RateLimiter() *RateLimiter {
	return m.limiter
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("taskqueue: manager already started")
	}

	// Initialize Store
	err := m.st.Start(context.Background())
	if err != nil {
		return err
	}

	m.stopc = make(chan struct{})
	m.workers = make([]*worker, m.concurrency)
	for i := 0; i < m.concurrency; i++ {
		m.wg.Add(1)
		m.workers[i] = newWorker(m, m.stopc)
	}
	for _, def := range m.recurring {
		m.wg.Add(1)
		go m.runRecurring(def, m.stopc)
	}
	m.donec = make(chan struct{})
	go func(donec chan struct{}) {
		m.wg.Wait()
		close(donec)
	}(m.donec)

	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. Workers stop asking for new work
// and jobs already picked up may finish or hit their handler timeout.
// If the timeout is negative, the manager waits forever for all working
// jobs to end; otherwise it gives up after the specified timeout.
//
// A timed-out close leaves the manager started: its workers are still
// draining, so Start keeps failing until a later Close completes.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	if m.stopc != nil {
		close(m.stopc)
		m.stopc = nil
	}
	donec := m.donec
	m.mu.Unlock()

	// Wait for all workers to complete?
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		<-donec
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		m.testManagerStopped() // testing hook
		return nil
	}

	// Wait with timeout
	select {
	case <-donec: // Completed in time
	case <-time.After(timeout):
		// Workers are still draining; the manager stays started so no
		// second worker set can be spawned next to them.
		return errors.New("taskqueue: close timed out")
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.testManagerStopped() // testing hook
	return nil
}

// -- Enqueue --

// Enqueue gives the manager a new job to execute. If Enqueue returns
// nil, the caller can be sure the job is stored in the backing store.
// It will be picked up by a worker at a later time.
//
// If job.ID is empty, a unique identifier is assigned. Enqueueing a job
// with an identifier the store already knows is a no-op success; this
// makes re-enqueueing after e.g. a crashed producer idempotent.
func (m *Manager) Enqueue(ctx context.Context, job *Job) error {
	if job.Type == "" {
		return errors.New("taskqueue: no job type specified")
	}
	if !job.Priority.Valid() {
		return ErrInvalidPriority
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.nowFn().UnixNano()
	job.State = Pending
	job.Retry = 0
	job.Created = now
	if job.Scheduled == 0 {
		job.Scheduled = now
	}
	err := m.st.Enqueue(ctx, job)
	if err != nil {
		return err
	}
	m.testJobAdded() // testing hook
	return nil
}

// -- Stats, Lookup and dead letters --

// Stats returns current statistics about the job queue, the circuit
// breakers and the rate limiter.
func (m *Manager) Stats(ctx context.Context) (*QueueStats, error) {
	stats, err := m.st.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Stats:          *stats,
		Breakers:       m.breaker.States(),
		RateRejected:   m.limiter.Rejected(),
		RateAdmissions: m.limiter.Admitted(),
	}, nil
}

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	return m.st.Lookup(ctx, id)
}

// DeadLetters returns dead-lettered jobs matching the request.
func (m *Manager) DeadLetters(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	return m.st.DeadLetters(ctx, request)
}

// RequeueDeadLetter replays a dead-lettered job: it is moved back into
// its priority partition with a fresh retry budget. Intended for
// operators after the underlying defect has been fixed.
func (m *Manager) RequeueDeadLetter(ctx context.Context, id string) error {
	return m.st.RequeueDeadLetter(ctx, id)
}
