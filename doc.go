// Package taskqueue runs prioritized background jobs with retries,
// protected by a circuit breaker and a rate limiter.
//
// Applications using taskqueue first create a Manager. One manager
// handles one or more job types. There is one handler per job type.
// Applications need to register job types and their handlers before
// starting the manager.
//
// Once started, the manager spins up a fixed number of workers. Each
// worker independently polls the Store for the next eligible job,
// sleeping for the poll interval while the queue is idle.
//
// The manager has a Store to implement persistent storage. By default,
// an in memory store is used. There are persistent stores in the
// "mysql", "mongodb" and "redis" packages.
//
// New jobs are added to the manager via the Enqueue method. Every job
// carries one of four priorities: Critical, High, Normal, or Low.
// Workers always pick the oldest eligible job from the highest
// non-empty priority; within one priority, jobs run in FIFO order.
//
// A job is always in one of four states: Pending (waiting to be
// executed), InFlight (currently owned by a worker), Completed
// (finished successfully), and DeadLetter (failed permanently or
// exhausted its retries; kept for operator inspection).
//
// A job can be configured to be retried. To do so, specify the
// MaxRetry field in Job. Transient handler failures put the job back
// into the Pending state with an exponentially growing delay before it
// becomes visible again (see backoff.go); one can specify a custom
// backoff function by the manager option SetBackoffFunc. Failures
// wrapped with Permanent, and transient failures once the number of
// retries would exceed MaxRetry, move the job into the dead-letter
// partition instead.
//
// Handlers that call out to external dependencies can protect them
// with the manager's shared circuit breaker and rate limiter:
//
//	err := m.RateLimiter().Check("billing-api")
//	if err != nil {
//		return err // treated as transient backpressure
//	}
//	return m.Breaker().Do("billing-api", func() error {
//		return callBillingAPI(ctx, payload)
//	})
//
// If the manager crashes and gets restarted, the Store gets started via
// the Start method. This gives the store implementation a chance to do
// cleanup. E.g. the persistent store implementations move jobs still
// marked as InFlight back into the Pending state so that they run
// again. Notice that job execution is therefore at-least-once;
// handlers must be idempotent.
package taskqueue
