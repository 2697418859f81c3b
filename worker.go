package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// worker is a single instance pulling and processing jobs.
type worker struct {
	m     *Manager
	stopc <-chan struct{}
}

// newWorker creates a new worker. It spins up a new goroutine that
// polls the store for eligible jobs until the stop channel is closed.
func newWorker(m *Manager, stopc <-chan struct{}) *worker {
	w := &worker{m: m, stopc: stopc}
	go w.run()
	return w
}

// run is the main goroutine in the worker. It polls the store for the
// next eligible job, sleeping for the poll interval when the queue is
// idle and backing off when the store itself is unreachable.
func (w *worker) run() {
	defer w.m.wg.Done()

	// Backoff for store connectivity problems. Store errors pause
	// polling with increasing delays; any successful call resets it.
	// No job is lost while the store is down: nothing leaves the store
	// except on explicit Ack or DeadLetter.
	storeBackoff := backoff.NewExponentialBackOff()
	storeBackoff.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-w.stopc:
			return
		default:
		}

		job, err := w.m.st.Dequeue(context.Background())
		if errors.Is(err, ErrNotFound) {
			storeBackoff.Reset()
			if !w.sleep(w.m.pollInterval) {
				return
			}
			continue
		}
		if err != nil {
			w.m.logger.Printf("taskqueue: error dequeueing next job: %v", err)
			if !w.sleep(storeBackoff.NextBackOff()) {
				return
			}
			continue
		}
		storeBackoff.Reset()
		w.process(job)
	}
}

// sleep waits for d or until the worker is stopped. It reports whether
// the worker should keep running.
func (w *worker) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.stopc:
		return false
	case <-t.C:
		return true
	}
}

// process runs a single job and applies the outcome:
// success acks the job, a transient failure with budget left requeues
// it with backoff, everything else dead-letters it.
func (w *worker) process(job *Job) {
	ctx := context.Background()

	h, found := w.m.handler(job.Type)
	if !found {
		// A missing handler is a configuration error, not a transient
		// failure. Retrying cannot fix it.
		w.m.logger.Printf("taskqueue: job %v has no handler for type %q", job.ID, job.Type)
		if err := w.m.st.DeadLetter(ctx, job, "no handler"); err != nil {
			w.m.logger.Printf("taskqueue: error dead-lettering job %v: %v", job.ID, err)
			return
		}
		w.m.testJobDeadLettered() // testing hook
		return
	}

	w.m.testJobStarted() // testing hook

	err := w.execute(h, job)
	if err == nil {
		if err := w.m.st.Ack(ctx, job.ID); err != nil {
			w.m.logger.Printf("taskqueue: error acking job %v: %v", job.ID, err)
			return
		}
		w.m.testJobSucceeded() // testing hook
		return
	}

	w.m.logger.Printf("taskqueue: job %v failed with: %v", job.ID, err)
	job.LastError = err.Error()

	if IsPermanent(err) || job.Retry >= job.MaxRetry {
		if err := w.m.st.DeadLetter(ctx, job, job.LastError); err != nil {
			w.m.logger.Printf("taskqueue: error dead-lettering job %v: %v", job.ID, err)
			return
		}
		w.m.testJobDeadLettered() // testing hook
		return
	}

	// Transient failure with retries left: requeue into the same
	// priority partition, invisible until the backoff delay passed.
	job.Retry++
	delay := w.m.backoff(job.Retry)
	job.Scheduled = w.m.nowFn().Add(delay).UnixNano()
	if err := w.m.st.Requeue(ctx, job); err != nil {
		w.m.logger.Printf("taskqueue: error requeueing job %v: %v", job.ID, err)
		return
	}
	w.m.testJobRetry() // testing hook
}

// execute invokes the handler under the configured job timeout. The
// timeout is enforced here even for handlers that ignore their context,
// so a stuck handler cannot wedge the worker forever.
func (w *worker) execute(h Handler, job *Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), w.m.jobTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h(ctx, job.Payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
