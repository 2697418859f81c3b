// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "context"

// Store implements persistent storage of jobs, partitioned by priority.
type Store interface {
	// Start is called when the manager starts up.
	// This is a good time for cleanup. E.g. a persistent store might
	// move jobs left InFlight by a crashed worker of a previous run back
	// into the Pending state so they become dequeuable again.
	Start(ctx context.Context) error

	// Enqueue adds a job to the partition for its priority. Enqueueing a
	// job whose ID already exists must be a no-op success, not an error;
	// the scheduler relies on this for idempotent ticks. Enqueue must be
	// atomic per partition under concurrent producers.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue picks the next job to execute and marks it InFlight.
	//
	// Partitions are scanned in strict priority order, Critical first.
	// Within the first partition holding an eligible job (Pending with
	// Scheduled in the past), the oldest entry wins. The pop must be
	// atomic: no two callers may ever receive the same job.
	//
	// If no eligible job exists in any partition, Dequeue returns
	// ErrNotFound. Callers must poll with a sleep, never busy-spin.
	Dequeue(ctx context.Context) (*Job, error)

	// Ack marks the job identified by id as Completed. Completed jobs
	// are no longer visible to Dequeue; stores may retain the record
	// for Lookup.
	Ack(ctx context.Context, id string) error

	// Requeue puts a failed job back into its original priority
	// partition for a retry. The caller has already advanced Retry and
	// Scheduled; the store resets the state to Pending and persists the
	// job. Priority is never changed by a retry.
	Requeue(ctx context.Context, job *Job) error

	// DeadLetter moves the job to the dead-letter partition with the
	// given reason. This transition is terminal: the job never becomes
	// Pending again through the worker path.
	DeadLetter(ctx context.Context, job *Job, reason string) error

	// RequeueDeadLetter moves a dead-lettered job back into its priority
	// partition with a fresh retry budget. This is an explicit operator
	// action for replaying inspected jobs, not an automatic transition.
	RequeueDeadLetter(ctx context.Context, id string) error

	// Lookup returns the details of a job by its identifier, searching
	// both active and dead-letter storage.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id string) (*Job, error)

	// DeadLetters returns dead-lettered jobs for operator inspection.
	DeadLetters(ctx context.Context, request *ListRequest) (*ListResponse, error)

	// Stats returns statistics about the store, e.g. the queue depth
	// per priority and the number of dead-lettered jobs.
	Stats(ctx context.Context) (*Stats, error)
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Type   string // filter by job type
	Limit  int    // maximum number of jobs to return
	Offset int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of listing jobs in the Store.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}
