// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "time"

const (
	// Pending jobs are waiting to be picked up by a worker.
	Pending string = "pending"
	// InFlight is the state of jobs currently owned by a worker.
	InFlight string = "inflight"
	// Completed jobs finished without errors.
	Completed string = "completed"
	// DeadLetter is the terminal state for jobs that exhausted their
	// retry budget or cannot be processed at all.
	DeadLetter string = "deadletter"
)

// Job is a unit of deferred work.
type Job struct {
	ID        string   `json:"id"`        // unique identifier, generated on Enqueue if empty
	Type      string   `json:"type"`      // type to find the registered handler
	State     string   `json:"state"`     // current state
	Payload   []byte   `json:"payload"`   // opaque data handed to the handler, never inspected
	Priority  Priority `json:"priority"`  // dequeue precedence
	Retry     int      `json:"retry"`     // current number of retries
	MaxRetry  int      `json:"maxretry"`  // maximum number of retries
	Created   int64    `json:"created"`   // time when Enqueue was called (in UnixNano)
	Scheduled int64    `json:"scheduled"` // time before which the job is invisible to Dequeue (in UnixNano)
	Started   int64    `json:"started"`   // time when the job was last picked up (in UnixNano)
	Completed int64    `json:"completed"` // time when the job reached Completed or DeadLetter (in UnixNano)
	LastError string   `json:"lasterror"` // message of the most recent failure
}

// Eligible reports whether the job may be handed to a worker at now.
// A job is eligible when it is Pending and its Scheduled time has passed.
func (j *Job) Eligible(now time.Time) bool {
	return j.State == Pending && j.Scheduled <= now.UnixNano()
}
