// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

// Stats returns statistics about the job queue.
type Stats struct {
	Pending     map[string]int `json:"pending"`     // queue depth, keyed by priority name
	InFlight    int            `json:"inflight"`    // number of jobs currently being executed
	Completed   int            `json:"completed"`   // number of successfully completed jobs
	DeadLetters int            `json:"deadletters"` // number of dead-lettered jobs
}

// QueueStats combines store statistics with the state of the protective
// wrappers owned by the manager. It is the read-only observability
// surface; there is no control surface beyond configuration at startup.
type QueueStats struct {
	Stats

	Breakers       map[string]string `json:"breakers"`     // circuit breaker state per dependency key
	RateRejected   int64             `json:"raterejected"` // rate limiter rejections since startup
	RateAdmissions int64             `json:"rateadmitted"` // rate limiter admissions since startup
}
