// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface. Do not use in production: jobs do
// not survive a process restart.
type InMemoryStore struct {
	mu         sync.Mutex
	partitions map[Priority][]*Job // Pending jobs per priority, FIFO
	dead       []*Job              // dead-lettered jobs, oldest first
	jobs       map[string]*Job     // all known jobs by ID
	nowFn      func() time.Time    // overridable in tests
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		partitions: make(map[Priority][]*Job),
		jobs:       make(map[string]*Job),
		nowFn:      time.Now,
	}
}

// Start the store. In-flight jobs of a previous run cannot exist in an
// in-memory store, so there is nothing to clean up.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Enqueue adds a new job to the partition for its priority.
// A job whose ID is already known is silently skipped.
func (st *InMemoryStore) Enqueue(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; found {
		return nil
	}
	st.jobs[job.ID] = job
	st.partitions[job.Priority] = append(st.partitions[job.Priority], job)
	return nil
}

// Dequeue pops the oldest eligible job from the highest non-empty
// priority partition and marks it InFlight.
func (st *InMemoryStore) Dequeue(ctx context.Context) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.nowFn()
	for _, prio := range Priorities {
		queue := st.partitions[prio]
		for i, job := range queue {
			if !job.Eligible(now) {
				continue
			}
			st.partitions[prio] = append(queue[:i:i], queue[i+1:]...)
			job.State = InFlight
			job.Started = now.UnixNano()
			return job, nil
		}
	}
	return nil, ErrNotFound
}

// Ack marks the job as Completed. The record is kept for Lookup but is
// no longer visible to Dequeue.
func (st *InMemoryStore) Ack(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.State = Completed
	job.Completed = st.nowFn().UnixNano()
	return nil
}

// Requeue puts a failed job back into its priority partition.
func (st *InMemoryStore) Requeue(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job.State = Pending
	st.jobs[job.ID] = job
	st.partitions[job.Priority] = append(st.partitions[job.Priority], job)
	return nil
}

// DeadLetter moves the job to the dead-letter partition.
func (st *InMemoryStore) DeadLetter(ctx context.Context, job *Job, reason string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	job.State = DeadLetter
	job.LastError = reason
	job.Completed = st.nowFn().UnixNano()
	st.dead = append(st.dead, job)
	return nil
}

// RequeueDeadLetter puts a dead-lettered job back into its priority
// partition with a fresh retry budget.
func (st *InMemoryStore) RequeueDeadLetter(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, job := range st.dead {
		if job.ID != id {
			continue
		}
		st.dead = append(st.dead[:i:i], st.dead[i+1:]...)
		job.State = Pending
		job.Retry = 0
		job.Scheduled = st.nowFn().UnixNano()
		job.Completed = 0
		st.partitions[job.Priority] = append(st.partitions[job.Priority], job)
		return nil
	}
	return ErrNotFound
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if job, found := st.jobs[id]; found {
		return job, nil
	}
	for _, job := range st.dead {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, ErrNotFound
}

// DeadLetters lists dead-lettered jobs.
func (st *InMemoryStore) DeadLetters(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rsp := &ListResponse{}
	var matches []*Job
	for _, job := range st.dead {
		if req.Type != "" && job.Type != req.Type {
			continue
		}
		matches = append(matches, job)
	}
	rsp.Total = len(matches)
	if req.Offset > 0 {
		if req.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[req.Offset:]
		}
	}
	if req.Limit > 0 && len(matches) > req.Limit {
		matches = matches[:req.Limit]
	}
	rsp.Jobs = matches
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{
		Pending:     make(map[string]int),
		DeadLetters: len(st.dead),
	}
	for _, prio := range Priorities {
		stats.Pending[prio.String()] = len(st.partitions[prio])
	}
	for _, job := range st.jobs {
		switch job.State {
		case InFlight:
			stats.InFlight++
		case Completed:
			stats.Completed++
		}
	}
	return stats, nil
}
