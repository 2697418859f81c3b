// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// recurringNamespace is the UUID namespace for deterministic recurring
// job identifiers.
var recurringNamespace = uuid.MustParse("b9055b5a-8d59-4f4d-9ca2-5b5d7e2f4a31")

// RecurringJob describes a job that is enqueued periodically.
type RecurringJob struct {
	Type     string        // job type, must have a registered handler by the time it runs
	Payload  []byte        // payload handed to every enqueued instance
	Priority Priority      // priority of every enqueued instance
	MaxRetry int           // retry budget of every enqueued instance
	Every    time.Duration // enqueue interval
}

// ScheduleRecurring tells the manager to enqueue a job of the given
// definition once per interval. The scheduler derives a deterministic
// job identifier from the type and the interval bucket, so restarting
// the manager within the same bucket cannot enqueue the job twice.
//
// ScheduleRecurring must be called before Start.
func (m *Manager) ScheduleRecurring(def RecurringJob) error {
	if def.Type == "" {
		return errors.New("taskqueue: no job type specified")
	}
	if !def.Priority.Valid() {
		return ErrInvalidPriority
	}
	if def.Every <= 0 {
		return errors.New("taskqueue: recurring interval must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("taskqueue: manager already started")
	}
	m.recurring = append(m.recurring, def)
	return nil
}

// runRecurring periodically enqueues the recurring job until the stop
// channel is closed.
func (m *Manager) runRecurring(def RecurringJob, stopc <-chan struct{}) {
	defer m.wg.Done()

	t := time.NewTicker(def.Every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := m.enqueueRecurring(def, m.nowFn()); err != nil {
				m.logger.Printf("taskqueue: error enqueueing recurring job %q: %v", def.Type, err)
			}
			m.testSchedulerTicked() // testing hook
		case <-stopc:
			return
		}
	}
}

// enqueueRecurring enqueues one instance of the recurring job for the
// interval bucket that now falls into. Enqueueing a duplicate ID is a
// no-op in the store, so repeated ticks within one bucket are harmless.
func (m *Manager) enqueueRecurring(def RecurringJob, now time.Time) error {
	job := &Job{
		ID:       recurringJobID(def.Type, now.Truncate(def.Every)),
		Type:     def.Type,
		Payload:  def.Payload,
		Priority: def.Priority,
		MaxRetry: def.MaxRetry,
	}
	return m.Enqueue(context.Background(), job)
}

// recurringJobID derives the deterministic identifier of a recurring
// job instance from the job type and the interval bucket.
func recurringJobID(jobType string, bucket time.Time) string {
	name := fmt.Sprintf("%s:%s", jobType, strconv.FormatInt(bucket.UnixNano(), 10))
	return uuid.NewSHA1(recurringNamespace, []byte(name)).String()
}
