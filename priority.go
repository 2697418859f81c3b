// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "fmt"

// Priority determines dequeue precedence. Jobs from a higher priority
// are always dequeued before jobs from a lower one; within one priority
// jobs are dequeued in FIFO order.
type Priority int

const (
	// Critical jobs preempt everything else.
	Critical Priority = iota
	// High priority jobs.
	High
	// Normal is the default priority.
	Normal
	// Low priority jobs run when nothing else is waiting.
	Low
)

// Priorities lists all levels in dequeue order, most urgent first.
var Priorities = []Priority{Critical, High, Normal, Low}

// Valid reports whether p is one of the four defined levels.
func (p Priority) Valid() bool {
	return p >= Critical && p <= Low
}

// String returns a human-readable name of the priority.
func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}
