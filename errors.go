// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "errors"

var (
	// ErrNotFound must be returned from Store implementations when a
	// certain job could not be found in the specific data store.
	ErrNotFound = errors.New("taskqueue: job not found")

	// ErrInvalidPriority is returned by Enqueue when the priority of a
	// job is not one of the four defined levels.
	ErrInvalidPriority = errors.New("taskqueue: invalid priority")

	// ErrServiceUnavailable is returned by CircuitBreaker.Do while the
	// circuit for the dependency is open. The wrapped call is not
	// invoked. Callers should back off, not retry immediately.
	ErrServiceUnavailable = errors.New("taskqueue: service unavailable")

	// ErrRateLimited is returned by RateLimiter.Check when the sliding
	// window for the key is exhausted. Callers should defer the call.
	ErrRateLimited = errors.New("taskqueue: rate limit exceeded")
)

// permanentError marks a handler failure as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker dead-letters the job right away
// instead of retrying it. Use it for failures that cannot be fixed by
// running the job again, e.g. a malformed payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked via Permanent.
//
// Everything else, including plain unclassified errors, counts as
// transient: recoverable work must not be dropped silently.
// ErrServiceUnavailable and ErrRateLimited surfaced from inside a
// handler are backpressure, not a defect in the job, and are therefore
// transient as well.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
