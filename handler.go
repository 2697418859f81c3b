// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "context"

// Handler is responsible to process a job of a certain type. The payload
// is passed through untouched. Return nil on success, Permanent(err) for
// failures that must not be retried, and any other error for transient
// failures that will be retried with backoff.
//
// The context carries the per-job execution deadline; handlers doing
// network or disk I/O should respect ctx.Done().
type Handler func(ctx context.Context, payload []byte) error
