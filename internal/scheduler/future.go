// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/engine"
)

// Future is a handle for the result of a submitted request.
//
// It is fulfilled exactly once, either with a result or with *accesserrors.Error.
type Future struct {
	s    *Scheduler
	id   uuid.UUID
	done chan struct{}

	// set before done is closed
	res *engine.Result
	err error
}

// newFuture creates a new unfulfilled future.
func newFuture(s *Scheduler, id uuid.UUID) *Future {
	return &Future{
		s:    s,
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the task id.
func (f *Future) ID() uuid.UUID {
	return f.id
}

// Done returns a channel that is closed when the future is fulfilled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait waits for the future to be fulfilled and returns the result.
//
// If ctx is done first, Cancelled error is returned, but the task itself is not cancelled;
// use [Future.Cancel] for that.
func (f *Future) Wait(ctx context.Context) (*engine.Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(ctx))
	}
}

// Cancel cancels the task.
//
// A task that has not started yet is fulfilled with Cancelled error promptly
// without consuming a connection.
// A running engine call is not interrupted;
// the future is fulfilled with Cancelled error after it returns, and its connection is torn down.
// Cancel returns false if the task was already fulfilled.
func (f *Future) Cancel() bool {
	select {
	case <-f.done:
		return false
	default:
	}

	return f.s.c.Cancel(f.id)
}

// fulfill sets the result and closes the done channel.
func (f *Future) fulfill(res *engine.Result, err error) {
	f.res = res
	f.err = err
	close(f.done)
}
