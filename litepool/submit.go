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

package litepool

import (
	"context"
	"time"

	"github.com/AlekSi/pointer"

	"github.com/FerretDB/litepool/internal/scheduler"
)

// SubmitOption configures a single submission.
type SubmitOption func(*scheduler.Request)

// WithTransaction runs the statement inside the given transaction,
// after all statements previously submitted to it.
//
// Statements of a transaction are never retried.
func WithTransaction(tx *Tx) SubmitOption {
	return func(r *scheduler.Request) {
		r.Tx = tx.tx
	}
}

// WithDeadline cancels the statement if it is not completed in the given time since submission.
func WithDeadline(d time.Duration) SubmitOption {
	return func(r *scheduler.Request) {
		r.Deadline = d
	}
}

// WithRetryOnConflict sets whether an independent statement is retried on transaction conflict.
// The default is true.
func WithRetryOnConflict(retry bool) SubmitOption {
	return func(r *scheduler.Request) {
		r.RetryOnConflict = pointer.ToBool(retry)
	}
}

// Handle represents a submitted statement.
type Handle struct {
	f *scheduler.Future
}

// ID returns unique statement identifier.
func (h *Handle) ID() string {
	return h.f.ID().String()
}

// Done returns a channel that is closed when the statement is completed.
func (h *Handle) Done() <-chan struct{} {
	return h.f.Done()
}

// Await waits for the statement to complete and returns its result.
//
// If ctx is done first, Await returns Cancelled error, but the statement is not cancelled;
// use [Handle.Cancel] for that.
func (h *Handle) Await(ctx context.Context) (*Result, error) {
	return h.f.Wait(ctx)
}

// Cancel requests cancellation of the statement.
//
// A statement that did not start yet is completed with Cancelled error without using a connection.
// A running statement completes its current engine call first;
// its connection is then closed and the result is Cancelled error.
// It returns false if the statement is already completed.
func (h *Handle) Cancel() bool {
	return h.f.Cancel()
}

// Submit submits a statement for execution and returns immediately.
//
// When ctx is done, the statement is cancelled.
func (db *DB) Submit(ctx context.Context, query string, args []any, opts ...SubmitOption) *Handle {
	req := &scheduler.Request{
		Query: query,
		Args:  args,
	}

	for _, o := range opts {
		o(req)
	}

	return &Handle{f: db.s.Submit(ctx, req)}
}

// Exec submits a statement and waits for its result.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	return db.Submit(ctx, query, args).Await(ctx)
}
