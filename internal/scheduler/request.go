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
	"time"

	"github.com/FerretDB/litepool/internal/txn"
)

// Op represents the kind of a submitted operation.
type Op int

// Operations.
const (
	// OpExec executes a statement.
	OpExec Op = iota

	// OpCommit commits the transaction.
	OpCommit

	// OpRollback rolls back the transaction.
	OpRollback
)

// Request represents a single operation submitted for execution.
//
// It should not be modified after submission.
type Request struct {
	// Op other than OpExec requires Tx.
	Op Op

	Query string
	Args  []any

	// Tx, if set, makes the request a part of the transaction.
	// Requests of the same transaction are executed in submission order.
	Tx *txn.Transaction

	// Deadline, if positive, cancels the task automatically after that duration since submission.
	Deadline time.Duration

	// RetryOnConflict controls retries of independent requests on TransactionConflict.
	// Nil means true.
	RetryOnConflict *bool
}

// retryOnConflict returns true if the request may be retried on conflict.
func (r *Request) retryOnConflict() bool {
	if r.Tx != nil {
		return false
	}

	return r.RetryOnConflict == nil || *r.RetryOnConflict
}
