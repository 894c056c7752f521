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
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/scheduler"
	"github.com/FerretDB/litepool/internal/txn"
	"github.com/FerretDB/litepool/internal/util/lazyerrors"
	"github.com/FerretDB/litepool/internal/util/observability"
)

// Tx represents a write transaction.
//
// It holds one connection and the database-wide write lock until committed or rolled back.
type Tx struct {
	db *DB
	tx *txn.Transaction
	id string
}

// BeginTransaction starts a write transaction.
//
// Deadline bounds waiting for a connection (PoolTimeout error); zero means the configured acquire timeout.
// If another transaction is active, TransactionConflict error is returned immediately.
func (db *DB) BeginTransaction(ctx context.Context, deadline time.Duration) (*Tx, error) {
	defer observability.FuncCall(ctx)()

	db.rw.RLock()
	defer db.rw.RUnlock()

	if db.closed {
		return nil, accesserrors.NewError(accesserrors.ErrorCodePoolClosed, errors.New("pool is closed"))
	}

	if deadline <= 0 {
		deadline = db.config.AcquireTimeout
	}

	beginCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	id := "tx-" + uuid.NewString()

	t, err := db.m.Begin(beginCtx, id)
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		db: db,
		tx: t,
		id: id,
	}

	db.mu.Lock()
	db.txs[tx] = struct{}{}
	db.mu.Unlock()

	return tx, nil
}

// ID returns transaction identifier.
func (tx *Tx) ID() string {
	return tx.id
}

// Exec runs a statement inside the transaction and waits for its result.
//
// A failed statement rolls the transaction back.
func (tx *Tx) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	return tx.db.Submit(ctx, query, args, WithTransaction(tx)).Await(ctx)
}

// Commit commits the transaction after all previously submitted statements.
//
// If commit fails, the transaction is rolled back.
func (tx *Tx) Commit(ctx context.Context) error {
	_, err := tx.db.s.Submit(ctx, &scheduler.Request{Op: scheduler.OpCommit, Tx: tx.tx}).Wait(ctx)
	return tx.finish(err)
}

// Rollback rolls back the transaction after all previously submitted statements.
//
// It does nothing if the transaction is already rolled back.
func (tx *Tx) Rollback(ctx context.Context) error {
	_, err := tx.db.s.Submit(ctx, &scheduler.Request{Op: scheduler.OpRollback, Tx: tx.tx}).Wait(ctx)

	// rollback directly if scheduler is closed
	if accesserrors.ErrorCodeIs(err, accesserrors.ErrorCodePoolClosed) {
		err = tx.tx.Rollback(ctx)
	}

	return tx.finish(err)
}

// finish forgets the transaction if it is no longer active, and returns err.
func (tx *Tx) finish(err error) error {
	if tx.tx.State() != txn.StateActive {
		tx.db.mu.Lock()
		delete(tx.db.txs, tx)
		tx.db.mu.Unlock()
	}

	return err
}

// InTransaction wraps the given function f in a transaction.
//
// If f returns an error or panics, the transaction is rolled back.
// Errors are not wrapped.
func (db *DB) InTransaction(ctx context.Context, f func(*Tx) error) (err error) {
	defer observability.FuncCall(ctx)()

	tx, err := db.BeginTransaction(ctx, 0)
	if err != nil {
		return
	}

	var done bool

	defer func() {
		// checking a separate variable handles panics and runtime.Goexit calls in f
		if done {
			return
		}

		if err == nil {
			err = lazyerrors.New("transaction was not committed")
		}

		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil {
			db.l.Warn("Failed to roll back transaction.", zap.String("tx", tx.id), zap.Error(rerr))
		}
	}()

	if err = f(tx); err != nil {
		return
	}

	if err = tx.Commit(ctx); err != nil {
		// a failed commit rolls back, but a cancelled one may not run at all
		done = tx.tx.State() != txn.StateActive
		return
	}

	done = true

	return
}
