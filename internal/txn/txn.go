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

// Package txn provides transactions over pooled connections with single-writer discipline.
//
// Every transaction is a write transaction started with BEGIN IMMEDIATE,
// and at most one of them is active at any time across the whole pool.
// A transaction owns its connection until it is committed or rolled back;
// then the connection is returned to the pool immediately.
package txn

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/pool"
	"github.com/FerretDB/litepool/internal/util/observability"
	"github.com/FerretDB/litepool/internal/util/resource"
)

// State represents a transaction state.
type State int

// Transaction states.
const (
	StateActive State = iota
	StateCommitted
	StateRolledBack
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Manager begins transactions on connections of a single pool.
type Manager struct {
	p *pool.Pool
	l *zap.Logger
}

// NewManager creates a new transaction manager for the given pool.
func NewManager(p *pool.Pool, l *zap.Logger) *Manager {
	if l == nil {
		l = zap.L()
	}

	return &Manager{
		p: p,
		l: l,
	}
}

// Begin acquires a connection for the task with the given id and begins a transaction on it.
//
// If another transaction is active, TransactionConflict is returned without waiting for a connection.
// Ctx bounds waiting for a connection. On any failure, the connection is returned to the pool.
func (m *Manager) Begin(ctx context.Context, owner string) (*Transaction, error) {
	defer observability.FuncCall(ctx)()

	if err := m.p.CheckWriter(); err != nil {
		return nil, err
	}

	c, err := m.p.Acquire(ctx, owner)
	if err != nil {
		return nil, err
	}

	tx, err := m.BeginOn(ctx, c)
	if err != nil {
		m.p.Release(c, true)
		return nil, err
	}

	return tx, nil
}

// BeginOn begins a transaction on the given checked out connection.
//
// It returns TransactionConflict if another transaction is active,
// and InvalidTransactionState if the connection already carries an active transaction.
// In both cases, the connection stays checked out by the caller.
// On success, the transaction takes ownership of the connection.
func (m *Manager) BeginOn(ctx context.Context, c *pool.Conn) (*Transaction, error) {
	if err := m.p.ClaimWriter(c); err != nil {
		return nil, err
	}

	if _, err := c.Execute(context.WithoutCancel(ctx), "BEGIN IMMEDIATE"); err != nil {
		m.p.ReleaseWriter(c)

		// another process holds the database file lock
		return nil, accesserrors.FromEngine(err)
	}

	tx := &Transaction{
		m:     m,
		c:     c,
		l:     m.l.With(zap.Int("conn", c.ID()), zap.String("owner", c.Owner())),
		token: resource.NewToken(),
	}

	resource.Track(tx, tx.token)

	tx.l.Debug("Transaction started.")

	return tx, nil
}

// Transaction is a write transaction bound to a single connection.
//
// Operations are serialized; it is safe to call methods concurrently.
//
//nolint:vet // for readability
type Transaction struct {
	m *Manager
	l *zap.Logger

	mu    sync.Mutex
	c     *pool.Conn
	state State

	token *resource.Token
}

// State returns the current transaction state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.state
}

// Exec runs one statement inside the transaction.
//
// The statement itself is never interrupted by ctx cancellation.
// If ctx is done before the statement starts, Cancelled is returned and the transaction stays active.
// If ctx is done while the statement runs, the transaction is rolled back,
// the connection is evicted, and Cancelled is returned.
// Any engine error rolls the transaction back before it is returned.
func (tx *Transaction) Exec(ctx context.Context, query string, args ...any) (*engine.Result, error) {
	defer observability.FuncCall(ctx)()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(ctx))
	}

	res, err := tx.c.Execute(context.WithoutCancel(ctx), query, args...)
	if err != nil {
		tx.rollback(ctx, "statement failed")
		return nil, accesserrors.FromEngine(err)
	}

	if ctx.Err() != nil {
		tx.c.MarkBroken()
		tx.rollback(ctx, "cancelled during statement")

		return nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(ctx))
	}

	return res, nil
}

// Commit commits the transaction and returns the connection to the pool.
//
// If COMMIT fails, the transaction is rolled back and the error is returned.
func (tx *Transaction) Commit(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if err := tx.checkActive(); err != nil {
		return err
	}

	if _, err := tx.c.Execute(context.WithoutCancel(ctx), "COMMIT"); err != nil {
		tx.rollback(ctx, "commit failed")
		return accesserrors.FromEngine(err)
	}

	tx.finish(StateCommitted)

	tx.l.Debug("Transaction committed.")

	return nil
}

// Rollback rolls back the transaction and returns the connection to the pool.
//
// Rollback of a rolled back transaction is a no-op.
// If ROLLBACK fails, the connection is evicted, which discards all pending changes.
func (tx *Transaction) Rollback(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == StateRolledBack {
		return nil
	}

	if err := tx.checkActive(); err != nil {
		return err
	}

	tx.rollback(ctx, "requested")

	return nil
}

// checkActive returns InvalidTransactionState error if the transaction is not active.
//
// It should be called with the mutex held.
func (tx *Transaction) checkActive() error {
	if tx.state == StateActive {
		return nil
	}

	return accesserrors.NewError(
		accesserrors.ErrorCodeInvalidTransactionState,
		fmt.Errorf("transaction is %s", tx.state),
	)
}

// rollback rolls back the active transaction and finishes it.
//
// It should be called with the mutex held.
func (tx *Transaction) rollback(ctx context.Context, reason string) {
	if _, err := tx.c.Execute(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		// closing the connection discards the transaction
		tx.c.MarkBroken()
		tx.l.Warn("Rollback failed, evicting connection.", zap.String("reason", reason), zap.Error(err))
	}

	tx.finish(StateRolledBack)

	tx.l.Debug("Transaction rolled back.", zap.String("reason", reason))
}

// finish moves the transaction to the terminal state and returns the connection to the pool.
//
// It should be called with the mutex held.
func (tx *Transaction) finish(state State) {
	tx.state = state

	tx.m.p.ReleaseWriter(tx.c)
	tx.m.p.Release(tx.c, true)
	tx.c = nil

	resource.Untrack(tx, tx.token)
}
