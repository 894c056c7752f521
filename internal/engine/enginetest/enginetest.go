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

// Package enginetest provides an in-memory fake engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/util/fsql"
)

func init() {
	if !testing.Testing() {
		panic("enginetest package must be used only by tests")
	}
}

// ErrBroken is returned by the fake connection after a broken error was injected.
var ErrBroken = errors.New("enginetest: connection is broken")

// ExecHook is called by the fake connection for every executed statement,
// before the configured delay.
// Non-nil error is returned to the caller as is; use [engine.NewError] to set the kind.
type ExecHook func(ctx context.Context, query string) error

// Engine is a fake engine that records executed statements
// and tracks the number of concurrently running ones.
//
//nolint:vet // for readability
type Engine struct {
	// Delay is added to each Execute call. It does not depend on the context,
	// like a real synchronous engine call.
	Delay time.Duration

	mu       sync.Mutex
	hook     ExecHook
	openErr  error
	executed []string

	opened     atomic.Int64
	closed     atomic.Int64
	running    atomic.Int64
	maxRunning atomic.Int64
}

// New creates a new fake engine with the given delay.
func New(delay time.Duration) *Engine {
	return &Engine{
		Delay: delay,
	}
}

// SetExecHook sets hook for all connections, replacing the previous one.
func (e *Engine) SetExecHook(hook ExecHook) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hook = hook
}

// SetOpenError makes all subsequent Open calls fail with the given error (nil clears it).
func (e *Engine) SetOpenError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.openErr = err
}

// Open implements [engine.Engine].
func (e *Engine) Open(ctx context.Context) (engine.Conn, error) {
	e.mu.Lock()
	err := e.openErr
	e.mu.Unlock()

	if err != nil {
		return nil, engine.NewError(engine.KindBroken, err)
	}

	e.opened.Add(1)

	return &conn{e: e}, nil
}

// Executed returns all statements executed so far, in execution order.
func (e *Engine) Executed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := make([]string, len(e.executed))
	copy(res, e.executed)

	return res
}

// Opened returns the total number of opened connections.
func (e *Engine) Opened() int {
	return int(e.opened.Load())
}

// Closed returns the total number of closed connections.
func (e *Engine) Closed() int {
	return int(e.closed.Load())
}

// Running returns the number of currently running statements.
func (e *Engine) Running() int {
	return int(e.running.Load())
}

// MaxRunning returns the maximal observed number of concurrently running statements.
func (e *Engine) MaxRunning() int {
	return int(e.maxRunning.Load())
}

// conn implements [engine.Conn].
type conn struct {
	e      *Engine
	broken atomic.Bool
	closed atomic.Bool
}

// Execute implements [engine.Conn].
func (c *conn) Execute(ctx context.Context, query string, args ...any) (*engine.Result, error) {
	if c.closed.Load() {
		panic("enginetest: Execute on closed connection")
	}

	if c.broken.Load() {
		return nil, engine.NewError(engine.KindBroken, ErrBroken)
	}

	e := c.e

	n := e.running.Add(1)
	defer e.running.Add(-1)

	for {
		m := e.maxRunning.Load()
		if n <= m || e.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	e.mu.Lock()
	hook := e.hook
	e.executed = append(e.executed, query)
	e.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, query); err != nil {
			if engine.KindOf(err) == engine.KindBroken {
				c.broken.Store(true)
			}

			return nil, err
		}
	}

	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}

	if fsql.ReturnsRows(query) {
		return &engine.Result{
			Columns: []string{"query"},
			Rows:    [][]any{{query}},
		}, nil
	}

	return &engine.Result{RowsAffected: 1}, nil
}

// Ping implements [engine.Conn].
func (c *conn) Ping(ctx context.Context) error {
	if c.broken.Load() {
		return engine.NewError(engine.KindBroken, ErrBroken)
	}

	return nil
}

// Close implements [engine.Conn].
func (c *conn) Close() error {
	if c.closed.Swap(true) {
		panic("enginetest: connection closed twice")
	}

	c.e.closed.Add(1)

	return nil
}

// check interfaces
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Conn   = (*conn)(nil)
)
