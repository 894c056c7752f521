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
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/google/uuid"
	prometheustestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/cancel"
	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/engine/enginetest"
	"github.com/FerretDB/litepool/internal/pool"
	"github.com/FerretDB/litepool/internal/txn"
	"github.com/FerretDB/litepool/internal/util/testutil"
	"github.com/FerretDB/litepool/internal/util/testutil/teststress"
)

// setupOpts represents setup options.
type setupOpts struct {
	poolSize       int
	workers        int
	delay          time.Duration
	acquireTimeout time.Duration
	maxRetries     int
}

// testEnv contains scheduler with its dependencies.
type testEnv struct {
	s *Scheduler
	p *pool.Pool
	e *enginetest.Engine
	m *txn.Manager
}

// setup creates a scheduler over the fake engine.
func setup(t testing.TB, opts *setupOpts) *testEnv {
	t.Helper()

	e := enginetest.New(opts.delay)
	l := testutil.Logger(t)

	p, err := pool.New(testutil.Ctx(t), &pool.NewOpts{
		Engine:         e,
		L:              l,
		MaxConnections: opts.poolSize,
	})
	require.NoError(t, err)

	t.Cleanup(p.Close)

	acquireTimeout := opts.acquireTimeout
	if acquireTimeout == 0 {
		acquireTimeout = 5 * time.Second
	}

	s := New(&NewOpts{
		Pool:             p,
		Cancel:           cancel.New(l),
		L:                l,
		Workers:          opts.workers,
		AcquireTimeout:   acquireTimeout,
		MaxRetries:       opts.maxRetries,
		RetryBackoffBase: time.Millisecond,
	})

	t.Cleanup(s.Close)

	return &testEnv{
		s: s,
		p: p,
		e: e,
		m: txn.NewManager(p, l),
	}
}

// blockQuery makes the given query block until the returned function is called.
// The returned channel receives a value when the query starts.
func blockQuery(e *enginetest.Engine, query string) (<-chan struct{}, func()) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})

	e.SetExecHook(func(_ context.Context, q string) error {
		if q == query {
			started <- struct{}{}
			<-release
		}

		return nil
	})

	var once atomic.Bool

	return started, func() {
		if once.CompareAndSwap(false, true) {
			close(release)
		}
	}
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	f := env.s.Submit(ctx, &Request{Query: "SELECT ?", Args: []any{1}})
	assert.NotEqual(t, uuid.Nil, f.ID())

	res, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"SELECT ?"}}, res.Rows)

	select {
	case <-f.Done():
	default:
		t.Fatal("future is not done")
	}

	assert.False(t, f.Cancel())

	res, err = env.s.Submit(ctx, &Request{Query: "DELETE FROM t"}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RowsAffected)
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()

	const latency = 50 * time.Millisecond

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 2, workers: 2, delay: latency})

	start := time.Now()

	futures := make([]*Future, 5)
	for i := range futures {
		futures[i] = env.s.Submit(ctx, &Request{Query: fmt.Sprintf("SELECT %d", i)})
	}

	for _, f := range futures {
		_, err := f.Wait(ctx)
		require.NoError(t, err)
	}

	elapsed := time.Since(start)

	assert.LessOrEqual(t, env.e.MaxRunning(), 2)
	assert.GreaterOrEqual(t, elapsed, 3*latency)
	assert.Less(t, elapsed, 3*latency+time.Second)
	assert.Len(t, env.e.Executed(), 5)
}

func TestStress(t *testing.T) {
	t.Parallel()

	const size = 4

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: size, workers: size, delay: time.Millisecond})

	var ok atomic.Int32

	n := teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		_, err := env.s.Submit(ctx, &Request{Query: "SELECT 1"}).Wait(ctx)
		if assert.NoError(t, err) {
			ok.Add(1)
		}
	})

	assert.Equal(t, int32(n), ok.Load())
	assert.LessOrEqual(t, env.e.MaxRunning(), size)
	assert.Equal(t, 0, env.p.Stats().InUse)
}

func TestTransactionOrder(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 3, workers: 3, delay: time.Millisecond})

	tx, err := env.m.Begin(ctx, "tx")
	require.NoError(t, err)

	const n = 20

	var futures []*Future

	for i := range n {
		futures = append(futures, env.s.Submit(ctx, &Request{
			Query: fmt.Sprintf("INSERT INTO t VALUES (%d)", i),
			Tx:    tx,
		}))

		futures = append(futures, env.s.Submit(ctx, &Request{
			Query: fmt.Sprintf("SELECT %d", i),
		}))
	}

	for _, f := range futures {
		_, err = f.Wait(ctx)
		require.NoError(t, err)
	}

	require.NoError(t, tx.Commit(ctx))

	var expected, actual []string

	for i := range n {
		expected = append(expected, fmt.Sprintf("INSERT INTO t VALUES (%d)", i))
	}

	for _, q := range env.e.Executed() {
		if strings.HasPrefix(q, "INSERT") {
			actual = append(actual, q)
		}
	}

	assert.Equal(t, expected, actual)

	// requests of a finished transaction fail
	_, err = env.s.Submit(ctx, &Request{Query: "INSERT INTO t VALUES (42)", Tx: tx}).Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrInvalidTransactionState)
}

func TestTransactionOps(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 2, workers: 2, delay: time.Millisecond})

	t.Run("Commit", func(t *testing.T) {
		tx, err := env.m.Begin(ctx, "commit")
		require.NoError(t, err)

		insert := env.s.Submit(ctx, &Request{Query: "INSERT INTO t VALUES (1)", Tx: tx})
		commit := env.s.Submit(ctx, &Request{Op: OpCommit, Tx: tx})

		_, err = insert.Wait(ctx)
		require.NoError(t, err)

		res, err := commit.Wait(ctx)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Equal(t, txn.StateCommitted, tx.State())

		executed := env.e.Executed()
		require.GreaterOrEqual(t, len(executed), 2)
		assert.Equal(t, []string{"INSERT INTO t VALUES (1)", "COMMIT"}, executed[len(executed)-2:])
	})

	t.Run("Rollback", func(t *testing.T) {
		tx, err := env.m.Begin(ctx, "rollback")
		require.NoError(t, err)

		_, err = env.s.Submit(ctx, &Request{Op: OpRollback, Tx: tx}).Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, txn.StateRolledBack, tx.State())

		// idempotent
		_, err = env.s.Submit(ctx, &Request{Op: OpRollback, Tx: tx}).Wait(ctx)
		require.NoError(t, err)

		_, err = env.s.Submit(ctx, &Request{Op: OpCommit, Tx: tx}).Wait(ctx)
		require.ErrorIs(t, err, accesserrors.ErrInvalidTransactionState)
	})

	t.Run("NoTransaction", func(t *testing.T) {
		assert.Panics(t, func() {
			env.s.Submit(ctx, &Request{Op: OpCommit})
		})
	})
}

func TestTransactionConflict(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 2, workers: 2})

	env.e.SetExecHook(func(_ context.Context, q string) error {
		if q == "BAD" {
			return engine.NewError(engine.KindBusy, errors.New("database is locked"))
		}

		return nil
	})

	tx, err := env.m.Begin(ctx, "tx")
	require.NoError(t, err)

	f1 := env.s.Submit(ctx, &Request{Query: "INSERT INTO t VALUES (1)", Tx: tx})
	f2 := env.s.Submit(ctx, &Request{Query: "BAD", Tx: tx})
	f3 := env.s.Submit(ctx, &Request{Query: "INSERT INTO t VALUES (3)", Tx: tx})

	_, err = f1.Wait(ctx)
	require.NoError(t, err)

	// not retried inside transaction
	_, err = f2.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrTransactionConflict)

	_, err = f3.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrInvalidTransactionState)

	assert.Equal(t, txn.StateRolledBack, tx.State())
	assert.Equal(t, []string{"BEGIN IMMEDIATE", "INSERT INTO t VALUES (1)", "BAD", "ROLLBACK"}, env.e.Executed())
}

func TestCancelBeforeDispatch(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	started, release := blockQuery(env.e, "BLOCK")
	defer release()

	blocker := env.s.Submit(ctx, &Request{Query: "BLOCK"})
	<-started

	f := env.s.Submit(ctx, &Request{Query: "SELECT 2"})

	queued, running := env.s.Len()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 1, running)

	require.True(t, f.Cancel())

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled task was not fulfilled")
	}

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
	assert.ErrorIs(t, err, cancel.ErrCancelled)

	release()

	_, err = blocker.Wait(ctx)
	require.NoError(t, err)

	// no connection was consumed
	assert.Equal(t, []string{"BLOCK"}, env.e.Executed())
	assert.Equal(t, int64(1), env.p.Stats().Acquired)
}

func TestDeadline(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	started, release := blockQuery(env.e, "BLOCK")
	defer release()

	blocker := env.s.Submit(ctx, &Request{Query: "BLOCK"})
	<-started

	f := env.s.Submit(ctx, &Request{Query: "SELECT 2", Deadline: 20 * time.Millisecond})

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	_, err = blocker.Wait(ctx)
	require.NoError(t, err)
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1, acquireTimeout: 50 * time.Millisecond})

	c, err := env.p.Acquire(ctx, "holder")
	require.NoError(t, err)

	defer env.p.Release(c, true)

	start := time.Now()

	_, err = env.s.Submit(ctx, &Request{Query: "SELECT 1"}).Wait(ctx)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, accesserrors.ErrPoolTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestCancelInFlight(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	started, release := blockQuery(env.e, "UPDATE t SET v = 1")
	defer release()

	f := env.s.Submit(ctx, &Request{Query: "UPDATE t SET v = 1"})
	<-started

	require.True(t, f.Cancel())

	// the engine call is not interrupted
	select {
	case <-f.Done():
		t.Fatal("future fulfilled before the engine call returned")
	case <-time.After(20 * time.Millisecond):
	}

	release()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)

	// the connection was torn down
	assert.Equal(t, 1, env.e.Closed())
	assert.Equal(t, 1, env.p.Stats().Vacant)

	// the next task opens a new connection
	_, err = env.s.Submit(ctx, &Request{Query: "SELECT 1"}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.e.Opened())
}

func TestRetry(t *testing.T) {
	t.Parallel()

	busy := engine.NewError(engine.KindBusy, errors.New("database is locked"))

	for name, tc := range map[string]struct {
		failures   int
		retry      *bool
		maxRetries int
		executed   int
		code       accesserrors.ErrorCode
	}{
		"Success": {
			failures:   2,
			maxRetries: 5,
			executed:   3,
		},
		"Exhausted": {
			failures:   10,
			maxRetries: 2,
			executed:   3,
			code:       accesserrors.ErrorCodeTransactionConflict,
		},
		"Disabled": {
			failures:   1,
			retry:      pointer.ToBool(false),
			maxRetries: 5,
			executed:   1,
			code:       accesserrors.ErrorCodeTransactionConflict,
		},
		"Enabled": {
			failures:   1,
			retry:      pointer.ToBool(true),
			maxRetries: 5,
			executed:   2,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			ctx := testutil.Ctx(t)
			env := setup(t, &setupOpts{poolSize: 1, workers: 1, maxRetries: tc.maxRetries})

			var calls atomic.Int32

			env.e.SetExecHook(func(context.Context, string) error {
				if int(calls.Add(1)) <= tc.failures {
					return busy
				}

				return nil
			})

			_, err := env.s.Submit(ctx, &Request{Query: "INSERT INTO t VALUES (1)", RetryOnConflict: tc.retry}).Wait(ctx)
			assert.Equal(t, tc.code, accesserrors.Code(err))
			assert.Len(t, env.e.Executed(), tc.executed)

			// connections stay in the pool
			assert.Equal(t, 1, env.e.Opened())
		})
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1, maxRetries: 5})

	env.e.SetExecHook(func(_ context.Context, q string) error {
		switch q {
		case "BAD":
			return engine.NewError(engine.KindQuery, errors.New("syntax error"))
		case "BROKEN":
			return engine.NewError(engine.KindBroken, errors.New("database disk image is malformed"))
		default:
			return nil
		}
	})

	_, err := env.s.Submit(ctx, &Request{Query: "BAD"}).Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrQueryError)
	assert.ErrorContains(t, err, "syntax error")

	_, err = env.s.Submit(ctx, &Request{Query: "BROKEN"}).Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrConnectionBroken)

	// not retried
	assert.Equal(t, []string{"BAD", "BROKEN"}, env.e.Executed())

	// the broken connection was evicted and is never reused
	assert.Equal(t, 1, env.e.Closed())

	_, err = env.s.Submit(ctx, &Request{Query: "SELECT 1"}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.e.Opened())

	env.e.SetOpenError(errors.New("unable to open database file"))

	_, err = env.s.Submit(ctx, &Request{Query: "BROKEN"}).Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrConnectionBroken)

	_, err = env.s.Submit(ctx, &Request{Query: "SELECT 1"}).Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrPoolExhausted)
}

func TestClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	started, release := blockQuery(env.e, "BLOCK")
	defer release()

	blocker := env.s.Submit(ctx, &Request{Query: "BLOCK"})
	<-started

	queued := []*Future{
		env.s.Submit(ctx, &Request{Query: "SELECT 1"}),
		env.s.Submit(ctx, &Request{Query: "SELECT 2"}),
	}

	closed := make(chan struct{})

	go func() {
		env.s.Close()
		close(closed)
	}()

	for _, f := range queued {
		_, err := f.Wait(ctx)
		require.ErrorIs(t, err, accesserrors.ErrCancelled)
		assert.ErrorIs(t, err, cancel.ErrClosed)
	}

	// waits for running tasks
	select {
	case <-closed:
		t.Fatal("Close returned before running task finished")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	<-closed

	_, err := blocker.Wait(ctx)
	require.NoError(t, err)

	_, err = env.s.Submit(ctx, &Request{Query: "SELECT 3"}).Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrPoolClosed)

	env.s.Close()
}

func TestCloseWaitingForConnection(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1, acquireTimeout: time.Minute})

	c, err := env.p.Acquire(ctx, "holder")
	require.NoError(t, err)

	f := env.s.Submit(ctx, &Request{Query: "SELECT 1"})

	require.Eventually(t, func() bool {
		return env.p.Stats().Waiters == 1
	}, 5*time.Second, time.Millisecond)

	closed := make(chan struct{})

	go func() {
		env.s.Close()
		close(closed)
	}()

	// Close does not wait for the acquire timeout
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close waited for the acquire timeout")
	}

	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
	assert.ErrorIs(t, err, cancel.ErrClosed)

	env.p.Release(c, true)
	assert.Equal(t, 1, env.p.Stats().Idle)
}

func TestWaitContext(t *testing.T) {
	t.Parallel()

	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	started, release := blockQuery(env.e, "BLOCK")
	defer release()

	f := env.s.Submit(testutil.Ctx(t), &Request{Query: "BLOCK"})
	<-started

	ctx, ctxCancel := context.WithTimeout(testutil.Ctx(t), 10*time.Millisecond)
	defer ctxCancel()

	_, err := f.Wait(ctx)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)

	release()

	// the task itself was not cancelled
	_, err = f.Wait(testutil.Ctx(t))
	require.NoError(t, err)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	env := setup(t, &setupOpts{poolSize: 1, workers: 1})

	_, err := env.s.Submit(ctx, &Request{Query: "SELECT 1"}).Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, 7, prometheustestutil.CollectAndCount(env.s))
	assert.Equal(t, float64(1), prometheustestutil.ToFloat64(env.s.m.results.WithLabelValues("ok")))
	assert.Equal(t, float64(1), prometheustestutil.ToFloat64(env.s.m.submitted))
}
