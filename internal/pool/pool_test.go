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

package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	prometheustestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/engine/enginetest"
	"github.com/FerretDB/litepool/internal/util/testutil"
	"github.com/FerretDB/litepool/internal/util/testutil/teststress"
)

// setup creates a new pool of the given size over the fake engine.
func setup(t testing.TB, size int) (*Pool, *enginetest.Engine) {
	t.Helper()

	e := enginetest.New(0)

	p, err := New(testutil.Ctx(t), &NewOpts{
		Engine:         e,
		L:              testutil.Logger(t),
		MaxConnections: size,
	})
	require.NoError(t, err)

	t.Cleanup(p.Close)

	return p, e
}

// waitWaiters waits until the pool has the given number of waiters.
func waitWaiters(t testing.TB, p *Pool, n int) {
	t.Helper()

	require.Eventually(t, func() bool { return p.Stats().Waiters == n }, 5*time.Second, time.Millisecond)
}

func TestNew(t *testing.T) {
	t.Parallel()

	p, e := setup(t, 3)

	assert.Equal(t, 1, e.Opened())
	assert.Equal(t, &Stats{MaxConnections: 3, Idle: 1, Vacant: 2, Opened: 1}, p.Stats())

	_, err := New(testutil.Ctx(t), &NewOpts{Engine: e, MaxConnections: 0})
	require.Error(t, err)

	failing := enginetest.New(0)
	failing.SetOpenError(errors.New("no such file"))

	_, err = New(testutil.Ctx(t), &NewOpts{Engine: failing, MaxConnections: 1})
	require.ErrorContains(t, err, "no such file")
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, e := setup(t, 2)

	c1, err := p.Acquire(ctx, "task1")
	require.NoError(t, err)
	assert.Equal(t, "task1", c1.Owner())

	c2, err := p.Acquire(ctx, "task2")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID(), c2.ID())
	assert.Equal(t, 2, e.Opened())

	_, err = c1.Execute(ctx, "SELECT 1")
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.InUse)
	assert.Equal(t, 0, stats.Idle)

	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Acquire(timeoutCtx, "task3")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, accesserrors.ErrPoolTimeout)
	accesserrors.CheckError(err, accesserrors.ErrorCodePoolTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
	assert.Equal(t, 0, p.Stats().Waiters)

	p.Release(c1, true)
	p.Release(c2, true)

	stats = p.Stats()
	assert.Equal(t, 2, stats.Idle)
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, e.Closed())

	assert.Panics(t, func() { p.Release(c1, true) })
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, 1)

	c, err := p.Acquire(testutil.Ctx(t), "holder")
	require.NoError(t, err)

	defer p.Release(c, true)

	ctx, cancel := context.WithCancel(testutil.Ctx(t))

	errCh := make(chan error, 1)

	go func() {
		_, err := p.Acquire(ctx, "waiter")
		errCh <- err
	}()

	waitWaiters(t, p, 1)
	cancel()

	err = <-errCh
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Stats().Waiters)

	_, err = p.Acquire(ctx, "late")
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
}

func TestFIFO(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, _ := setup(t, 1)

	holder, err := p.Acquire(ctx, "holder")
	require.NoError(t, err)

	const n = 5

	order := make(chan string, n)
	errs := make(chan error, n)

	for i := range n {
		owner := fmt.Sprintf("waiter%d", i)

		go func() {
			c, err := p.Acquire(ctx, owner)
			if err != nil {
				errs <- err
				return
			}

			order <- c.Owner()

			p.Release(c, true)
			errs <- nil
		}()

		// make arrival order deterministic
		waitWaiters(t, p, i+1)
	}

	p.Release(holder, true)

	for range n {
		require.NoError(t, <-errs)
	}

	close(order)

	var actual []string
	for o := range order {
		actual = append(actual, o)
	}

	assert.Equal(t, []string{"waiter0", "waiter1", "waiter2", "waiter3", "waiter4"}, actual)
}

func TestNoBarging(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, _ := setup(t, 1)

	holder, err := p.Acquire(ctx, "holder")
	require.NoError(t, err)

	connCh := make(chan *Conn, 1)

	go func() {
		c, err := p.Acquire(ctx, "waiter")
		if err == nil {
			connCh <- c
		}
	}()

	waitWaiters(t, p, 1)

	p.Release(holder, true)

	// the connection was handed off directly, so it is not idle for the newcomer
	assert.Equal(t, 0, p.Stats().Idle)

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(timeoutCtx, "newcomer")
	require.ErrorIs(t, err, accesserrors.ErrPoolTimeout)

	c := <-connCh
	assert.Equal(t, "waiter", c.Owner())
	assert.Equal(t, holder.ID(), c.ID())

	p.Release(c, true)
}

func TestEviction(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, e := setup(t, 1)

	c, err := p.Acquire(ctx, "task")
	require.NoError(t, err)

	c.MarkBroken()
	p.Release(c, true)

	assert.Equal(t, 1, e.Closed())

	stats := p.Stats()
	assert.Equal(t, 1, stats.Vacant)
	assert.Equal(t, int64(1), stats.Evicted)

	// lazy reopen
	c, err = p.Acquire(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Opened())
	assert.Equal(t, 2, c.ID())

	p.Release(c, false)
	assert.Equal(t, 2, e.Closed())

	c, err = p.Acquire(ctx, "task")
	require.NoError(t, err)

	// engine broken errors mark connection for teardown
	e.SetExecHook(func(ctx context.Context, query string) error {
		return engine.NewError(engine.KindBroken, errors.New("database disk image is malformed"))
	})

	_, err = c.Execute(ctx, "SELECT 1")
	require.Error(t, err)
	assert.True(t, c.Broken())

	p.Release(c, true)
	assert.Equal(t, 3, e.Closed())
	assert.Equal(t, int64(3), p.Stats().Evicted)
}

func TestEvictionHandsSlotToWaiter(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, e := setup(t, 1)

	c, err := p.Acquire(ctx, "holder")
	require.NoError(t, err)

	connCh := make(chan *Conn, 1)

	go func() {
		c, err := p.Acquire(ctx, "waiter")
		if err == nil {
			connCh <- c
		}
	}()

	waitWaiters(t, p, 1)

	p.Release(c, false)

	c = <-connCh
	assert.Equal(t, "waiter", c.Owner())
	assert.Equal(t, 2, e.Opened())

	p.Release(c, true)
}

func TestExhausted(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, e := setup(t, 1)

	c, err := p.Acquire(ctx, "holder")
	require.NoError(t, err)

	const n = 3

	errs := make(chan error, n)

	for i := range n {
		go func() {
			_, err := p.Acquire(ctx, fmt.Sprintf("waiter%d", i))
			errs <- err
		}()
	}

	waitWaiters(t, p, n)

	e.SetOpenError(errors.New("disk is gone"))

	p.Release(c, false)

	for range n {
		err := <-errs
		require.ErrorIs(t, err, accesserrors.ErrPoolExhausted)
		assert.ErrorContains(t, err, "disk is gone")
	}

	stats := p.Stats()
	assert.Equal(t, 1, stats.Vacant)
	assert.Equal(t, 0, stats.Waiters)
	assert.Equal(t, int64(1), stats.OpenFailures)

	_, err = p.Acquire(ctx, "again")
	require.ErrorIs(t, err, accesserrors.ErrPoolExhausted)

	e.SetOpenError(nil)

	c, err = p.Acquire(ctx, "recovered")
	require.NoError(t, err)
	p.Release(c, true)
}

func TestWriter(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	p, _ := setup(t, 2)

	c1, err := p.Acquire(ctx, "task1")
	require.NoError(t, err)

	c2, err := p.Acquire(ctx, "task2")
	require.NoError(t, err)

	require.NoError(t, p.CheckWriter())
	require.NoError(t, p.ClaimWriter(c1))
	assert.True(t, p.Stats().WriterHeld)

	err = p.CheckWriter()
	require.ErrorIs(t, err, accesserrors.ErrTransactionConflict)
	assert.ErrorContains(t, err, "task1")

	err = p.ClaimWriter(c2)
	require.ErrorIs(t, err, accesserrors.ErrTransactionConflict)
	assert.ErrorContains(t, err, "task1")

	err = p.ClaimWriter(c1)
	require.ErrorIs(t, err, accesserrors.ErrInvalidTransactionState)

	p.ReleaseWriter(c2)
	require.ErrorIs(t, p.CheckWriter(), accesserrors.ErrTransactionConflict)

	p.ReleaseWriter(c1)
	require.NoError(t, p.CheckWriter())
	require.NoError(t, p.ClaimWriter(c2))

	// releasing connection clears the write lock
	p.Release(c2, true)
	assert.False(t, p.Stats().WriterHeld)

	require.NoError(t, p.ClaimWriter(c1))
	p.Release(c1, true)
}

func TestClose(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	e := enginetest.New(0)

	p, err := New(ctx, &NewOpts{
		Engine:         e,
		L:              testutil.Logger(t),
		MaxConnections: 2,
	})
	require.NoError(t, err)

	c1, err := p.Acquire(ctx, "task1")
	require.NoError(t, err)

	c2, err := p.Acquire(ctx, "task2")
	require.NoError(t, err)

	errCh := make(chan error, 1)

	go func() {
		_, err := p.Acquire(ctx, "waiter")
		errCh <- err
	}()

	waitWaiters(t, p, 1)

	p.Close()
	p.Close()

	require.ErrorIs(t, <-errCh, accesserrors.ErrPoolClosed)

	_, err = p.Acquire(ctx, "late")
	require.ErrorIs(t, err, accesserrors.ErrPoolClosed)

	// checked out connections are closed on release
	assert.Equal(t, 0, e.Closed())

	p.Release(c1, true)
	assert.Equal(t, 1, e.Closed())

	p.Release(c2, true)
	assert.Equal(t, 2, e.Closed())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Vacant)
	assert.Equal(t, int64(0), stats.Evicted)
}

func TestCloseIdle(t *testing.T) {
	t.Parallel()

	p, e := setup(t, 2)

	p.Close()

	assert.Equal(t, 1, e.Closed())
	assert.Equal(t, 2, p.Stats().Vacant)
}

func TestStress(t *testing.T) {
	t.Parallel()

	const size = 4

	e := enginetest.New(time.Millisecond)

	p, err := New(testutil.Ctx(t), &NewOpts{
		Engine:         e,
		L:              testutil.Logger(t),
		MaxConnections: size,
	})
	require.NoError(t, err)

	t.Cleanup(p.Close)

	ctx := testutil.Ctx(t)

	n := teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
		ready <- struct{}{}
		<-start

		for i := range 3 {
			c, err := p.Acquire(ctx, fmt.Sprintf("task%d", i))
			if !assert.NoError(t, err) {
				return
			}

			_, err = c.Execute(ctx, "SELECT 1")
			assert.NoError(t, err)

			p.Release(c, i%2 == 0)
		}
	})

	assert.LessOrEqual(t, e.MaxRunning(), size)
	assert.Equal(t, n*3, len(e.Executed()))

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Waiters)
	assert.Equal(t, e.Opened()-e.Closed(), stats.Idle)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	p, _ := setup(t, 2)

	assert.Equal(t, 12, prometheustestutil.CollectAndCount(p))
	assert.Equal(t, 1, prometheustestutil.CollectAndCount(p, "litepool_pool_waiters"))
}
