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

package cancel

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/util/testutil"
)

func TestCancelPending(t *testing.T) {
	t.Parallel()

	c := New(testutil.Logger(t))
	id := uuid.New()

	ctx := c.Register(testutil.Ctx(t), id, 0)
	assert.Equal(t, []uuid.UUID{id}, c.Pending())

	pending, running := c.Len()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 0, running)

	assert.True(t, c.Cancel(id))
	require.ErrorIs(t, context.Cause(ctx), ErrCancelled)

	err := c.Start(id)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
	assert.ErrorIs(t, err, ErrCancelled)

	assert.False(t, c.Finish(id))
	assert.Empty(t, c.Pending())

	assert.False(t, c.Cancel(id))
	assert.Panics(t, func() { c.Finish(id) })
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()

	c := New(testutil.Logger(t))
	id := uuid.New()

	ctx := c.Register(testutil.Ctx(t), id, 0)

	require.NoError(t, c.Start(id))

	pending, running := c.Len()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, running)

	assert.True(t, c.Cancel(id))
	assert.Error(t, ctx.Err())

	// the connection should be torn down
	assert.True(t, c.Finish(id))
}

func TestFinishNotCancelled(t *testing.T) {
	t.Parallel()

	c := New(testutil.Logger(t))
	id := uuid.New()

	ctx := c.Register(testutil.Ctx(t), id, time.Hour)

	require.NoError(t, c.Start(id))
	assert.False(t, c.Finish(id))

	// resources are released
	assert.ErrorIs(t, context.Cause(ctx), context.Canceled)
}

func TestDeadline(t *testing.T) {
	t.Parallel()

	c := New(testutil.Logger(t))
	id := uuid.New()

	ctx := c.Register(testutil.Ctx(t), id, 20*time.Millisecond)

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("deadline was not applied")
	}

	err := c.Start(id)
	require.ErrorIs(t, err, accesserrors.ErrCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.Finish(id)
}

func TestParent(t *testing.T) {
	t.Parallel()

	c := New(testutil.Logger(t))
	id := uuid.New()

	parent, cancel := context.WithCancel(testutil.Ctx(t))
	ctx := c.Register(parent, id, 0)

	require.NoError(t, c.Start(id))

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	assert.True(t, c.Finish(id))
}

func TestCancelAll(t *testing.T) {
	t.Parallel()

	c := New(testutil.Logger(t))

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	ctxs := make([]context.Context, len(ids))

	for i, id := range ids {
		ctxs[i] = c.Register(testutil.Ctx(t), id, 0)
	}

	assert.Len(t, c.Pending(), 3)
	assert.Panics(t, func() { c.Register(testutil.Ctx(t), ids[0], 0) })

	require.NoError(t, c.Start(ids[0]))

	c.CancelAll(ErrClosed)

	// running task cancelled by shutdown keeps its connection
	require.ErrorIs(t, context.Cause(ctxs[0]), ErrClosed)
	assert.False(t, c.Finish(ids[0]))

	for i, id := range ids[1:] {
		require.ErrorIs(t, context.Cause(ctxs[i+1]), ErrClosed)
		require.ErrorIs(t, c.Start(id), accesserrors.ErrCancelled)
		assert.False(t, c.Finish(id))
	}

	assert.Empty(t, c.Pending())
}
