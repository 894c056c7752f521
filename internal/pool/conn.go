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
	"sync/atomic"

	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/util/observability"
)

// Conn is a pooled engine connection.
//
// It is owned by the pool while idle, and by a single task while checked out.
// Methods must not be called after the connection is returned to the pool.
type Conn struct {
	c    engine.Conn
	slot *slot
	id   int

	// owner is set by the pool on checkout
	owner string

	// teardown is set when the connection must be closed on release
	teardown atomic.Bool
}

// ID returns the connection identity, unique within the pool.
func (c *Conn) ID() int {
	return c.id
}

// Owner returns the id of the task that checked out the connection.
func (c *Conn) Owner() string {
	return c.owner
}

// Execute runs a statement on the engine connection.
//
// Broken connection errors mark the connection for teardown.
// After an unclassified error, the connection health is checked with [Conn.Ping].
func (c *Conn) Execute(ctx context.Context, query string, args ...any) (*engine.Result, error) {
	defer observability.FuncCall(ctx)()

	res, err := c.c.Execute(ctx, query, args...)
	if err == nil {
		return res, nil
	}

	var e *engine.Error
	if !errors.As(err, &e) {
		_ = c.Ping(ctx)
		return nil, err
	}

	if e.Kind() == engine.KindBroken {
		c.MarkBroken()
	}

	return nil, err
}

// Ping checks the connection health, marking it for teardown on failure.
func (c *Conn) Ping(ctx context.Context) error {
	err := c.c.Ping(ctx)
	if err != nil {
		c.MarkBroken()
	}

	return err
}

// MarkBroken marks the connection for teardown on release.
//
// It is used when the connection is corrupted, and for cooperative cancellation:
// the connection of a task cancelled in flight is not reused.
// It is safe to call it concurrently with other methods.
func (c *Conn) MarkBroken() {
	c.teardown.Store(true)
}

// Broken returns true if the connection was marked for teardown.
func (c *Conn) Broken() bool {
	return c.teardown.Load()
}
