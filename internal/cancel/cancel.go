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

// Package cancel tracks in-flight tasks and propagates cancellation and deadlines to them.
//
// Cancellation is cooperative: a task that has not started yet is skipped,
// but a running engine call is never interrupted.
// Instead, the connection of a task cancelled while running is torn down after the call returns.
package cancel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/litepool/internal/accesserrors"
)

// Cancellation causes.
var (
	// ErrCancelled is the cause of explicit cancellation by the caller.
	ErrCancelled = errors.New("task cancelled")

	// ErrClosed is the cause of cancellation by scheduler shutdown.
	ErrClosed = errors.New("scheduler closed")
)

// entryState represents the state of a tracked task.
type entryState int

const (
	statePending entryState = iota
	stateRunning
)

// entry represents a tracked task.
type entry struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	state  entryState
}

// Controller tracks tasks by id.
//
// All methods are safe for concurrent use.
type Controller struct {
	l *zap.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]*entry
}

// New creates a new controller.
func New(l *zap.Logger) *Controller {
	if l == nil {
		l = zap.L()
	}

	return &Controller{
		l:       l,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Register starts tracking a new pending task and returns its context.
//
// The context is cancelled when the task is cancelled, when parent is done,
// or after a non-zero deadline since registration.
// The returned context should be used for everything except engine calls.
func (c *Controller) Register(parent context.Context, id uuid.UUID, deadline time.Duration) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	e := &entry{
		ctx:    ctx,
		cancel: cancel,
	}

	if deadline > 0 {
		cause := fmt.Errorf("task deadline %s exceeded: %w", deadline, context.DeadlineExceeded)
		e.timer = time.AfterFunc(deadline, func() {
			c.l.Debug("Task deadline exceeded.", zap.Stringer("task", id), zap.Duration("deadline", deadline))
			cancel(cause)
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[id]; ok {
		panic(fmt.Sprintf("cancel: task %s is already registered", id))
	}

	c.entries[id] = e

	return ctx
}

// Start moves a pending task to the running state.
//
// It returns Cancelled error if the task was cancelled already; in that case it should be skipped.
func (c *Controller) Start(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[id]
	if e == nil {
		panic(fmt.Sprintf("cancel: task %s is not registered", id))
	}

	if e.ctx.Err() != nil {
		return accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(e.ctx))
	}

	e.state = stateRunning

	return nil
}

// Cancel cancels the task with the given id.
//
// It returns false if the task is unknown (for example, already finished).
func (c *Controller) Cancel(id uuid.UUID) bool {
	c.mu.Lock()
	e := c.entries[id]
	c.mu.Unlock()

	if e == nil {
		return false
	}

	c.l.Debug("Cancelling task.", zap.Stringer("task", id), zap.Bool("running", c.running(e)))

	e.cancel(ErrCancelled)

	return true
}

// CancelAll cancels all tracked tasks with the given cause.
func (c *Controller) CancelAll(cause error) {
	c.mu.Lock()
	entries := maps.Values(c.entries)
	c.mu.Unlock()

	for _, e := range entries {
		e.cancel(cause)
	}
}

// Finish stops tracking the task and releases its resources.
//
// It returns true if the task was cancelled while running (but not by shutdown),
// meaning that its connection should be torn down.
func (c *Controller) Finish(id uuid.UUID) bool {
	c.mu.Lock()

	e := c.entries[id]
	if e == nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("cancel: task %s is not registered", id))
	}

	delete(c.entries, id)
	running := e.state == stateRunning

	c.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}

	teardown := running && e.ctx.Err() != nil && !errors.Is(context.Cause(e.ctx), ErrClosed)

	e.cancel(nil)

	return teardown
}

// Pending returns ids of all tracked tasks, sorted.
func (c *Controller) Pending() []uuid.UUID {
	c.mu.Lock()
	res := maps.Keys(c.entries)
	c.mu.Unlock()

	slices.SortFunc(res, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})

	return res
}

// Len returns the numbers of pending and running tasks.
func (c *Controller) Len() (pending, running int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.state == stateRunning {
			running++
		} else {
			pending++
		}
	}

	return pending, running
}

// running returns true if the task is running.
func (c *Controller) running(e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return e.state == stateRunning
}
