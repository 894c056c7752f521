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

// Package pool provides a bounded pool of engine connections.
//
// Waiters are served strictly in arrival order, and a returned connection is handed off
// directly to the longest-waiting acquirer.
// Evicted connections leave vacant slots that are reopened lazily on the next demand.
// The pool also holds the single-writer lock,
// so slot states and the write lock owner are changed under one mutex.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/util/lazyerrors"
	"github.com/FerretDB/litepool/internal/util/observability"
	"github.com/FerretDB/litepool/internal/util/resource"
)

// slotState represents the availability state of a pool slot.
type slotState int

const (
	// no connection; it will be opened on demand
	slotVacant slotState = iota

	// connection is available
	slotIdle

	// connection is checked out, or is being opened for the acquirer
	slotInUse

	// connection is being closed
	slotDraining
)

// String implements fmt.Stringer.
func (s slotState) String() string {
	switch s {
	case slotVacant:
		return "vacant"
	case slotIdle:
		return "idle"
	case slotInUse:
		return "in-use"
	case slotDraining:
		return "draining"
	default:
		return fmt.Sprintf("slotState(%d)", int(s))
	}
}

// slot pairs a connection with its availability state.
//
// All fields are protected by the pool's mutex.
type slot struct {
	conn  *Conn
	state slotState
	index int
}

// grant is sent to a waiter exactly once.
type grant struct {
	// checked out connection
	conn *Conn

	// reserved vacant slot; the waiter should open a connection in it
	slot *slot

	err error
}

// waiter represents a pending Acquire call.
type waiter struct {
	owner string
	ch    chan grant

	// set when waiter is removed from the list by the pool
	popped bool
}

// NewOpts represents pool configuration.
type NewOpts struct {
	Engine         engine.Engine
	L              *zap.Logger
	MaxConnections int
}

// Pool is a bounded pool of engine connections.
//
//nolint:vet // for readability
type Pool struct {
	e engine.Engine
	l *zap.Logger

	mu      sync.Mutex
	slots   []*slot
	waiters *list.List // of *waiter
	writer  *Conn
	closed  bool
	nextID  int

	// counters for metrics
	acquired     int64
	opened       int64
	evicted      int64
	timeouts     int64
	openFailures int64

	token *resource.Token
}

// New creates a new pool.
//
// One connection is opened eagerly to validate the engine configuration;
// other connections are opened on demand.
func New(ctx context.Context, opts *NewOpts) (*Pool, error) {
	if opts.MaxConnections < 1 {
		return nil, lazyerrors.Errorf("invalid number of connections: %d", opts.MaxConnections)
	}

	l := opts.L
	if l == nil {
		l = zap.L()
	}

	p := &Pool{
		e:       opts.Engine,
		l:       l,
		slots:   make([]*slot, opts.MaxConnections),
		waiters: list.New(),
		token:   resource.NewToken(),
	}

	for i := range p.slots {
		p.slots[i] = &slot{index: i}
	}

	ec, err := p.e.Open(ctx)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	p.newConn(p.slots[0], ec)
	p.slots[0].state = slotIdle
	p.opened++

	resource.Track(p, p.token)

	p.l.Debug("Pool created.", zap.Int("max_connections", opts.MaxConnections))

	return p, nil
}

// newConn wraps engine connection and puts it into the slot.
//
// It should be called with the mutex held, or before the pool is shared.
func (p *Pool) newConn(s *slot, ec engine.Conn) *Conn {
	p.nextID++

	c := &Conn{
		c:    ec,
		slot: s,
		id:   p.nextID,
	}

	s.conn = c

	return c
}

// Acquire checks out a connection for the task with the given id.
//
// It blocks until a connection is available, or ctx is done.
// On ctx deadline, PoolTimeout error is returned; on other ctx cancellation, Cancelled.
// If the pool can't open a connection, PoolExhausted is returned.
//
// Returned connection must be returned with [Pool.Release].
func (p *Pool) Acquire(ctx context.Context, owner string) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, accesserrors.NewError(accesserrors.ErrorCodePoolClosed, nil)
	}

	if ctx.Err() != nil {
		err := p.ctxError(ctx)
		p.mu.Unlock()

		return nil, err
	}

	// new acquirers never take connections while others are waiting
	if p.waiters.Len() == 0 {
		if s := p.findSlot(slotIdle); s != nil {
			s.state = slotInUse
			s.conn.owner = owner
			p.acquired++
			p.mu.Unlock()

			return s.conn, nil
		}

		if s := p.findSlot(slotVacant); s != nil {
			s.state = slotInUse
			p.mu.Unlock()

			return p.open(ctx, s, owner)
		}
	}

	w := &waiter{
		owner: owner,
		ch:    make(chan grant, 1),
	}
	e := p.waiters.PushBack(w)

	p.mu.Unlock()

	select {
	case g := <-w.ch:
		return p.accept(ctx, g, owner)

	case <-ctx.Done():
		p.mu.Lock()

		if !w.popped {
			p.waiters.Remove(e)

			err := p.ctxError(ctx)
			p.mu.Unlock()

			return nil, err
		}

		p.mu.Unlock()

		// the pool is handing us a grant right now
		return p.accept(ctx, <-w.ch, owner)
	}
}

// ctxError returns an error for done ctx and updates counters.
//
// It should be called with the mutex held.
func (p *Pool) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.timeouts++
		return accesserrors.NewError(accesserrors.ErrorCodePoolTimeout, context.Cause(ctx))
	}

	return accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(ctx))
}

// accept handles a grant received by a waiter.
func (p *Pool) accept(ctx context.Context, g grant, owner string) (*Conn, error) {
	switch {
	case g.err != nil:
		return nil, g.err

	case g.conn != nil:
		return g.conn, nil

	default:
		return p.open(ctx, g.slot, owner)
	}
}

// open opens a new connection in the reserved slot.
//
// On failure, the slot becomes vacant again, and all current waiters receive the same PoolExhausted error.
func (p *Pool) open(ctx context.Context, s *slot, owner string) (*Conn, error) {
	ec, err := p.e.Open(context.WithoutCancel(ctx))

	p.mu.Lock()

	if err != nil {
		s.state = slotVacant
		p.openFailures++

		waiters := p.popAllWaiters()
		p.mu.Unlock()

		p.l.Error(
			"Failed to open connection, pool is exhausted.",
			zap.Int("slot", s.index), zap.Int("waiters", len(waiters)), zap.Error(err),
		)

		exhausted := accesserrors.NewError(accesserrors.ErrorCodePoolExhausted, err)
		for _, w := range waiters {
			w.ch <- grant{err: exhausted}
		}

		return nil, exhausted
	}

	if p.closed {
		s.state = slotVacant
		p.mu.Unlock()

		_ = ec.Close()

		return nil, accesserrors.NewError(accesserrors.ErrorCodePoolClosed, nil)
	}

	c := p.newConn(s, ec)
	c.owner = owner
	p.opened++
	p.acquired++

	p.mu.Unlock()

	p.l.Debug("Connection opened.", zap.Int("conn", c.id), zap.Int("slot", s.index), zap.String("owner", owner))

	return c, nil
}

// Release returns a checked out connection to the pool.
//
// If healthy is false, or the connection was marked broken, or the pool is closed,
// the connection is closed and its slot becomes vacant.
// Otherwise, the connection is handed to the longest-waiting acquirer, or becomes idle.
// The write lock held by the connection, if any, is released.
func (p *Pool) Release(c *Conn, healthy bool) {
	p.mu.Lock()

	s := c.slot
	if s.conn != c || s.state != slotInUse {
		p.mu.Unlock()
		panic(fmt.Sprintf("pool: connection %d is not checked out", c.id))
	}

	if p.writer == c {
		p.writer = nil
		p.l.Warn("Released connection held the write lock.", zap.Int("conn", c.id), zap.String("owner", c.owner))
	}

	c.owner = ""

	if healthy && !c.Broken() && !p.closed {
		if w := p.popWaiter(); w != nil {
			c.owner = w.owner
			p.acquired++
			w.ch <- grant{conn: c}
			p.mu.Unlock()

			return
		}

		s.state = slotIdle
		p.mu.Unlock()

		return
	}

	s.state = slotDraining
	if !p.closed {
		p.evicted++
	}

	p.mu.Unlock()

	p.l.Debug("Evicting connection.", zap.Int("conn", c.id), zap.Bool("healthy", healthy), zap.Bool("broken", c.Broken()))

	p.discard(c)
}

// discard closes a draining connection and frees its slot.
//
// The slot is reserved for the longest-waiting acquirer, if any.
func (p *Pool) discard(c *Conn) {
	if err := c.c.Close(); err != nil {
		p.l.Warn("Failed to close connection.", zap.Int("conn", c.id), zap.Error(err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s := c.slot
	s.conn = nil
	s.state = slotVacant

	if p.closed {
		return
	}

	if w := p.popWaiter(); w != nil {
		s.state = slotInUse
		w.ch <- grant{slot: s}
	}
}

// ClaimWriter makes the given checked out connection the owner of the single-writer lock.
//
// It returns TransactionConflict if another connection holds the lock,
// and InvalidTransactionState if the given connection holds it already.
func (p *Pool) ClaimWriter(c *Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.slot.conn != c || c.slot.state != slotInUse {
		panic(fmt.Sprintf("pool: connection %d is not checked out", c.id))
	}

	switch p.writer {
	case nil:
		p.writer = c
		return nil

	case c:
		return accesserrors.NewError(
			accesserrors.ErrorCodeInvalidTransactionState,
			fmt.Errorf("connection %d already holds the write lock", c.id),
		)

	default:
		return p.writerConflict()
	}
}

// CheckWriter returns TransactionConflict error if the single-writer lock is held.
//
// It allows failing fast without waiting for a connection;
// the lock still may be taken before [Pool.ClaimWriter] is called.
func (p *Pool) CheckWriter() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return nil
	}

	return p.writerConflict()
}

// writerConflict returns TransactionConflict error for the current write lock owner.
//
// It should be called with the mutex held.
func (p *Pool) writerConflict() error {
	return accesserrors.NewError(
		accesserrors.ErrorCodeTransactionConflict,
		fmt.Errorf("write lock is held by connection %d (task %s)", p.writer.id, p.writer.owner),
	)
}

// ReleaseWriter releases the single-writer lock if it is held by the given connection.
func (p *Pool) ReleaseWriter(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == c {
		p.writer = nil
	}
}

// Close closes the pool.
//
// All waiters receive PoolClosed error, idle connections are closed immediately,
// and checked out connections are closed when they are released.
// It is safe to call Close multiple times.
func (p *Pool) Close() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true

	waiters := p.popAllWaiters()

	var idle []*Conn

	for _, s := range p.slots {
		if s.state == slotIdle {
			s.state = slotDraining
			idle = append(idle, s.conn)
		}
	}

	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- grant{err: accesserrors.NewError(accesserrors.ErrorCodePoolClosed, nil)}
	}

	for _, c := range idle {
		p.discard(c)
	}

	resource.Untrack(p, p.token)

	p.l.Debug("Pool closed.", zap.Int("waiters", len(waiters)), zap.Int("idle", len(idle)))
}

// findSlot returns the first slot in the given state, or nil.
//
// It should be called with the mutex held.
func (p *Pool) findSlot(state slotState) *slot {
	for _, s := range p.slots {
		if s.state == state {
			return s
		}
	}

	return nil
}

// popWaiter removes and returns the longest-waiting waiter, or nil.
//
// It should be called with the mutex held.
func (p *Pool) popWaiter() *waiter {
	e := p.waiters.Front()
	if e == nil {
		return nil
	}

	w := p.waiters.Remove(e).(*waiter)
	w.popped = true

	return w
}

// popAllWaiters removes and returns all waiters in arrival order.
//
// It should be called with the mutex held.
func (p *Pool) popAllWaiters() []*waiter {
	res := make([]*waiter, 0, p.waiters.Len())

	for w := p.popWaiter(); w != nil; w = p.popWaiter() {
		res = append(res, w)
	}

	return res
}
