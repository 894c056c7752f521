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

// Package scheduler provides non-blocking submission and dispatch of statements
// to pooled connections.
//
// A fixed number of workers take tasks from an unbounded FIFO queue.
// Tasks of the same transaction form a lane that is processed by at most one worker at a time,
// so they are executed in submission order.
// Independent tasks have no ordering guarantees relative to each other.
package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/cancel"
	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/pool"
	"github.com/FerretDB/litepool/internal/txn"
	"github.com/FerretDB/litepool/internal/util/ctxutil"
	"github.com/FerretDB/litepool/internal/util/observability"
	"github.com/FerretDB/litepool/internal/util/resource"
)

// NewOpts represents scheduler configuration.
type NewOpts struct {
	Pool   *pool.Pool
	Cancel *cancel.Controller
	L      *zap.Logger

	// TracerProvider is used for task spans; nil means the global provider.
	TracerProvider trace.TracerProvider

	// Workers must be positive and should not exceed the pool size.
	Workers int

	// AcquireTimeout bounds waiting for a connection for every attempt.
	AcquireTimeout time.Duration

	MaxRetries       int
	RetryBackoffBase time.Duration
}

// task represents a submitted request.
//
// Fields other than dispatched are immutable.
type task struct {
	id  uuid.UUID
	req *Request
	ctx context.Context
	f   *Future

	// set under scheduler's mutex when the task is taken by a worker or removed from the queue
	dispatched bool
}

// lane is a FIFO of tasks of a single transaction.
type lane struct {
	tx    *txn.Transaction
	tasks []*task

	// a worker is executing a task of that lane; lane is not in the queue
	active bool
}

// item is a queue element: either an independent task or a lane.
type item struct {
	t *task
	l *lane
}

// Scheduler dispatches submitted requests to pooled connections.
//
//nolint:vet // for readability
type Scheduler struct {
	p      *pool.Pool
	c      *cancel.Controller
	l      *zap.Logger
	tracer trace.Tracer

	acquireTimeout   time.Duration
	maxRetries       int
	retryBackoffBase time.Duration
	workers          int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []item
	lanes  map[*txn.Transaction]*lane
	closed bool

	m *metrics

	wg    sync.WaitGroup
	token *resource.Token
}

// New creates a new scheduler and starts its workers.
func New(opts *NewOpts) *Scheduler {
	if opts.Workers < 1 {
		panic("scheduler.New: Workers must be positive")
	}

	if opts.AcquireTimeout <= 0 {
		panic("scheduler.New: AcquireTimeout must be positive")
	}

	if opts.RetryBackoffBase <= 0 {
		panic("scheduler.New: RetryBackoffBase must be positive")
	}

	l := opts.L
	if l == nil {
		l = zap.L()
	}

	s := &Scheduler{
		p:                opts.Pool,
		c:                opts.Cancel,
		l:                l,
		tracer:           observability.Tracer(opts.TracerProvider),
		acquireTimeout:   opts.AcquireTimeout,
		maxRetries:       opts.MaxRetries,
		retryBackoffBase: opts.RetryBackoffBase,
		workers:          opts.Workers,
		lanes:            make(map[*txn.Transaction]*lane),
		m:                newMetrics(),
		token:            resource.NewToken(),
	}

	s.cond = sync.NewCond(&s.mu)

	resource.Track(s, s.token)

	for range s.workers {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			s.work()
		}()
	}

	return s
}

// Submit submits a request for execution and returns immediately.
//
// Ctx is the parent of the task context: when it is done, the task is cancelled.
// If the scheduler is closed, the returned future is fulfilled with PoolClosed error.
func (s *Scheduler) Submit(ctx context.Context, req *Request) *Future {
	if req.Op != OpExec && req.Tx == nil {
		panic("scheduler.Submit: transaction is required")
	}

	id := uuid.New()
	f := newFuture(s, id)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		f.fulfill(nil, accesserrors.NewError(accesserrors.ErrorCodePoolClosed, nil))

		return f
	}

	t := &task{
		id:  id,
		req: req,
		ctx: s.c.Register(ctx, id, req.Deadline),
		f:   f,
	}

	if req.Tx == nil {
		s.queue = append(s.queue, item{t: t})
	} else {
		l := s.lanes[req.Tx]
		if l == nil {
			l = &lane{tx: req.Tx}
			s.lanes[req.Tx] = l
			s.queue = append(s.queue, item{l: l})
		}

		l.tasks = append(l.tasks, t)
	}

	s.m.submitted.Inc()
	s.cond.Signal()

	s.mu.Unlock()

	// fulfill cancelled pending tasks promptly, without waiting for a worker
	context.AfterFunc(t.ctx, func() {
		s.dequeue(t)
	})

	return f
}

// dequeue removes a cancelled task from the queue and fulfills its future.
//
// It does nothing if the task was dispatched already.
func (s *Scheduler) dequeue(t *task) {
	s.mu.Lock()

	if t.dispatched {
		s.mu.Unlock()
		return
	}

	t.dispatched = true

	if t.req.Tx == nil {
		s.queue = slices.DeleteFunc(s.queue, func(it item) bool { return it.t == t })
	} else {
		l := s.lanes[t.req.Tx]
		l.tasks = slices.DeleteFunc(l.tasks, func(lt *task) bool { return lt == t })

		if len(l.tasks) == 0 && !l.active {
			delete(s.lanes, l.tx)
			s.queue = slices.DeleteFunc(s.queue, func(it item) bool { return it.l == l })
		}
	}

	s.mu.Unlock()

	s.l.Debug("Task cancelled before dispatch.", zap.Stringer("task", t.id))

	s.finish(t, nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(t.ctx)))
}

// next blocks until there is a task to run, and returns it.
//
// It returns nil when the scheduler is closed.
func (s *Scheduler) next() *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}

	if len(s.queue) == 0 {
		return nil
	}

	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]

	t := it.t

	if it.l != nil {
		t = it.l.tasks[0]
		it.l.tasks = it.l.tasks[1:]
		it.l.active = true
	}

	t.dispatched = true

	return t
}

// work runs the worker loop.
func (s *Scheduler) work() {
	for {
		t := s.next()
		if t == nil {
			return
		}

		s.m.running.Inc()
		res, err := s.run(t)
		s.m.running.Dec()

		if t.req.Tx != nil {
			s.laneDone(t.req.Tx)
		}

		s.finish(t, res, err)
	}
}

// laneDone puts the lane back into the queue if it has more tasks, or removes it.
func (s *Scheduler) laneDone(tx *txn.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lanes[tx]
	l.active = false

	if len(l.tasks) == 0 {
		delete(s.lanes, tx)
		return
	}

	s.queue = append(s.queue, item{l: l})
	s.cond.Signal()
}

// run executes the task, retrying it if needed.
func (s *Scheduler) run(t *task) (*engine.Result, error) {
	// skip the task cancelled before dispatch without consuming a connection
	if err := s.c.Start(t.id); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(t.ctx, "litepool.task", trace.WithAttributes(
		attribute.String("litepool.task", t.id.String()),
		attribute.String("db.statement", t.req.Query),
		attribute.Bool("litepool.transaction", t.req.Tx != nil),
	))
	defer span.End()

	defer observability.FuncCall(ctx)()

	res, err := s.runAttempts(ctx, t)

	if err != nil {
		span.SetStatus(codes.Error, "")
		span.SetAttributes(attribute.String("litepool.error_code", accesserrors.Code(err).String()))
		span.RecordError(err)
	}

	return res, err
}

// runAttempts executes the task attempts.
func (s *Scheduler) runAttempts(ctx context.Context, t *task) (*engine.Result, error) {
	if tx := t.req.Tx; tx != nil {
		switch t.req.Op {
		case OpCommit:
			return nil, tx.Commit(ctx)
		case OpRollback:
			return nil, tx.Rollback(ctx)
		default:
			return tx.Exec(ctx, t.req.Query, t.req.Args...)
		}
	}

	retry := t.req.retryOnConflict()

	for attempt := int64(1); ; attempt++ {
		res, err := s.attempt(ctx, t)
		if err == nil {
			return res, nil
		}

		if !retry || !accesserrors.Retryable(err) || attempt > int64(s.maxRetries) {
			return nil, err
		}

		s.m.retries.Inc()

		s.l.Debug(
			"Retrying task after conflict.",
			zap.Stringer("task", t.id), zap.Int64("attempt", attempt), zap.Error(err),
		)

		ctxutil.SleepWithJitter(ctx, s.retryBackoffBase, attempt)

		if ctx.Err() != nil {
			return nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(ctx))
		}
	}
}

// attempt executes an independent task once on a pooled connection.
func (s *Scheduler) attempt(ctx context.Context, t *task) (*engine.Result, error) {
	acquireCtx, acquireCancel := context.WithTimeout(ctx, s.acquireTimeout)
	c, err := s.p.Acquire(acquireCtx, t.id.String())
	acquireCancel()

	if err != nil {
		return nil, err
	}

	// engine calls are never interrupted
	res, err := c.Execute(context.WithoutCancel(ctx), t.req.Query, t.req.Args...)

	// the statement completed during shutdown is not reported as cancelled
	cancelled := ctx.Err() != nil && !errors.Is(context.Cause(ctx), cancel.ErrClosed)
	if cancelled {
		c.MarkBroken()
	}

	s.p.Release(c, true)

	if cancelled {
		s.l.Debug(
			"Task cancelled while running, connection torn down.",
			zap.Stringer("task", t.id), zap.Int("conn", c.ID()), zap.Bool("applied", err == nil),
		)

		return nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, context.Cause(ctx))
	}

	if err != nil {
		return nil, accesserrors.FromEngine(err)
	}

	return res, nil
}

// finish stops tracking the task and fulfills its future.
func (s *Scheduler) finish(t *task, res *engine.Result, err error) {
	if s.c.Finish(t.id) {
		s.m.cancelledRunning.Inc()
	}

	accesserrors.CheckError(err)

	code := "ok"
	if err != nil {
		code = accesserrors.Code(err).String()
	}

	s.m.results.WithLabelValues(code).Inc()

	t.f.fulfill(res, err)
}

// Close stops accepting new requests, cancels queued tasks and tasks waiting for a connection,
// and waits for running tasks to finish.
//
// It is safe to call Close multiple times.
func (s *Scheduler) Close() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return
	}

	s.closed = true

	var queued []*task

	for _, it := range s.queue {
		if it.t != nil {
			queued = append(queued, it.t)
		}
	}

	for tx, l := range s.lanes {
		queued = append(queued, l.tasks...)
		l.tasks = nil

		if !l.active {
			delete(s.lanes, tx)
		}
	}

	for _, t := range queued {
		t.dispatched = true
	}

	s.queue = nil

	s.cond.Broadcast()
	s.mu.Unlock()

	s.l.Debug("Closing scheduler.", zap.Int("queued", len(queued)))

	// stop waiting for connections and retries; running engine calls are not interrupted
	s.c.CancelAll(cancel.ErrClosed)

	for _, t := range queued {
		s.finish(t, nil, accesserrors.NewError(accesserrors.ErrorCodeCancelled, cancel.ErrClosed))
	}

	s.wg.Wait()

	resource.Untrack(s, s.token)
}

// Len returns the numbers of queued and running tasks.
func (s *Scheduler) Len() (queued, running int) {
	return s.c.Len()
}
