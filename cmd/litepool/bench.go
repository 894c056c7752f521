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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/FerretDB/litepool/litepool"
)

// benchOpts represents load options.
//
//nolint:vet // for readability
type benchOpts struct {
	db *litepool.DB
	l  *zap.Logger

	duration time.Duration
	rate     float64 // operations per second; 0 means unlimited

	readers   int
	writers   int
	txWriters int
	txSize    int

	deadline time.Duration
}

// opKind represents the kind of load operation.
type opKind string

const (
	opRead    opKind = "read"
	opWrite   opKind = "write"
	opTxWrite opKind = "tx-write"
)

// benchResult represents load results.
type benchResult struct {
	mu        sync.Mutex
	elapsed   time.Duration
	completed map[opKind]int64
	codes     map[string]int64
	latencies []time.Duration
}

// record records a single operation.
func (r *benchResult) record(kind opKind, latency time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = litepool.Code(err).String()
		if litepool.Code(err) == 0 {
			code = "other"
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed[kind]++
	r.codes[code]++
	r.latencies = append(r.latencies, latency)
}

// total returns the total number of completed operations.
func (r *benchResult) total() int64 {
	var res int64
	for _, n := range r.completed {
		res += n
	}

	return res
}

// percentile returns the latency at the given percentile (0-100).
//
// Latencies should be sorted.
func (r *benchResult) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}

	i := int(math.Ceil(p/100*float64(len(r.latencies)))) - 1
	i = max(0, min(i, len(r.latencies)-1))

	return r.latencies[i]
}

// print writes human-readable summary.
func (r *benchResult) print(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slices.Sort(r.latencies)

	total := r.total()

	var opsPerSec float64
	if r.elapsed > 0 {
		opsPerSec = float64(total) / r.elapsed.Seconds()
	}

	fmt.Fprintf(w, "elapsed: %s\n", r.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "completed: %s (%s ops/s)\n", humanize.Comma(total), humanize.CommafWithDigits(opsPerSec, 1))

	kinds := maps.Keys(r.completed)
	slices.Sort(kinds)

	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %s\n", k, humanize.Comma(r.completed[k]))
	}

	codes := maps.Keys(r.codes)
	slices.Sort(codes)

	fmt.Fprintln(w, "results:")

	for _, c := range codes {
		fmt.Fprintf(w, "  %s: %s\n", c, humanize.Comma(r.codes[c]))
	}

	fmt.Fprintf(
		w, "latency: p50 %s, p99 %s, max %s\n",
		r.percentile(50), r.percentile(99), r.percentile(100),
	)
}

// runBench creates the bench table and runs the load until the duration passes or ctx is canceled.
func runBench(ctx context.Context, opts *benchOpts) (*benchResult, error) {
	db := opts.db

	_, err := db.Exec(ctx, "CREATE TABLE IF NOT EXISTS bench (id INTEGER PRIMARY KEY, worker INTEGER, v TEXT)")
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}

	limiter := rate.NewLimiter(limit, 1)

	res := &benchResult{
		completed: make(map[opKind]int64),
		codes:     make(map[string]int64),
	}

	loadCtx, loadCancel := context.WithTimeout(ctx, opts.duration)
	defer loadCancel()

	// operations in flight complete after the load stops
	opCtx := context.WithoutCancel(ctx)

	var submitOpts []litepool.SubmitOption
	if opts.deadline > 0 {
		submitOpts = append(submitOpts, litepool.WithDeadline(opts.deadline))
	}

	ops := map[opKind]func(worker int) error{
		opRead: func(int) error {
			_, err := db.Submit(opCtx, "SELECT count(*), max(id) FROM bench", nil, submitOpts...).Await(opCtx)
			return err
		},
		opWrite: func(worker int) error {
			_, err := db.Submit(
				opCtx, "INSERT INTO bench (worker, v) VALUES (?, ?)", []any{worker, string(opWrite)}, submitOpts...,
			).Await(opCtx)

			return err
		},
		opTxWrite: func(worker int) error {
			return db.InTransaction(opCtx, func(tx *litepool.Tx) error {
				for range opts.txSize {
					_, err := db.Submit(
						opCtx, "INSERT INTO bench (worker, v) VALUES (?, ?)", []any{worker, string(opTxWrite)},
						slices.Concat(submitOpts, []litepool.SubmitOption{litepool.WithTransaction(tx)})...,
					).Await(opCtx)
					if err != nil {
						return err
					}
				}

				return nil
			})
		},
	}

	workers := map[opKind]int{
		opRead:    opts.readers,
		opWrite:   opts.writers,
		opTxWrite: opts.txWriters,
	}

	opts.l.Info(
		"Starting load.",
		zap.Duration("duration", opts.duration), zap.Float64("rate", opts.rate), zap.Any("workers", workers),
	)

	start := time.Now()

	g, gCtx := errgroup.WithContext(loadCtx)

	var worker int

	for _, kind := range []opKind{opRead, opWrite, opTxWrite} {
		for range workers[kind] {
			worker++
			w, op := worker, ops[kind]

			g.Go(func() error {
				for {
					if err := limiter.Wait(gCtx); err != nil {
						// load duration passed or ctx canceled
						return nil
					}

					opStart := time.Now()
					err := op(w)
					res.record(kind, time.Since(opStart), err)

					if err != nil {
						opts.l.Debug("Operation failed.", zap.String("kind", string(kind)), zap.Error(err))
					}
				}
			})
		}
	}

	err = g.Wait()
	res.elapsed = time.Since(start)

	if err == nil && errors.Is(ctx.Err(), context.Canceled) {
		opts.l.Info("Load interrupted.")
	}

	opts.l.Info("Load finished.", zap.Int64("completed", res.total()), zap.Duration("elapsed", res.elapsed))

	return res, err
}
