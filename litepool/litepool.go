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

// Package litepool provides embeddable concurrent access to a single SQLite database file.
//
// All operations go through a bounded pool of connections.
// At most one write transaction is active at any time.
// Independent statements are retried on transient lock contention;
// statements of a transaction run in submission order.
package litepool

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/litepool/internal/cancel"
	"github.com/FerretDB/litepool/internal/engine/sqlite"
	"github.com/FerretDB/litepool/internal/pool"
	"github.com/FerretDB/litepool/internal/scheduler"
	"github.com/FerretDB/litepool/internal/txn"
	"github.com/FerretDB/litepool/internal/util/state"
)

// Default configuration values.
const (
	DefaultMaxConnections   = 4
	DefaultAcquireTimeout   = 5 * time.Second
	DefaultMaxRetries       = 5
	DefaultRetryBackoffBase = 10 * time.Millisecond

	// DefaultRetryBusyTimeout is the SQLite busy timeout used when retries are enabled.
	DefaultRetryBusyTimeout = 250 * time.Millisecond
)

// Config represents access layer configuration.
//
// Zero values are replaced with defaults.
type Config struct {
	// SQLite database URI, for example "file:data/app.sqlite".
	// The file is created if it does not exist; its directory must exist.
	// Query parameters are passed to the driver;
	// busy_timeout and journal_mode(wal) pragmas are added if absent.
	URI string

	// Maximum number of open connections. Defaults to DefaultMaxConnections.
	MaxConnections int

	// Number of dispatch workers. Defaults to (and is clamped to) MaxConnections.
	MaxDispatchWorkers int

	// How long a statement may wait for a connection. Defaults to DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// Retries of independent statements on transaction conflict.
	// Defaults to DefaultMaxRetries; negative value disables retries.
	//
	// Every attempt waits up to BusyTimeout for the file lock before it fails with a conflict,
	// so a statement may take about (MaxRetries+1)*BusyTimeout plus backoff delays.
	MaxRetries int

	// Base delay between retries. Defaults to DefaultRetryBackoffBase.
	RetryBackoffBase time.Duration

	// SQLite busy timeout: how long a single statement waits for the file lock held by another connection.
	// Zero means DefaultRetryBusyTimeout if retries are enabled, and the engine default (5s) otherwise;
	// negative means no waiting. It is ignored if URI sets busy_timeout pragma.
	BusyTimeout time.Duration

	// Logger to use; defaults to zap.L().
	Logger *zap.Logger

	// State provider for engine version and settings; optional.
	StateProvider *state.Provider

	// TracerProvider for task spans; defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// DB represents an open database with its connection pool and scheduler.
//
// It is safe for concurrent use.
//
//nolint:vet // for readability
type DB struct {
	config Config
	l      *zap.Logger

	e *sqlite.Engine
	p *pool.Pool
	m *txn.Manager
	c *cancel.Controller
	s *scheduler.Scheduler

	// held for reading while a transaction begins
	rw     sync.RWMutex
	closed bool

	mu  sync.Mutex
	txs map[*Tx]struct{}
}

// withDefaults returns a copy of the configuration with defaults applied.
func (config *Config) withDefaults() (*Config, error) {
	c := *config

	if c.URI == "" {
		return nil, errors.New("URI is required")
	}

	if c.MaxConnections < 0 {
		return nil, fmt.Errorf("MaxConnections must be positive, got %d", c.MaxConnections)
	}

	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}

	if c.MaxDispatchWorkers <= 0 || c.MaxDispatchWorkers > c.MaxConnections {
		c.MaxDispatchWorkers = c.MaxConnections
	}

	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}

	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = DefaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}

	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = DefaultRetryBackoffBase
	}

	// retries with backoff replace long waiting inside the engine
	if c.BusyTimeout == 0 && c.MaxRetries > 0 {
		c.BusyTimeout = DefaultRetryBusyTimeout
	}

	if c.Logger == nil {
		c.Logger = zap.L()
	}

	return &c, nil
}

// Open opens the database file and starts the scheduler.
//
// Ctx is used only for opening the first connection.
func Open(ctx context.Context, config *Config) (*DB, error) {
	c, err := config.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := c.Logger

	sp := c.StateProvider
	if sp == nil {
		if sp, err = state.NewProvider(""); err != nil {
			return nil, fmt.Errorf("failed to construct state provider: %w", err)
		}
	}

	e, err := sqlite.New(&sqlite.NewOpts{
		URI:           c.URI,
		L:             l.Named("sqlite"),
		BusyTimeout:   c.BusyTimeout,
		StateProvider: sp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to construct engine: %w", err)
	}

	p, err := pool.New(ctx, &pool.NewOpts{
		Engine:         e,
		L:              l.Named("pool"),
		MaxConnections: c.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}

	cc := cancel.New(l.Named("cancel"))

	s := scheduler.New(&scheduler.NewOpts{
		Pool:             p,
		Cancel:           cc,
		L:                l.Named("scheduler"),
		TracerProvider:   c.TracerProvider,
		Workers:          c.MaxDispatchWorkers,
		AcquireTimeout:   c.AcquireTimeout,
		MaxRetries:       c.MaxRetries,
		RetryBackoffBase: c.RetryBackoffBase,
	})

	db := &DB{
		config: *c,
		l:      l,
		e:      e,
		p:      p,
		m:      txn.NewManager(p, l.Named("txn")),
		c:      cc,
		s:      s,
		txs:    make(map[*Tx]struct{}),
	}

	settings := db.settings()
	if err = sp.Update(func(st *state.State) { st.Settings = settings }); err != nil {
		l.Warn("Failed to update state.", zap.Error(err))
	}

	l.Info("Pool opened.", zap.String("uri", e.URI()), zap.Any("settings", settings))

	return db, nil
}

// settings returns effective settings for diagnostics.
func (db *DB) settings() map[string]string {
	busyTimeout := db.config.BusyTimeout

	switch {
	case busyTimeout == 0:
		busyTimeout = sqlite.DefaultBusyTimeout
	case busyTimeout < 0:
		busyTimeout = 0
	}

	return map[string]string{
		"max_connections":      strconv.Itoa(db.config.MaxConnections),
		"max_dispatch_workers": strconv.Itoa(db.config.MaxDispatchWorkers),
		"acquire_timeout":      db.config.AcquireTimeout.String(),
		"max_retries":          strconv.Itoa(db.config.MaxRetries),
		"retry_backoff_base":   db.config.RetryBackoffBase.String(),
		"busy_timeout":         busyTimeout.String(),
	}
}

// Close stops the scheduler, rolls back active transactions, and closes all connections.
//
// Queued statements are cancelled; running statements are waited for.
// It is safe to call Close multiple times.
func (db *DB) Close() {
	db.rw.Lock()

	if db.closed {
		db.rw.Unlock()
		return
	}

	db.closed = true
	db.rw.Unlock()

	db.s.Close()

	db.mu.Lock()
	txs := maps.Keys(db.txs)
	db.mu.Unlock()

	for _, tx := range txs {
		db.l.Warn("Rolling back active transaction on close.", zap.String("tx", tx.id))
		tx.finish(tx.tx.Rollback(context.Background()))
	}

	db.p.Close()

	db.l.Info("Pool closed.")
}

// Stats returns a snapshot of pool statistics.
func (db *DB) Stats() *pool.Stats {
	return db.p.Stats()
}

// PendingTasks returns ids of submitted tasks that are not completed yet, sorted.
func (db *DB) PendingTasks() []uuid.UUID {
	return db.c.Pending()
}

// TaskCounts returns the numbers of queued and running tasks.
func (db *DB) TaskCounts() (queued, running int) {
	return db.s.Len()
}

// Describe implements [prometheus.Collector].
func (db *DB) Describe(ch chan<- *prometheus.Desc) {
	db.p.Describe(ch)
	db.s.Describe(ch)
}

// Collect implements [prometheus.Collector].
func (db *DB) Collect(ch chan<- prometheus.Metric) {
	db.p.Collect(ch)
	db.s.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*DB)(nil)
)
