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

// Package sqlite provides the SQLite engine implementation on top of modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/util/fsql"
	"github.com/FerretDB/litepool/internal/util/lazyerrors"
	"github.com/FerretDB/litepool/internal/util/observability"
	"github.com/FerretDB/litepool/internal/util/state"
)

// driverName is the name of modernc.org/sqlite's database/sql driver.
const driverName = "sqlite"

// DefaultBusyTimeout is the SQLite busy timeout used when the URI does not set one.
const DefaultBusyTimeout = 5 * time.Second

// NewOpts represents engine configuration.
type NewOpts struct {
	URI string
	L   *zap.Logger

	// BusyTimeout is used only if URI does not contain busy_timeout pragma.
	// Zero value means DefaultBusyTimeout; negative value disables waiting.
	BusyTimeout time.Duration

	// StateProvider, if set, receives the detected SQLite version.
	StateProvider *state.Provider
}

// Engine opens connections to a single SQLite database file.
//
//nolint:vet // for readability
type Engine struct {
	uri *url.URL
	l   *zap.Logger
	sp  *state.Provider

	opened        atomic.Int64
	versionStored atomic.Bool
}

// New validates the URI and creates a new engine.
//
// No connections are opened; the database file is created by the first [Engine.Open] call if needed.
func New(opts *NewOpts) (*Engine, error) {
	busyTimeout := opts.BusyTimeout

	switch {
	case busyTimeout == 0:
		busyTimeout = DefaultBusyTimeout
	case busyTimeout < 0:
		busyTimeout = 0
	}

	uri, err := parseURI(opts.URI, busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQLite URI %q: %s", opts.URI, err)
	}

	l := opts.L
	if l == nil {
		l = zap.L()
	}

	return &Engine{
		uri: uri,
		l:   l,
		sp:  opts.StateProvider,
	}, nil
}

// URI returns the effective SQLite URI, with default pragmas added.
func (e *Engine) URI() string {
	return e.uri.String()
}

// Open implements [engine.Engine].
func (e *Engine) Open(ctx context.Context) (engine.Conn, error) {
	defer observability.FuncCall(ctx)()

	n := e.opened.Add(1)
	name := "conn-" + strconv.FormatInt(n, 10)

	c, err := fsql.OpenConn(ctx, driverName, e.uri.String(), name, e.l)
	if err != nil {
		return nil, classify(lazyerrors.Error(err))
	}

	// check that the file is usable and all pragmas are applied
	if err = c.PingContext(ctx); err != nil {
		_ = c.Close()
		return nil, classify(lazyerrors.Error(err))
	}

	e.storeVersion(ctx, c)

	e.l.Debug("Connection opened.", zap.String("name", name))

	return &conn{c: c}, nil
}

// storeVersion records SQLite version in the state provider once.
func (e *Engine) storeVersion(ctx context.Context, c *fsql.Conn) {
	if e.sp == nil || e.versionStored.Load() {
		return
	}

	_, rows, err := c.QueryAll(ctx, "SELECT sqlite_version()")
	if err != nil || len(rows) != 1 {
		e.l.Error("Failed to query SQLite version.", zap.Error(err))
		return
	}

	v, _ := rows[0][0].(string)

	if err = e.sp.Update(func(s *state.State) {
		s.EngineVersion = "SQLite " + v
	}); err != nil {
		e.l.Error("Failed to update state.", zap.Error(err))
	}

	e.versionStored.Store(true)
}

// conn implements [engine.Conn].
type conn struct {
	c *fsql.Conn
}

// Execute implements [engine.Conn].
func (c *conn) Execute(ctx context.Context, query string, args ...any) (*engine.Result, error) {
	if fsql.ReturnsRows(query) {
		columns, rows, err := c.c.QueryAll(ctx, query, args...)
		if err != nil {
			return nil, classify(err)
		}

		return &engine.Result{
			Columns: columns,
			Rows:    rows,
		}, nil
	}

	res, err := c.c.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}

	// modernc.org/sqlite never returns errors there
	ra, _ := res.RowsAffected()
	id, _ := res.LastInsertId()

	return &engine.Result{
		RowsAffected: ra,
		LastInsertID: id,
	}, nil
}

// Ping implements [engine.Conn].
func (c *conn) Ping(ctx context.Context) error {
	if err := c.c.PingContext(ctx); err != nil {
		return classify(err)
	}

	return nil
}

// Close implements [engine.Conn].
func (c *conn) Close() error {
	return c.c.Close()
}

// classify wraps SQLite error into [*engine.Error] of the appropriate kind.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return engine.NewError(engine.KindBroken, err)
	}

	var e *sqlite.Error
	if !errors.As(err, &e) {
		return engine.NewError(engine.KindQuery, err)
	}

	// extended result codes are enabled by the driver
	switch e.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return engine.NewError(engine.KindBusy, err)

	case sqlitelib.SQLITE_CORRUPT, sqlitelib.SQLITE_NOTADB, sqlitelib.SQLITE_IOERR, sqlitelib.SQLITE_CANTOPEN:
		return engine.NewError(engine.KindBroken, err)

	default:
		return engine.NewError(engine.KindQuery, err)
	}
}

// check interfaces
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Conn   = (*conn)(nil)
)
