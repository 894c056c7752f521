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

// Package fsql provides [database/sql] utilities.
package fsql

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/FerretDB/litepool/internal/util/lazyerrors"
	"github.com/FerretDB/litepool/internal/util/observability"
	"github.com/FerretDB/litepool/internal/util/resource"
)

// Conn wraps a single dedicated [*database/sql.Conn] with logging, tracing, and resource tracking.
//
// Each Conn owns its own [*database/sql.DB] limited to one connection,
// so closing Conn really closes the underlying driver connection (and database file handle).
// Conn is not safe for concurrent use.
type Conn struct {
	sqlDB   *sql.DB
	sqlConn *sql.Conn
	l       *zap.Logger
	token   *resource.Token
}

// OpenConn opens a new database handle for the given driver and data source name,
// and checks out its only connection.
//
// Logger (that will be named) is used for query logging.
func OpenConn(ctx context.Context, driverName, dsn, name string, l *zap.Logger) (*Conn, error) {
	defer observability.FuncCall(ctx)()

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	sqlConn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	res := &Conn{
		sqlDB:   db,
		sqlConn: sqlConn,
		l:       l.Named(name),
		token:   resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res, nil
}

// Close closes the connection and its database handle.
func (c *Conn) Close() error {
	resource.Untrack(c, c.token)

	err := c.sqlConn.Close()

	if e := c.sqlDB.Close(); err == nil {
		err = e
	}

	return err
}

// PingContext calls [*sql.Conn.PingContext].
func (c *Conn) PingContext(ctx context.Context) error {
	defer observability.FuncCall(ctx)()

	return c.sqlConn.PingContext(ctx)
}

// QueryAll calls [*sql.Conn.QueryContext] and reads all rows into memory.
//
// Returned rows contain values as returned by the driver.
func (c *Conn) QueryAll(ctx context.Context, query string, args ...any) ([]string, [][]any, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	columns, rows, err := c.queryAll(ctx, query, args...)

	fields = append(fields, zap.Int("rows", len(rows)), zap.Duration("time", time.Since(start)), zap.Error(err))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return columns, rows, err
}

// queryAll implements QueryAll without logging.
func (c *Conn) queryAll(ctx context.Context, query string, args ...any) ([]string, [][]any, error) {
	rows, err := c.sqlConn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}

	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var res [][]any

	for rows.Next() {
		dest := make([]any, len(columns))
		ptrs := make([]any, len(columns))

		for i := range dest {
			ptrs[i] = &dest[i]
		}

		if err = rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}

		res = append(res, dest)
	}

	if err = rows.Err(); err != nil {
		return nil, nil, err
	}

	return columns, res, nil
}

// ExecContext calls [*sql.Conn.ExecContext].
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	res, err := c.sqlConn.ExecContext(ctx, query, args...)

	// to differentiate between 0 and nil
	var ra *int64

	if res != nil {
		rav, _ := res.RowsAffected()
		ra = &rav
	}

	fields = append(fields, zap.Int64p("rows", ra), zap.Duration("time", time.Since(start)), zap.Error(err))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return res, err
}
