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

// Package engine defines the contract of the underlying single-writer SQL engine.
//
// The access layer treats the engine as an external collaborator:
// each connection executes one statement at a time, synchronously,
// and failures are classified into a few kinds that drive retry and eviction.
package engine

import (
	"context"
)

// Result is a fully materialized result of a single statement.
//
// Rows are read into memory before the connection is returned to the pool.
type Result struct {
	// Columns is nil for statements that do not return rows.
	Columns []string

	Rows [][]any

	// RowsAffected is the number of rows changed by INSERT, UPDATE or DELETE statements.
	RowsAffected int64

	// LastInsertID is the row ID of the last inserted row, if supported by the engine.
	LastInsertID int64
}

// Conn is a single engine connection.
//
// Methods must be called by one goroutine at a time.
// Context passed to Execute should not be canceled while the statement runs;
// the access layer never interrupts statements mid-flight.
type Conn interface {
	// Execute runs a statement with bound parameters.
	// Returned error, if any, should be *Error.
	Execute(ctx context.Context, query string, args ...any) (*Result, error)

	// Ping checks that the connection is still usable.
	Ping(ctx context.Context) error

	// Close closes the connection.
	Close() error
}

// Engine opens connections to a single database.
type Engine interface {
	// Open opens a new connection.
	// Returned error, if any, should be *Error.
	Open(ctx context.Context) (Conn, error)
}
