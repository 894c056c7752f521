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

package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors.
type ErrorKind int

// Engine error kinds.
const (
	_ ErrorKind = iota

	// KindQuery means the engine rejected the statement; the connection is fine.
	KindQuery

	// KindBusy means the database is busy or locked by another writer; the statement may be retried.
	KindBusy

	// KindBroken means the connection (or the database file) can't be used anymore.
	KindBroken
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindQuery:
		return "query"
	case KindBusy:
		return "busy"
	case KindBroken:
		return "broken"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a classified engine error.
type Error struct {
	err  error
	kind ErrorKind
}

// NewError creates a new classified engine error.
func NewError(kind ErrorKind, err error) *Error {
	if kind == 0 {
		panic("engine.NewError: kind must not be 0")
	}

	if err == nil {
		panic("engine.NewError: err must not be nil")
	}

	return &Error{
		err:  err,
		kind: kind,
	}
}

// Kind returns the error kind.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Error implements error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

// Unwrap returns the original driver error.
func (e *Error) Unwrap() error {
	return e.err
}

// KindOf returns the kind of *Error in err's chain.
//
// Unclassified errors are treated as KindQuery; nil error returns 0.
func KindOf(err error) ErrorKind {
	if err == nil {
		return 0
	}

	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}

	return KindQuery
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
