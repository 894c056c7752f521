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

// Package accesserrors provides the closed set of errors returned by the access layer.
//
// Every error delivered to a caller (through a future, a transaction method, or a pool method)
// is either nil or *Error with one of the codes below.
// *Error values are never wrapped by the access layer itself.
package accesserrors

import (
	"errors"
	"fmt"
	"slices"

	"github.com/FerretDB/litepool/internal/util/devbuild"
)

//go:generate ../../bin/stringer -linecomment -type ErrorCode

// ErrorCode represents an access layer error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	// No pool slot became available before the deadline; the caller may retry later.
	ErrorCodePoolTimeout // PoolTimeout

	// The pool can't produce a healthy connection at all.
	ErrorCodePoolExhausted // PoolExhausted

	// Transient lock contention caused by the single-writer rule.
	ErrorCodeTransactionConflict // TransactionConflict

	// The engine rejected the operation.
	ErrorCodeQueryError // QueryError

	// The task was cancelled (explicitly or by deadline) before or during execution.
	ErrorCodeCancelled // Cancelled

	// The engine connection is corrupted; it was evicted from the pool.
	ErrorCodeConnectionBroken // ConnectionBroken

	// The pool or scheduler was closed.
	ErrorCodePoolClosed // PoolClosed

	// Nested begin, or an operation on a committed or rolled back transaction.
	ErrorCodeInvalidTransactionState // InvalidTransactionState
)

// Error represents an access layer error.
type Error struct {
	// Underlying error, kept for debugging; may be nil.
	err error

	code ErrorCode
}

// NewError creates a new access layer error.
//
// Code must not be 0. Err may be nil.
func NewError(code ErrorCode, err error) *Error {
	if code == 0 {
		panic("accesserrors.NewError: code must not be 0")
	}

	return &Error{
		code: code,
		err:  err,
	}
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Error implements error interface.
func (e *Error) Error() string {
	if e.err == nil {
		return e.code.String()
	}

	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap returns the underlying error, if any.
//
// It allows callers to check, for example, errors.Is(err, context.DeadlineExceeded)
// for cancelled tasks.
func (e *Error) Unwrap() error {
	return e.err
}

// Is returns true if target is *Error without underlying error and with the same code.
//
// That allows using sentinel values like ErrPoolTimeout with [errors.Is].
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error) //nolint:errorlint // only direct comparison with sentinels
	if !ok || t.err != nil {
		return false
	}

	return e.code == t.code
}

// Sentinel errors for use with [errors.Is].
var (
	ErrPoolTimeout             = NewError(ErrorCodePoolTimeout, nil)
	ErrPoolExhausted           = NewError(ErrorCodePoolExhausted, nil)
	ErrTransactionConflict     = NewError(ErrorCodeTransactionConflict, nil)
	ErrQueryError              = NewError(ErrorCodeQueryError, nil)
	ErrCancelled               = NewError(ErrorCodeCancelled, nil)
	ErrConnectionBroken        = NewError(ErrorCodeConnectionBroken, nil)
	ErrPoolClosed              = NewError(ErrorCodePoolClosed, nil)
	ErrInvalidTransactionState = NewError(ErrorCodeInvalidTransactionState, nil)
)

// Code returns the code of *Error in err's chain, or 0.
func Code(err error) ErrorCode {
	var e *Error
	if !errors.As(err, &e) {
		return 0
	}

	return e.code
}

// ErrorCodeIs returns true if err is (or wraps) *Error with one of the given error codes.
//
// At least one error code must be given.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	c := Code(err)
	if c == 0 {
		return false
	}

	return c == code || slices.Contains(codes, c)
}

// Retryable returns true if the operation that failed with err may be retried automatically.
//
// Only transient lock contention is retryable.
func Retryable(err error) bool {
	return ErrorCodeIs(err, ErrorCodeTransactionConflict)
}

// CheckError enforces the error contract of the access layer.
//
// Err must be nil or *Error that is not wrapped,
// with a non-zero code that is one of the given codes (if any are given).
// If that's not the case, CheckError panics in development builds.
//
// It does nothing in other builds.
func CheckError(err error, codes ...ErrorCode) {
	if !devbuild.Enabled {
		return
	}

	if err == nil {
		return
	}

	e, ok := err.(*Error) //nolint:errorlint // do not inspect error chain
	if !ok {
		panic(fmt.Sprintf("error should be *accesserrors.Error and should not be wrapped: %v", err))
	}

	if e.code == 0 {
		panic(fmt.Sprintf("error code is 0: %v", err))
	}

	if len(codes) > 0 && !slices.Contains(codes, e.code) {
		panic(fmt.Sprintf("error code is not in %v: %v", codes, err))
	}
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
