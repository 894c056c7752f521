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

package litepool

import (
	"github.com/FerretDB/litepool/internal/accesserrors"
	"github.com/FerretDB/litepool/internal/engine"
	"github.com/FerretDB/litepool/internal/pool"
)

// Result represents the result of a single statement.
type Result = engine.Result

// Stats represents pool statistics.
type Stats = pool.Stats

// Error is the type of all errors returned by statements and transactions.
//
// It is never wrapped.
type Error = accesserrors.Error

// ErrorCode represents an error code.
type ErrorCode = accesserrors.ErrorCode

// Error codes.
const (
	ErrorCodePoolTimeout             = accesserrors.ErrorCodePoolTimeout
	ErrorCodePoolExhausted           = accesserrors.ErrorCodePoolExhausted
	ErrorCodeTransactionConflict     = accesserrors.ErrorCodeTransactionConflict
	ErrorCodeQueryError              = accesserrors.ErrorCodeQueryError
	ErrorCodeCancelled               = accesserrors.ErrorCodeCancelled
	ErrorCodeConnectionBroken        = accesserrors.ErrorCodeConnectionBroken
	ErrorCodePoolClosed              = accesserrors.ErrorCodePoolClosed
	ErrorCodeInvalidTransactionState = accesserrors.ErrorCodeInvalidTransactionState
)

// Sentinel errors for use with [errors.Is].
var (
	ErrPoolTimeout             = accesserrors.ErrPoolTimeout
	ErrPoolExhausted           = accesserrors.ErrPoolExhausted
	ErrTransactionConflict     = accesserrors.ErrTransactionConflict
	ErrQueryError              = accesserrors.ErrQueryError
	ErrCancelled               = accesserrors.ErrCancelled
	ErrConnectionBroken        = accesserrors.ErrConnectionBroken
	ErrPoolClosed              = accesserrors.ErrPoolClosed
	ErrInvalidTransactionState = accesserrors.ErrInvalidTransactionState
)

// Code returns the code of [*Error] in err's chain, or 0.
func Code(err error) ErrorCode {
	return accesserrors.Code(err)
}

// ErrorCodeIs returns true if err is [*Error] with one of the given error codes.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	return accesserrors.ErrorCodeIs(err, code, codes...)
}
