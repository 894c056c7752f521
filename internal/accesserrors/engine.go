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

package accesserrors

import (
	"errors"

	"github.com/FerretDB/litepool/internal/engine"
)

// FromEngine converts an engine error to *Error.
//
// Busy and locked errors become TransactionConflict, broken connection errors become ConnectionBroken,
// and all other errors become QueryError. *Error values are returned as is.
func FromEngine(err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	switch engine.KindOf(err) {
	case engine.KindBusy:
		return NewError(ErrorCodeTransactionConflict, err)
	case engine.KindBroken:
		return NewError(ErrorCodeConnectionBroken, err)
	default:
		return NewError(ErrorCodeQueryError, err)
	}
}
