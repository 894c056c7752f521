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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/FerretDB/litepool/internal/engine"
)

func TestFromEngine(t *testing.T) {
	t.Parallel()

	orig := errors.New("engine error")

	testCases := map[string]struct {
		err  error
		code ErrorCode
	}{
		"Busy": {
			err:  engine.NewError(engine.KindBusy, orig),
			code: ErrorCodeTransactionConflict,
		},
		"Broken": {
			err:  engine.NewError(engine.KindBroken, orig),
			code: ErrorCodeConnectionBroken,
		},
		"Query": {
			err:  engine.NewError(engine.KindQuery, orig),
			code: ErrorCodeQueryError,
		},
		"Unclassified": {
			err:  orig,
			code: ErrorCodeQueryError,
		},
		"AlreadyConverted": {
			err:  NewError(ErrorCodeCancelled, orig),
			code: ErrorCodeCancelled,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			err := FromEngine(tc.err)
			assert.Equal(t, tc.code, Code(err))
			assert.ErrorIs(t, err, orig)

			CheckError(err)
		})
	}

	assert.NoError(t, FromEngine(nil))
}
