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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/FerretDB/litepool/internal/util/ctxutil"
)

func init() {
	if !testing.Testing() {
		panic("testutil package must be used only by tests")
	}
}

// Ctx returns test context.
// It is canceled when test is finished or interrupted.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	signalsCtx, signalsStop := ctxutil.SigTerm(context.Background())

	testDone := make(chan struct{})

	tb.Cleanup(func() {
		close(testDone)
	})

	go func() {
		select {
		case <-testDone:
			signalsStop()

		case <-signalsCtx.Done():
			// There is a weird interaction between terminal's process group/session signal handling
			// and this attempt to handle signals gracefully.
			// It may cause tests to continue running in the background
			// while terminal shows command-line prompt already.
			//
			// Panic to surely stop tests.
			panic("Stopping everything")
		}
	}()

	ctx, span := otel.Tracer("").Start(signalsCtx, tb.Name())
	tb.Cleanup(func() {
		span.End()
	})

	return ctx
}

// TempURI returns SQLite URI for a new database file in the test's temporary directory.
//
// Extra query parameters (for example, "_pragma=busy_timeout(0)") are added as is.
func TempURI(tb testing.TB, params ...string) string {
	tb.Helper()

	u := &url.URL{
		Scheme: "file",
		Opaque: filepath.ToSlash(filepath.Join(tb.TempDir(), "test.sqlite")),
	}

	for i, p := range params {
		if i > 0 {
			u.RawQuery += "&"
		}

		u.RawQuery += p
	}

	return u.String()
}
