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

// Package ctxutil provides context helpers.
package ctxutil

import (
	"context"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// maxBackoffFactor limits exponential growth of DurationWithJitter relative to base.
const maxBackoffFactor = 1 << 10

// SigTerm returns a copy of the parent context that is canceled
// when the process receives SIGTERM or SIGINT (interrupt), or when stop is called.
func SigTerm(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, os.Interrupt)
}

// Sleep pauses the current goroutine until d has passed or ctx is canceled.
func Sleep(ctx context.Context, d time.Duration) {
	sleepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	<-sleepCtx.Done()
}

// DurationWithJitter returns an exponential backoff duration for the given retry attempt
// (starting from 1) with random jitter.
//
// The backoff before jitter is base * 2^(retry-1), limited by base * 1024.
// The returned value is in the [backoff/2, backoff] range, so it is never zero for positive base.
//
// Math/rand is good enough because we don't need the randomness to be cryptographically secure.
func DurationWithJitter(base time.Duration, retry int64) time.Duration {
	if base <= 0 {
		panic("base must be positive")
	}

	if retry < 1 {
		retry = 1
	}

	factor := int64(maxBackoffFactor)
	if retry <= 10 {
		factor = int64(1) << (retry - 1)
	}

	backoff := base * time.Duration(factor)
	half := backoff / 2

	return half + rand.N(backoff-half+1)
}

// SleepWithJitter pauses the current goroutine for DurationWithJitter(base, retry) or until ctx is canceled.
func SleepWithJitter(ctx context.Context, base time.Duration, retry int64) {
	Sleep(ctx, DurationWithJitter(base, retry))
}
