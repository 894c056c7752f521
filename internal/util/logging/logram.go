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

package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap/zapcore"
)

// RecentEntries stores the most recent log entries in memory for the debug handler.
var RecentEntries = newLogRAM(1024)

// logRAM is a ring buffer of log entries.
type logRAM struct {
	mu    sync.RWMutex
	log   []*zapcore.Entry
	index int
}

// newLogRAM creates a ring buffer of the given size.
func newLogRAM(size int) *logRAM {
	if size < 1 {
		panic(fmt.Sprintf("logram size must be at least 1, but %d provided", size))
	}

	return &logRAM{
		log: make([]*zapcore.Entry, size),
	}
}

// append adds entry to the buffer, overwriting the oldest one.
func (l *logRAM) append(entry *zapcore.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log[l.index] = entry
	l.index = (l.index + 1) % len(l.log)
}

// Get returns stored entries from the oldest to the newest.
func (l *logRAM) Get() []*zapcore.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var entries []*zapcore.Entry

	for i := range l.log {
		k := (i + l.index) % len(l.log)

		if l.log[k] != nil {
			entries = append(entries, l.log[k])
		}
	}

	return entries
}
