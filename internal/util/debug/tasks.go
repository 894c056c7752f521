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

package debug

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// TaskLister provides tracked tasks for diagnostics.
type TaskLister interface {
	// PendingTasks returns ids of all tracked tasks, sorted.
	PendingTasks() []uuid.UUID

	// TaskCounts returns the numbers of pending and running tasks.
	TaskCounts() (pending, running int)
}

// tasksHandler returns a handler that writes tracked tasks as plain text.
func tasksHandler(tl TaskLister) http.HandlerFunc {
	return func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if tl == nil {
			_, _ = fmt.Fprintln(rw, "no task lister")
			return
		}

		pending, running := tl.TaskCounts()
		_, _ = fmt.Fprintf(rw, "pending: %d\nrunning: %d\n", pending, running)

		for _, id := range tl.PendingTasks() {
			_, _ = fmt.Fprintln(rw, id)
		}
	}
}
