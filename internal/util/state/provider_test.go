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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	t.Parallel()

	t.Run("Get", func(t *testing.T) {
		t.Parallel()

		filename := filepath.Join(t.TempDir(), "state.json")
		p1, err := NewProvider(filename)
		require.NoError(t, err)

		s1 := p1.Get()
		assert.NotZero(t, s1.UUID)
		assert.NotZero(t, s1.Start)

		s2 := p1.Get()
		assert.Equal(t, s1, s2)
		assert.NotSame(t, s1, s2)

		p2, err := NewProvider(filename)
		require.NoError(t, err)

		// only UUID is persisted
		s3 := p2.Get()
		assert.Equal(t, s1.UUID, s3.UUID)

		require.NoError(t, os.Remove(filename))

		p3, err := NewProvider(filename)
		require.NoError(t, err)

		s4 := p3.Get()
		assert.NotZero(t, s4.UUID)
		assert.NotEqual(t, s1.UUID, s4.UUID)
	})

	t.Run("Update", func(t *testing.T) {
		t.Parallel()

		p, err := NewProvider("")
		require.NoError(t, err)

		err = p.Update(func(s *State) {
			s.EngineVersion = "3.44.0"
			s.Settings = map[string]string{"maxConnections": "4"}
			s.UUID = "invalid"
		})
		require.NoError(t, err)

		s := p.Get()
		assert.Equal(t, "3.44.0", s.EngineVersion)
		assert.Equal(t, "4", s.Settings["maxConnections"])
		assert.NotEqual(t, "invalid", s.UUID, "invalid UUID should be regenerated")

		s.Settings["maxConnections"] = "8"
		assert.Equal(t, "4", p.Get().Settings["maxConnections"], "Get should return a deep copy")
	})

	t.Run("Metrics", func(t *testing.T) {
		t.Parallel()

		p, err := NewProvider("")
		require.NoError(t, err)

		assert.Equal(t, 1, testutil.CollectAndCount(p.MetricsCollector(true), "litepool_up"))
	})
}
