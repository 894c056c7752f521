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

// Package version provides information about litepool version and build configuration.
//
// # Go build tags
//
// The following Go build tags (also known as build constraints) affect builds of litepool:
//
//	litepool_dev - enables development build (see below; implied by builds with race detector)
//
// # Development builds
//
// Development builds of litepool behave differently in a few aspects:
//   - they are significantly slower;
//   - error contracts are checked and violations cause panics;
//   - stack traces are collected for tracked resources;
//   - metrics are written to stderr on exit;
//   - the default logging level is set to debug.
package version

import (
	"runtime"
	runtimedebug "runtime/debug"
	"strconv"

	"github.com/FerretDB/litepool/internal/util/devbuild"
)

// Info provides details about the current build.
//
//nolint:vet // for readability
type Info struct {
	Version          string
	Commit           string
	Dirty            bool
	Package          string
	DevBuild         bool
	BuildEnvironment map[string]string
}

// info singleton instance set by init().
var info *Info

// unknown is a placeholder for unknown version and commit values.
const unknown = "unknown"

// litepool module path from go.mod.
const litepoolModule = "github.com/FerretDB/litepool"

// Get returns current build's info.
//
// It returns a shared instance without any synchronization.
// If caller needs to modify the instance, it should make sure there is no concurrent accesses.
func Get() *Info {
	return info
}

// readBuildInfo fills info from the Go build information.
//
// Version is known only for builds of a tagged module version (go install ...@vX.Y.Z)
// or for programs that depend on litepool; commit and dirty flag only for builds in the repository.
func readBuildInfo() {
	buildInfo, ok := runtimedebug.ReadBuildInfo()
	if !ok {
		return
	}

	info.BuildEnvironment["go.version"] = buildInfo.GoVersion

	if buildInfo.Main.Path == litepoolModule {
		if v := buildInfo.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}

		for _, s := range buildInfo.Settings {
			if s.Value != "" {
				info.BuildEnvironment[s.Key] = s.Value
			}

			switch s.Key {
			case "vcs.revision":
				info.Commit = s.Value
			case "vcs.modified":
				info.Dirty, _ = strconv.ParseBool(s.Value)
			}
		}

		return
	}

	// embedded use: settings refer to the repository that uses litepool, not litepool itself
	for _, dep := range buildInfo.Deps {
		if dep.Path != litepoolModule {
			continue
		}

		v := dep.Version
		if dep.Replace != nil {
			v = dep.Replace.Version
		}

		if v != "" && v != "(devel)" {
			info.Version = v
		}
	}
}

func init() {
	info = &Info{
		Version:  unknown,
		Commit:   unknown,
		Package:  unknown,
		DevBuild: devbuild.Enabled,
		BuildEnvironment: map[string]string{
			"go.runtime": runtime.Version(),
		},
	}

	readBuildInfo()
}
