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

//go:build unix

package state

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// newProviderDirErr adds process user, permissions, and ownership details to the state file access error.
//
// If the file does not exist, its directory is described instead.
func newProviderDirErr(f string, err error) error {
	var extra []string

	if u, _ := user.Current(); u != nil {
		var group string
		if g, _ := user.LookupGroupId(u.Gid); g != nil {
			group = g.Name
		}

		extra = append(extra, fmt.Sprintf("running as %s:%s/%s:%s", u.Username, group, u.Uid, u.Gid))
	}

	for _, p := range []string{f, filepath.Dir(f)} {
		fi, _ := os.Stat(p)
		if fi == nil {
			continue
		}

		extra = append(extra, fmt.Sprintf("%s permissions are %s", p, fi.Mode().String()))

		if s, _ := fi.Sys().(*unix.Stat_t); s != nil {
			extra = append(extra, fmt.Sprintf("owned by %s", owner(s.Uid, s.Gid)))
		}

		break
	}

	if extra == nil {
		return err
	}

	return fmt.Errorf("%w (%s)", err, strings.Join(extra, ", "))
}

// owner returns user:group/uid:gid description.
func owner(uid, gid uint32) string {
	var username, group string

	if u, _ := user.LookupId(strconv.FormatUint(uint64(uid), 10)); u != nil {
		username = u.Username
	}

	if g, _ := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); g != nil {
		group = g.Name
	}

	return fmt.Sprintf("%s:%s/%d:%d", username, group, uid, gid)
}
