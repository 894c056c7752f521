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

package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// parseURI checks given SQLite URI and returns a parsed form with default pragmas added.
//
// URI should contain 'file' scheme and point to a database file (existing or not)
// in an existing directory.
// In-memory and shared cache databases are not supported:
// the access layer relies on the engine's file locking between separate connections.
func parseURI(u string, busyTimeout time.Duration) (*url.URL, error) {
	uri, err := url.Parse(u)
	if err != nil {
		return nil, err
	}

	if err = checkURI(uri); err != nil {
		return nil, err
	}

	setDefaultPragmas(uri, busyTimeout)

	return uri, nil
}

// checkURI checks given URI and normalizes its path.
func checkURI(uri *url.URL) error {
	if uri.Scheme != "file" {
		return fmt.Errorf(`expected "file:" schema, got %q`, uri.Scheme)
	}

	if uri.User != nil {
		return fmt.Errorf(`expected empty user info, got %q`, uri.User)
	}

	if uri.Host != "" {
		return fmt.Errorf(`expected empty host, got %q`, uri.Host)
	}

	if uri.Path == "" && uri.Opaque != "" {
		uri.Path = uri.Opaque
	}
	uri.Opaque = uri.Path
	uri.RawPath = ""
	uri.OmitHost = true

	q := uri.Query()

	if q.Get("mode") == "memory" {
		return fmt.Errorf("in-memory database is not supported")
	}

	if q.Get("cache") == "shared" {
		return fmt.Errorf("shared cache is not supported")
	}

	if uri.Path == "" {
		return fmt.Errorf("expected database file path, got empty path")
	}

	if strings.HasSuffix(uri.Path, "/") {
		return fmt.Errorf("expected database file path, got directory %q", uri.Path)
	}

	fi, err := os.Stat(uri.Path)

	switch {
	case err == nil:
		if fi.IsDir() {
			return fmt.Errorf("expected database file path, got directory %q", uri.Path)
		}

	case errors.Is(err, fs.ErrNotExist):
		dir := filepath.Dir(uri.Path)
		if fi, err = os.Stat(dir); err != nil {
			return fmt.Errorf("%q should be an existing directory, got %s", dir, err)
		}

		if !fi.IsDir() {
			return fmt.Errorf("%q should be an existing directory, got file", dir)
		}

	default:
		return err
	}

	return nil
}

// setDefaultPragmas adds busy_timeout and journal_mode pragmas if they are not set already.
func setDefaultPragmas(uri *url.URL, busyTimeout time.Duration) {
	values := uri.Query()

	var busySet, journalSet bool

	for _, p := range values["_pragma"] {
		p = strings.ToLower(strings.TrimSpace(p))

		switch {
		case strings.HasPrefix(p, "busy_timeout"):
			busySet = true
		case strings.HasPrefix(p, "journal_mode"):
			journalSet = true
		}
	}

	if !busySet {
		values.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	}

	if !journalSet {
		values.Add("_pragma", "journal_mode(wal)")
	}

	uri.RawQuery = values.Encode()
}
