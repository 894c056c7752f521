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
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

// archiveFile is a single file of the debug archive.
type archiveFile struct {
	file string
	path string
}

// archiveFiles lists the files of the debug archive and the handlers they are fetched from.
var archiveFiles = []archiveFile{
	{file: "metrics.txt", path: metricsPath},
	{file: "logs.txt", path: logsPath},
	{file: "tasks.txt", path: tasksPath},
	{file: "vars.json", path: varsPath},
	{file: "goroutine.pprof", path: pprofPath + "/goroutine"},
	{file: "block.pprof", path: pprofPath + "/block"},
	{file: "mutex.pprof", path: pprofPath + "/mutex"},
	{file: "heap.pprof", path: pprofPath + "/heap?gc=1"},
}

// addToZip adds a new file to the zip archive.
//
// Passed [io.ReadCloser] is always closed.
func addToZip(w *zip.Writer, name string, r io.ReadCloser) (err error) {
	defer func() {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}()

	f, err := w.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Deflate,
	})
	if err != nil {
		return
	}

	_, err = io.Copy(f, r)

	return
}

// filterExpvar removes command-line arguments from /debug/vars output.
func filterExpvar(r io.ReadCloser, l *zap.Logger) io.ReadCloser {
	defer r.Close() //nolint:errcheck // we are only reading it

	var res bytes.Buffer

	var data map[string]any
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		l.Error("Failed to decode expvar.", zap.Error(err))
		return io.NopCloser(&res)
	}

	delete(data, "cmdline")

	e := json.NewEncoder(&res)
	e.SetIndent("", "  ")

	if err := e.Encode(data); err != nil {
		l.Error("Failed to encode expvar.", zap.Error(err))
	}

	return io.NopCloser(&res)
}

// fetch returns the body of the given debug handler path served on host.
func fetch(ctx context.Context, host, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}

	return resp.Body, nil
}

// archiveHandler returns a handler that creates a zip archive with various debug information.
func archiveHandler(l *zap.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		name := fmt.Sprintf("litepool-%s.zip", time.Now().Format("2006-01-02-15-04-05"))

		rw.Header().Set("Content-Type", "application/zip")
		rw.Header().Set("Content-Disposition", "attachment; filename="+name)

		ctx := req.Context()
		zw := zip.NewWriter(rw)
		errs := map[string]error{}

		defer func() {
			files := maps.Keys(errs)
			slices.Sort(files)

			var b bytes.Buffer
			for _, f := range files {
				fmt.Fprintf(&b, "%s: %v\n", f, errs[f])
			}

			if err := addToZip(zw, "errors.txt", io.NopCloser(&b)); err != nil {
				l.Error("Failed to add errors.txt to archive.", zap.Error(err))
			}

			if err := zw.Close(); err != nil {
				l.Error("Failed to close archive.", zap.Error(err))
			}

			l.Info("Debug archive created.", zap.String("name", name))
		}()

		host := ctx.Value(http.LocalAddrContextKey).(net.Addr).String()

		for _, f := range archiveFiles {
			l.Debug("Fetching file for archive.", zap.String("file", f.file), zap.String("path", f.path))

			r, err := fetch(ctx, host, f.path)
			if err == nil {
				if f.path == varsPath {
					r = filterExpvar(r, l)
				}

				err = addToZip(zw, f.file, r)
			}

			errs[f.file] = err
		}
	}
}
