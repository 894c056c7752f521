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

// Package debug provides debug facilities.
package debug

import (
	"bytes"
	"context"
	_ "expvar" // for metrics
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // for profiling
	"slices"
	"text/template"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/litepool/internal/util/lazyerrors"
	"github.com/FerretDB/litepool/internal/util/must"
)

// Paths.
const (
	graphsPath  = "/debug/graphs"
	metricsPath = "/debug/metrics"
	logsPath    = "/debug/logs"
	tasksPath   = "/debug/tasks"
	startedPath = "/debug/started"
	archivePath = "/debug/archive"
	varsPath    = "/debug/vars"
	pprofPath   = "/debug/pprof"
)

// Handler represents debug handler.
type Handler struct {
	opts *ListenOpts
	lis  net.Listener
	srv  *http.Server
}

// ListenOpts represents [Listen] options.
type ListenOpts struct {
	TCPAddr string
	L       *zap.Logger
	R       prometheus.GathererRegisterer

	// Started is closed when the pool is open and ready to accept submissions.
	Started <-chan struct{}

	// Tasks, if set, is used to list tracked tasks.
	Tasks TaskLister
}

// Listen creates a new debug handler and starts listener on the given TCP address.
//
// It uses [http.DefaultServeMux] for stdlib handlers; only one handler may exist in the process.
func Listen(opts *ListenOpts) (*Handler, error) {
	stdL := must.NotFail(zap.NewStdLogAt(opts.L, zap.WarnLevel))

	g := newGatherer(opts.R, opts.L.Named("gatherer"))

	http.Handle(metricsPath, promhttp.InstrumentMetricHandler(
		opts.R, promhttp.HandlerFor(g, promhttp.HandlerOpts{
			ErrorLog:          stdL,
			ErrorHandling:     promhttp.ContinueOnError,
			Registry:          opts.R,
			EnableOpenMetrics: true,
		}),
	))

	plots, err := poolPlots(g)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	svOpts := []statsviz.Option{statsviz.Root(graphsPath)}
	for _, p := range plots {
		svOpts = append(svOpts, statsviz.TimeseriesPlot(p))
	}

	if err = statsviz.Register(http.DefaultServeMux, svOpts...); err != nil {
		return nil, lazyerrors.Error(err)
	}

	http.HandleFunc(startedPath, func(rw http.ResponseWriter, _ *http.Request) {
		if opts.Started == nil {
			rw.WriteHeader(http.StatusInternalServerError)
			return
		}

		select {
		case <-opts.Started:
			rw.WriteHeader(http.StatusOK)
		default:
			rw.WriteHeader(http.StatusInternalServerError)
		}
	})

	http.HandleFunc(logsPath, logsHandler)
	http.HandleFunc(tasksPath, tasksHandler(opts.Tasks))
	http.HandleFunc(archivePath, archiveHandler(opts.L))

	handlers := map[string]string{
		// custom handlers registered above
		graphsPath:  "Visualize metrics",
		metricsPath: "Metrics in Prometheus format",
		logsPath:    "Recent log entries",
		tasksPath:   "Tracked tasks",
		startedPath: "Startup probe",
		archivePath: "Zip archive with debugging information",

		// stdlib handlers
		varsPath:  "Expvar package metrics",
		pprofPath: "Runtime profiling data for pprof",
	}

	var page bytes.Buffer
	must.NoError(template.Must(template.New("debug").Parse(`
	<html>
	<body>
	<ul>
	{{range $path, $desc := .}}
		<li><a href="{{$path}}">{{$path}}</a>: {{$desc}}</li>
	{{end}}
	</ul>
	</body>
	</html>
	`)).Execute(&page, handlers))

	http.HandleFunc("/debug", func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write(page.Bytes())
	})

	http.HandleFunc("/", func(rw http.ResponseWriter, req *http.Request) {
		http.Redirect(rw, req, "/debug", http.StatusSeeOther)
	})

	lis, err := net.Listen("tcp", opts.TCPAddr)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	root := fmt.Sprintf("http://%s", lis.Addr())

	paths := maps.Keys(handlers)
	slices.Sort(paths)

	for _, path := range paths {
		opts.L.Sugar().Infof("%s%s - %s", root, path, handlers[path])
	}

	return &Handler{
		opts: opts,
		lis:  lis,
		srv: &http.Server{
			ErrorLog: stdL,
		},
	}, nil
}

// Addr returns the listener address.
func (h *Handler) Addr() net.Addr {
	return h.lis.Addr()
}

// Serve runs debug handler until ctx is canceled.
//
// It exits when handler is stopped and listener closed.
func (h *Handler) Serve(ctx context.Context) {
	h.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	h.opts.L.Sugar().Infof("Starting debug server on http://%s ...", h.lis.Addr())

	go func() {
		if err := h.srv.Serve(h.lis); !errors.Is(err, http.ErrServerClosed) {
			h.opts.L.DPanic("Debug server stopped unexpectedly.", zap.Error(err))
		}
	}()

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()

	_ = h.srv.Shutdown(stopCtx) //nolint:contextcheck // use new context for cancellation
	_ = h.srv.Close()

	h.opts.L.Sugar().Info("Debug server stopped.")
}
