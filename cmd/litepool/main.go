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

// Command litepool runs a configurable load against a SQLite database file
// through the concurrent access layer and reports the results.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/FerretDB/litepool/build/version"
	"github.com/FerretDB/litepool/internal/util/ctxutil"
	"github.com/FerretDB/litepool/internal/util/debug"
	"github.com/FerretDB/litepool/internal/util/devbuild"
	"github.com/FerretDB/litepool/internal/util/logging"
	"github.com/FerretDB/litepool/internal/util/must"
	"github.com/FerretDB/litepool/internal/util/observability"
	"github.com/FerretDB/litepool/internal/util/state"
	"github.com/FerretDB/litepool/litepool"
)

// The cli struct represents all command-line commands, fields and flags.
// It's used for parsing the user input.
//
//nolint:lll // some tags are long
var cli struct {
	Version  bool   `default:"false"                    help:"Print version to stdout and exit." env:"-"`
	URI      string `default:"file:data/litepool.sqlite" help:"SQLite database URI."`
	StateDir string `default:"."                        help:"Process state directory."`

	DebugAddr string `default:"127.0.0.1:8088" help:"Listen address for HTTP handlers for metrics, pprof, etc."`

	Pool struct {
		MaxConnections   int           `default:"4"     help:"Maximum number of open connections."`
		Workers          int           `default:"0"     help:"Number of dispatch workers (0 means the number of connections)."`
		AcquireTimeout   time.Duration `default:"5s"    help:"Maximum time to wait for a connection."`
		MaxRetries       int           `default:"5"     help:"Retries on transaction conflict (negative disables retries)."`
		RetryBackoffBase time.Duration `default:"10ms"  help:"Base delay between retries."`
		BusyTimeout      time.Duration `default:"0s"    help:"SQLite busy timeout (0 means 250ms with retries and 5s without, negative disables waiting)."`
	} `embed:"" prefix:"pool-"`

	Bench struct {
		Duration  time.Duration `default:"10s"   help:"Load duration."`
		Rate      float64       `default:"1000"  help:"Maximum operations per second (0 means unlimited)."`
		Readers   int           `default:"4"     help:"Number of concurrent readers."`
		Writers   int           `default:"2"     help:"Number of concurrent independent writers."`
		TxWriters int           `default:"1"     help:"Number of concurrent transactional writers."`
		TxSize    int           `default:"10"    help:"Number of inserts per transaction."`
		Deadline  time.Duration `default:"0s"    help:"Per-operation deadline (0 means none)."`
	} `embed:"" prefix:"bench-"`

	Log struct {
		Level  string `default:"${default_log_level}" help:"${help_log_level}"`
		Format string `default:"console"              help:"${help_log_format}"                     enum:"${enum_log_format}"`
		UUID   bool   `default:"false"                help:"Add instance UUID to all log messages." negatable:""`
	} `embed:"" prefix:"log-"`

	MetricsUUID bool `default:"false" help:"Add instance UUID to all metrics." negatable:""`

	OTel struct {
		Traces struct {
			URL string `default:"" help:"OpenTelemetry OTLP/HTTP traces endpoint (host:port)."`
		} `embed:"" prefix:"traces-"`
	} `embed:"" prefix:"otel-"`
}

// Additional variables for the kong parsers.
var kongOptions = []kong.Option{
	kong.Vars{
		"default_log_level": logging.DefaultLevel().String(),

		"enum_log_format": strings.Join(logging.Formats, ","),

		"help_log_format": fmt.Sprintf("Log format: '%s'.", strings.Join(logging.Formats, "', '")),
		"help_log_level":  fmt.Sprintf("Log level: '%s'.", strings.Join(logging.Levels, "', '")),
	},
	kong.DefaultEnvars("LITEPOOL"),
}

func main() {
	kong.Parse(&cli, kongOptions...)

	run()
}

// setupState setups state provider.
func setupState() *state.Provider {
	var f string

	// https://github.com/alecthomas/kong/issues/389
	if cli.StateDir != "" && cli.StateDir != "-" {
		var err error
		if f, err = filepath.Abs(filepath.Join(cli.StateDir, "state.json")); err != nil {
			log.Fatalf("Failed to get path for state file: %s.", err)
		}
	}

	sp, err := state.NewProvider(f)
	if err != nil {
		log.Fatalf("Failed to create state provider: %s.", err)
	}

	return sp
}

// setupMetrics setups Prometheus metrics registerer with some metrics.
func setupMetrics(stateProvider *state.Provider) prometheus.Registerer {
	r := prometheus.DefaultRegisterer
	m := stateProvider.MetricsCollector(true)

	// we don't do it by default due to
	// https://prometheus.io/docs/instrumenting/writing_exporters/#target-labels-not-static-scraped-labels
	if cli.MetricsUUID {
		r = prometheus.WrapRegistererWith(
			prometheus.Labels{"uuid": stateProvider.Get().UUID},
			prometheus.DefaultRegisterer,
		)
		m = stateProvider.MetricsCollector(false)
	}

	r.MustRegister(m)

	return r
}

// setupLogger setups zap logger.
func setupLogger(stateProvider *state.Provider) *zap.Logger {
	info := version.Get()

	startupFields := []zap.Field{
		zap.String("version", info.Version),
		zap.String("commit", info.Commit),
		zap.Bool("dirty", info.Dirty),
		zap.String("package", info.Package),
		zap.Bool("devBuild", info.DevBuild),
		zap.Any("buildEnvironment", info.BuildEnvironment),
	}
	logUUID := stateProvider.Get().UUID

	// Similarly to Prometheus, unless requested, don't add UUID to all messages, but log it once at startup.
	if !cli.Log.UUID {
		startupFields = append(startupFields, zap.String("uuid", logUUID))
		logUUID = ""
	}

	level, err := zapcore.ParseLevel(cli.Log.Level)
	if err != nil {
		log.Fatal(err)
	}

	l := logging.Setup(level, cli.Log.Format, logUUID)

	l.Info("Starting litepool "+info.Version+"...", startupFields...)

	if devbuild.Enabled {
		l.Info("This is development build. The performance will be affected.")
	}

	return l
}

// dumpMetrics dumps all Prometheus metrics to stderr.
func dumpMetrics() {
	mfs := must.NotFail(prometheus.DefaultGatherer.Gather())

	for _, mf := range mfs {
		must.NotFail(expfmt.MetricFamilyToText(os.Stderr, mf))
	}
}

// run sets up environment based on provided flags and runs the load.
func run() {
	// to increase a chance of resource cleanups to spot problems
	if devbuild.Enabled {
		defer func() {
			runtime.GC()
			runtime.GC()
		}()
	}

	info := version.Get()

	if cli.Version {
		fmt.Fprintln(os.Stdout, "version:", info.Version)
		fmt.Fprintln(os.Stdout, "commit:", info.Commit)
		fmt.Fprintln(os.Stdout, "dirty:", info.Dirty)
		fmt.Fprintln(os.Stdout, "package:", info.Package)
		fmt.Fprintln(os.Stdout, "devBuild:", info.DevBuild)

		return
	}

	// safe to always enable
	runtime.SetBlockProfileRate(10000)

	stateProvider := setupState()

	metricsRegisterer := setupMetrics(stateProvider)

	logger := setupLogger(stateProvider)

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf)); err != nil {
		logger.Sugar().Warnf("Failed to set GOMAXPROCS: %s.", err)
	}

	shutdownOtel, err := observability.SetupOtel("litepool", cli.OTel.Traces.URL)
	if err != nil {
		logger.Sugar().Fatalf("Failed to setup OpenTelemetry: %s.", err)
	}

	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Warn("Failed to shutdown OpenTelemetry.", zap.Error(err))
		}
	}()

	ctx, stop := ctxutil.SigTerm(context.Background())

	go func() {
		<-ctx.Done()
		logger.Info("Stopping...")
		stop()
	}()

	var wg sync.WaitGroup

	started := make(chan struct{})

	db, err := litepool.Open(ctx, &litepool.Config{
		URI:                cli.URI,
		MaxConnections:     cli.Pool.MaxConnections,
		MaxDispatchWorkers: cli.Pool.Workers,
		AcquireTimeout:     cli.Pool.AcquireTimeout,
		MaxRetries:         cli.Pool.MaxRetries,
		RetryBackoffBase:   cli.Pool.RetryBackoffBase,
		BusyTimeout:        cli.Pool.BusyTimeout,
		Logger:             logger.Named("litepool"),
		StateProvider:      stateProvider,
	})
	if err != nil {
		logger.Sugar().Fatalf("Failed to open pool: %s.", err)
	}

	metricsRegisterer.MustRegister(db)

	// https://github.com/alecthomas/kong/issues/389
	if cli.DebugAddr != "" && cli.DebugAddr != "-" {
		h, err := debug.Listen(&debug.ListenOpts{
			TCPAddr: cli.DebugAddr,
			L:       logger.Named("debug"),
			R:       prometheus.DefaultRegisterer.(prometheus.GathererRegisterer),
			Started: started,
			Tasks:   db,
		})
		if err != nil {
			logger.Sugar().Fatalf("Failed to create debug handler: %s.", err)
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			h.Serve(ctx)
		}()
	}

	close(started)

	res, err := runBench(ctx, &benchOpts{
		db:        db,
		l:         logger.Named("bench"),
		duration:  cli.Bench.Duration,
		rate:      cli.Bench.Rate,
		readers:   cli.Bench.Readers,
		writers:   cli.Bench.Writers,
		txWriters: cli.Bench.TxWriters,
		txSize:    cli.Bench.TxSize,
		deadline:  cli.Bench.Deadline,
	})
	if err != nil {
		logger.Error("Load failed.", zap.Error(err))
	} else {
		res.print(os.Stdout)
	}

	db.Close()

	stop()

	wg.Wait()

	if info.DevBuild {
		dumpMetrics()
	}
}
