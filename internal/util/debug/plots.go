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
	"github.com/arl/statsviz"

	"github.com/FerretDB/litepool/internal/util/lazyerrors"
)

// series returns a statsviz time series reading the given metric from g.
func series(g *gatherer, name, metric, label, labelValue string) statsviz.TimeSeries {
	return statsviz.TimeSeries{
		Name:    name,
		Unitfmt: "%{y:.4s}",
		GetValue: func() float64 {
			return g.value(metric, label, labelValue)
		},
	}
}

// poolPlots returns statsviz plots for pool and scheduler metrics.
func poolPlots(g *gatherer) ([]statsviz.TimeSeriesPlot, error) {
	configs := []statsviz.TimeSeriesPlotConfig{
		{
			Name:       "litepool_pool_connections",
			Title:      "Pool slots",
			Type:       statsviz.Bar,
			BarMode:    statsviz.Stack,
			InfoText:   "Pool slots by state.",
			YAxisTitle: "slots",
			Series: []statsviz.TimeSeries{
				series(g, "idle", "litepool_pool_connections", "state", "idle"),
				series(g, "in-use", "litepool_pool_connections", "state", "in-use"),
				series(g, "draining", "litepool_pool_connections", "state", "draining"),
				series(g, "vacant", "litepool_pool_connections", "state", "vacant"),
			},
		},
		{
			Name:       "litepool_pool_waiters",
			Title:      "Waiters",
			Type:       statsviz.Scatter,
			InfoText:   "Callers waiting for a connection, and whether the write transaction lock is held.",
			YAxisTitle: "count",
			Series: []statsviz.TimeSeries{
				series(g, "waiters", "litepool_pool_waiters", "", ""),
				series(g, "writer held", "litepool_pool_writer_held", "", ""),
			},
		},
		{
			Name:       "litepool_scheduler_tasks",
			Title:      "Tasks",
			Type:       statsviz.Scatter,
			InfoText:   "Queued and running tasks.",
			YAxisTitle: "tasks",
			Series: []statsviz.TimeSeries{
				series(g, "queued", "litepool_scheduler_queued", "", ""),
				series(g, "running", "litepool_scheduler_running", "", ""),
			},
		},
		{
			Name:       "litepool_scheduler_results",
			Title:      "Results",
			Type:       statsviz.Scatter,
			InfoText:   "Total task results by outcome.",
			YAxisTitle: "tasks",
			Series: []statsviz.TimeSeries{
				series(g, "ok", "litepool_scheduler_results_total", "code", "ok"),
				series(g, "conflict", "litepool_scheduler_results_total", "code", "TransactionConflict"),
				series(g, "timeout", "litepool_scheduler_results_total", "code", "PoolTimeout"),
				series(g, "cancelled", "litepool_scheduler_results_total", "code", "Cancelled"),
				series(g, "retries", "litepool_scheduler_retries_total", "", ""),
			},
		},
	}

	res := make([]statsviz.TimeSeriesPlot, len(configs))

	for i, c := range configs {
		p, err := c.Build()
		if err != nil {
			return nil, lazyerrors.Errorf("%s: %w", c.Name, err)
		}

		res[i] = p
	}

	return res, nil
}
