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

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "litepool"
	subsystem = "scheduler"
)

// metrics represents scheduler metrics.
type metrics struct {
	submitted        prometheus.Counter
	running          prometheus.Gauge
	retries          prometheus.Counter
	cancelledRunning prometheus.Counter
	results          *prometheus.CounterVec
}

// newMetrics creates new scheduler metrics.
func newMetrics() *metrics {
	return &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "submitted_total",
			Help:      "The total number of submitted tasks.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running",
			Help:      "The current number of tasks executed by workers.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "The total number of task retries after transaction conflicts.",
		}),
		cancelledRunning: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cancelled_running_total",
			Help:      "The total number of tasks cancelled after dispatch.",
		}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "results_total",
			Help:      "The total number of fulfilled tasks by result code.",
		}, []string{"code"}),
	}
}

// Descriptions of metrics computed on collection.
var (
	queuedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "queued"),
		"The current number of tasks waiting for dispatch.",
		nil, nil,
	)
	workersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "workers"),
		"The number of dispatch workers.",
		nil, nil,
	)
)

// Describe implements [prometheus.Collector].
func (s *Scheduler) Describe(ch chan<- *prometheus.Desc) {
	s.m.submitted.Describe(ch)
	s.m.running.Describe(ch)
	s.m.retries.Describe(ch)
	s.m.cancelledRunning.Describe(ch)
	s.m.results.Describe(ch)

	ch <- queuedDesc
	ch <- workersDesc
}

// Collect implements [prometheus.Collector].
func (s *Scheduler) Collect(ch chan<- prometheus.Metric) {
	s.m.submitted.Collect(ch)
	s.m.running.Collect(ch)
	s.m.retries.Collect(ch)
	s.m.cancelledRunning.Collect(ch)
	s.m.results.Collect(ch)

	queued, _ := s.Len()

	ch <- prometheus.MustNewConstMetric(queuedDesc, prometheus.GaugeValue, float64(queued))
	ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(s.workers))
}

// check interfaces
var (
	_ prometheus.Collector = (*Scheduler)(nil)
)
