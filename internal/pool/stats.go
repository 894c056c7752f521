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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Parts of Prometheus metric names.
const (
	namespace = "litepool"
	subsystem = "pool"
)

// Stats represents pool statistics.
type Stats struct {
	MaxConnections int
	Idle           int
	InUse          int
	Vacant         int
	Draining       int
	Waiters        int
	WriterHeld     bool

	Acquired     int64
	Opened       int64
	Evicted      int64
	Timeouts     int64
	OpenFailures int64
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() *Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := &Stats{
		MaxConnections: len(p.slots),
		Waiters:        p.waiters.Len(),
		WriterHeld:     p.writer != nil,
		Acquired:       p.acquired,
		Opened:         p.opened,
		Evicted:        p.evicted,
		Timeouts:       p.timeouts,
		OpenFailures:   p.openFailures,
	}

	for _, s := range p.slots {
		switch s.state {
		case slotVacant:
			res.Vacant++
		case slotIdle:
			res.Idle++
		case slotInUse:
			res.InUse++
		case slotDraining:
			res.Draining++
		}
	}

	return res
}

// Describe implements [prometheus.Collector].
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements [prometheus.Collector].
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	stats := p.Stats()

	connections := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, subsystem, "connections"),
		"The current number of pool slots by state.",
		[]string{"state"}, nil,
	)

	for state, n := range map[slotState]int{
		slotVacant:   stats.Vacant,
		slotIdle:     stats.Idle,
		slotInUse:    stats.InUse,
		slotDraining: stats.Draining,
	} {
		ch <- prometheus.MustNewConstMetric(connections, prometheus.GaugeValue, float64(n), state.String())
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "max_connections"),
			"The maximal number of connections.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(stats.MaxConnections),
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "waiters"),
			"The current number of acquirers waiting for a connection.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(stats.Waiters),
	)

	var writer float64
	if stats.WriterHeld {
		writer = 1
	}

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "writer_held"),
			"1 if the single-writer lock is held, 0 otherwise.",
			nil, nil,
		),
		prometheus.GaugeValue,
		writer,
	)

	for name, c := range map[string]struct {
		help string
		v    int64
	}{
		"acquired":      {"The total number of connection checkouts.", stats.Acquired},
		"opened":        {"The total number of opened connections.", stats.Opened},
		"evicted":       {"The total number of evicted connections.", stats.Evicted},
		"timeouts":      {"The total number of acquire timeouts.", stats.Timeouts},
		"open_failures": {"The total number of failed connection opens.", stats.OpenFailures},
	} {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name+"_total"), c.help, nil, nil),
			prometheus.CounterValue,
			float64(c.v),
		)
	}
}

// check interfaces
var (
	_ prometheus.Collector = (*Pool)(nil)
)
