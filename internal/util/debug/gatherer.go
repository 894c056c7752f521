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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
)

// cacheTTL is how long gathered metrics are reused.
const cacheTTL = time.Second

// gatherer wraps another Prometheus Gatherer with a short cache.
//
// Statsviz polls every plotted series separately; the cache makes one poll cost one gather.
type gatherer struct {
	g prometheus.Gatherer
	l *zap.Logger

	rw sync.RWMutex
	t  time.Time
	m  []*dto.MetricFamily
}

// newGatherer returns a new gatherer.
func newGatherer(g prometheus.Gatherer, l *zap.Logger) *gatherer {
	return &gatherer{
		g: g,
		l: l,
	}
}

// Gather implements [prometheus.Gatherer].
//
// It never returns an error; failures are logged and produce no metrics.
func (g *gatherer) Gather() ([]*dto.MetricFamily, error) {
	g.rw.RLock()

	if time.Since(g.t) < cacheTTL {
		m := g.m
		g.rw.RUnlock()

		return m, nil
	}

	g.rw.RUnlock()

	g.rw.Lock()
	defer g.rw.Unlock()

	// a concurrent call might have updated metrics already
	if time.Since(g.t) < cacheTTL {
		return g.m, nil
	}

	m, err := g.g.Gather()
	if err != nil {
		g.l.Warn("Failed to gather Prometheus metrics.", zap.Error(err), zap.Int("families", len(m)))
		m = nil
	}

	g.m, g.t = m, time.Now()

	return m, nil
}

// value returns the current value of the named gauge or counter
// with the given label value (empty for unlabeled metrics), or 0 if it is absent.
func (g *gatherer) value(name, label, labelValue string) float64 {
	mfs, _ := g.Gather()

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		for _, m := range mf.GetMetric() {
			if label != "" && !hasLabel(m, label, labelValue) {
				continue
			}

			switch mf.GetType() {
			case dto.MetricType_GAUGE:
				return m.GetGauge().GetValue()
			case dto.MetricType_COUNTER:
				return m.GetCounter().GetValue()
			case dto.MetricType_UNTYPED:
				return m.GetUntyped().GetValue()
			default:
				return 0
			}
		}
	}

	return 0
}

// hasLabel returns true if metric has the given label pair.
func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}

	return false
}

// check interfaces
var (
	_ prometheus.Gatherer = (*gatherer)(nil)
)
