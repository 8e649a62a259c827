// Copyright 2025 Michael J. Fromberger. All Rights Reserved.
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

package kvcache

import "github.com/prometheus/client_golang/prometheus"

// metricsSink abstracts the metrics backend so that callers who do not
// supply a registry pay nothing on the hot path.
type metricsSink interface {
	hit()
	miss()
	store()
	invalidation()
	setCompressedBytes(int64)
}

type noopMetrics struct{}

func (noopMetrics) hit()                     {}
func (noopMetrics) miss()                    {}
func (noopMetrics) store()                   {}
func (noopMetrics) invalidation()            {}
func (noopMetrics) setCompressedBytes(int64) {}

type promMetrics struct {
	hits          prometheus.Counter
	misses        prometheus.Counter
	stores        prometheus.Counter
	invalidations prometheus.Counter
	bytes         prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	m := &promMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stash", Subsystem: "kv", Name: "hits_total",
			Help: "Number of cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stash", Subsystem: "kv", Name: "misses_total",
			Help: "Number of cache misses.",
		}),
		stores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stash", Subsystem: "kv", Name: "stores_total",
			Help: "Number of values stored.",
		}),
		invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stash", Subsystem: "kv", Name: "invalidations_total",
			Help: "Number of entries invalidated.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stash", Subsystem: "kv", Name: "compressed_bytes",
			Help: "Compressed bytes resident in the blob store.",
		}),
	}
	reg.MustRegister(m.hits, m.misses, m.stores, m.invalidations, m.bytes)
	return m
}

func (m *promMetrics) hit()                       { m.hits.Inc() }
func (m *promMetrics) miss()                      { m.misses.Inc() }
func (m *promMetrics) store()                     { m.stores.Inc() }
func (m *promMetrics) invalidation()              { m.invalidations.Inc() }
func (m *promMetrics) setCompressedBytes(n int64) { m.bytes.Set(float64(n)) }

// newMetricsSink selects the backend for the supplied registry.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
