// Copyright 2024 Google LLC
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

// Package metrics exposes the storage core's Prometheus counters and
// gauges: buffer pool hit/miss rate, lock manager wait counts, and VFD
// cache evictions, registered against the default registry the same way
// a pool-backed allocator registers its counters with
// prometheus.MustRegister at package init.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BufferHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdbmscore_buffer_hits_total",
		Help: "Number of ReadBuffer calls satisfied by an already-resident frame.",
	})

	BufferMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdbmscore_buffer_misses_total",
		Help: "Number of ReadBuffer calls that required a disk read.",
	})

	BufferEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdbmscore_buffer_evictions_total",
		Help: "Number of shared buffer frames reused for a different page.",
	})

	LockWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rdbmscore_lock_waits_total",
		Help: "Number of lock acquisitions that had to queue behind a conflicting grant, by mode.",
	}, []string{"mode"})

	LockDeadlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdbmscore_lock_deadlocks_total",
		Help: "Number of waiters whose deadlock check found a wait-for cycle.",
	})

	VFDEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rdbmscore_vfd_evictions_total",
		Help: "Number of real OS file descriptors closed to make room for another VFD open.",
	})

	OpenRelations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rdbmscore_open_relations",
		Help: "Number of Relation handles currently open across all backends.",
	})
)

func init() {
	prometheus.MustRegister(
		BufferHits,
		BufferMisses,
		BufferEvictions,
		LockWaits,
		LockDeadlocks,
		VFDEvictions,
		OpenRelations,
	)
}
