/*
 * This file is part of the KubeVirt project
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 * Copyright The KubeVirt Authors.
 *
 */

// Package metrics registers the Prometheus series the live disk-merge
// coordinator exposes: how many jobs sit in each state, and how Cleanup
// workers resolve.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// State labels the in-flight-jobs gauge.
type State string

const (
	StateExtend  State = "extend"
	StateCommit  State = "commit"
	StateCleanup State = "cleanup"
)

// CleanupOutcome labels the cleanup-outcomes counter.
type CleanupOutcome string

const (
	OutcomeDone  CleanupOutcome = "done"
	OutcomeRetry CleanupOutcome = "retry"
	OutcomeAbort CleanupOutcome = "abort"
)

// Collector groups the merge coordinator's metrics. A nil *Collector is
// valid and turns every call into a no-op, so wiring it is optional.
type Collector struct {
	inFlight        *prometheus.GaugeVec
	cleanupOutcomes *prometheus.CounterVec
}

// NewCollector builds an unregistered Collector; callers register it with
// whatever prometheus.Registerer the owning virt-launcher process uses.
func NewCollector() *Collector {
	return &Collector{
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kubevirt_vm_disk_merge_jobs_in_flight",
			Help: "Number of live disk-merge jobs currently in each state.",
		}, []string{"state"}),
		cleanupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kubevirt_vm_disk_merge_cleanup_outcomes_total",
			Help: "Count of Cleanup worker terminal/retry outcomes by kind.",
		}, []string{"outcome"}),
	}
}

// Collectors returns the prometheus.Collector set for registration.
func (c *Collector) Collectors() []prometheus.Collector {
	if c == nil {
		return nil
	}
	return []prometheus.Collector{c.inFlight, c.cleanupOutcomes}
}

func (c *Collector) SetInFlight(state State, count int) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(string(state)).Set(float64(count))
}

func (c *Collector) ObserveCleanupOutcome(outcome CleanupOutcome) {
	if c == nil {
		return
	}
	c.cleanupOutcomes.WithLabelValues(string(outcome)).Inc()
}
