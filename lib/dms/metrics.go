/*
Copyright 2025 Keyward Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dms

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyward",
			Name:      "dms_sweep_runs_total",
			Help:      "Number of completed switch sweeps",
		},
	)
	sweepTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyward",
			Name:      "dms_sweep_triggered_total",
			Help:      "Number of switches released by the sweep",
		},
	)
	sweepErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyward",
			Name:      "dms_sweep_errors_total",
			Help:      "Number of per-switch failures during sweeps",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepRuns, sweepTriggered, sweepErrors)
}
