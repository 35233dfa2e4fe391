// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tasker

import "github.com/prometheus/client_golang/prometheus"

var (
	queueDepthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iv2",
			Subsystem: "task_queue",
			Name:      "depth",
			Help:      "Number of tasks waiting in a site task queue.",
		}, []string{"queue", "priority"})

	queueWaitHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iv2",
			Subsystem: "task_queue",
			Name:      "wait_seconds",
			Help:      "Time a task waited in a site task queue.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 20),
		}, []string{"queue"})

	starvationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "site",
			Name:      "starved_seconds_total",
			Help:      "Time a site spent waiting for work.",
		}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(queueDepthGauge)
	prometheus.MustRegister(queueWaitHistogram)
	prometheus.MustRegister(starvationCounter)
}
