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

package server

import "github.com/prometheus/client_golang/prometheus"

var (
	clientCallCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Counter of procedure calls by final status.",
		}, []string{"proc", "status"})

	clientRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Counter of resubmitted invocations.",
		}, []string{"reason"})

	clientCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "iv2",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Bucketed histogram of procedure call latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"proc"})

	hostGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iv2",
			Subsystem: "cluster",
			Name:      "hosts",
			Help:      "Hosts of the local cluster by state.",
		}, []string{"state"})
)

func init() {
	prometheus.MustRegister(clientCallCounter)
	prometheus.MustRegister(clientRetryCounter)
	prometheus.MustRegister(clientCallDuration)
	prometheus.MustRegister(hostGauge)
}
