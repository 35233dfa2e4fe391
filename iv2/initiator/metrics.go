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

package initiator

import "github.com/prometheus/client_golang/prometheus"

var (
	promotionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "initiator",
			Name:      "promotions_total",
			Help:      "Counter of leader promotions by result.",
		}, []string{"kind", "result"})

	repairMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "initiator",
			Name:      "repair_messages_total",
			Help:      "Counter of messages re-sent by repair.",
		}, []string{"kind"})

	mpRestartCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "initiator",
			Name:      "mp_restarts_total",
			Help:      "Counter of multi-partition transaction restarts.",
		})

	procNotFoundCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "initiator",
			Name:      "procedure_not_found_total",
			Help:      "Counter of invocations of unknown procedures.",
		})

	mismatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "initiator",
			Name:      "determinism_mismatch_total",
			Help:      "Counter of replica responses that disagreed.",
		}, []string{"partition"})

	outstandingGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iv2",
			Subsystem: "initiator",
			Name:      "outstanding_txns",
			Help:      "Replicated work waiting for every replica.",
		}, []string{"hsid"})

	mpOutstandingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "iv2",
			Subsystem: "mpi",
			Name:      "running_txns",
			Help:      "Multi-partition transactions admitted and not yet flushed.",
		})

	poolContextGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iv2",
			Subsystem: "mpi",
			Name:      "pool_contexts",
			Help:      "Execution contexts alive in an MPI site pool.",
		}, []string{"pool"})
)

func init() {
	prometheus.MustRegister(promotionCounter)
	prometheus.MustRegister(repairMessageCounter)
	prometheus.MustRegister(mpRestartCounter)
	prometheus.MustRegister(procNotFoundCounter)
	prometheus.MustRegister(mismatchCounter)
	prometheus.MustRegister(outstandingGauge)
	prometheus.MustRegister(mpOutstandingGauge)
	prometheus.MustRegister(poolContextGauge)
}
