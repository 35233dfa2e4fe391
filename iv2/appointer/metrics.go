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

package appointer

import "github.com/prometheus/client_golang/prometheus"

var (
	appointmentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "appointer",
			Name:      "appointments_total",
			Help:      "Counter of leader appointments.",
		}, []string{"reason"})

	replicaGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "iv2",
			Subsystem: "appointer",
			Name:      "replicas",
			Help:      "Live replicas per partition.",
		}, []string{"partition"})
)

func init() {
	prometheus.MustRegister(appointmentCounter)
	prometheus.MustRegister(replicaGauge)
}
