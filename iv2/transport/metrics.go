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

package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	sentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "transport",
			Name:      "sent_total",
			Help:      "Counter of messages queued for delivery.",
		}, []string{"type"})

	droppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "iv2",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Counter of messages sent to unreachable mailboxes.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(sentCounter)
	prometheus.MustRegister(droppedCounter)
}
