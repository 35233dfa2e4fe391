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

import (
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// sampleWindow bounds the samples kept for percentile reporting.
const sampleWindow = 1024

type sampleRing struct {
	samples []float64
	next    int
}

func (r *sampleRing) add(v float64) {
	if len(r.samples) < sampleWindow {
		r.samples = append(r.samples, v)
		return
	}
	r.samples[r.next] = v
	r.next = (r.next + 1) % sampleWindow
}

func (r *sampleRing) summary() (mean, p50, p99 float64) {
	if len(r.samples) == 0 {
		return 0, 0, 0
	}
	data := stats.Float64Data(append([]float64(nil), r.samples...))
	mean, _ = stats.Mean(data)
	p50, _ = stats.Percentile(data, 50)
	p99, _ = stats.Percentile(data, 99)
	return
}

// QueueDepthTracker counts queued tasks per priority and samples how long
// tasks waited.
type QueueDepthTracker struct {
	name string

	mu      sync.Mutex
	depth   [NumPriorities]int64
	polled  int64
	waitsMs sampleRing
}

func NewQueueDepthTracker(name string) *QueueDepthTracker {
	return &QueueDepthTracker{name: name}
}

func (t *QueueDepthTracker) offer(pri Priority) {
	t.mu.Lock()
	t.depth[classIndex(pri)]++
	t.mu.Unlock()
	queueDepthGauge.WithLabelValues(t.name, pri.String()).Inc()
}

func (t *QueueDepthTracker) poll(pri Priority, waited time.Duration) {
	t.mu.Lock()
	t.depth[classIndex(pri)]--
	t.polled++
	t.waitsMs.add(float64(waited) / float64(time.Millisecond))
	t.mu.Unlock()
	queueDepthGauge.WithLabelValues(t.name, pri.String()).Dec()
	queueWaitHistogram.WithLabelValues(t.name).Observe(waited.Seconds())
}

// DepthStats is a point-in-time view of a QueueDepthTracker.
type DepthStats struct {
	Depth      map[string]int64 `json:"depth"`
	Polled     int64            `json:"polled"`
	MeanWaitMs float64          `json:"mean_wait_ms"`
	P50WaitMs  float64          `json:"p50_wait_ms"`
	P99WaitMs  float64          `json:"p99_wait_ms"`
}

func (t *QueueDepthTracker) Depth(pri Priority) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth[classIndex(pri)]
}

func (t *QueueDepthTracker) Snapshot() DepthStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := DepthStats{Depth: make(map[string]int64, NumPriorities), Polled: t.polled}
	for i := 0; i < NumPriorities; i++ {
		s.Depth[Priority(i).String()] = t.depth[i]
	}
	s.MeanWaitMs, s.P50WaitMs, s.P99WaitMs = t.waitsMs.summary()
	return s
}

// StarvationTracker measures how long a site sat idle waiting for work.
type StarvationTracker struct {
	name string

	mu          sync.Mutex
	starving    bool
	since       time.Time
	created     time.Time
	starvedTime time.Duration
	periodsMs   sampleRing
}

func NewStarvationTracker(name string) *StarvationTracker {
	now := time.Now()
	return &StarvationTracker{name: name, since: now, created: now}
}

func (t *StarvationTracker) beginStarvation(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.starving {
		return
	}
	t.starving = true
	t.since = now
}

func (t *StarvationTracker) endStarvation(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.starving {
		return
	}
	t.starving = false
	d := now.Sub(t.since)
	t.starvedTime += d
	t.periodsMs.add(float64(d) / float64(time.Millisecond))
	starvationCounter.WithLabelValues(t.name).Add(d.Seconds())
}

// StarvationStats is a point-in-time view of a StarvationTracker.
type StarvationStats struct {
	Starving       bool    `json:"starving"`
	StarvedPercent float64 `json:"starved_percent"`
	MeanPeriodMs   float64 `json:"mean_period_ms"`
	P99PeriodMs    float64 `json:"p99_period_ms"`
}

func (t *StarvationTracker) IsStarving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.starving
}

func (t *StarvationTracker) Snapshot() StarvationStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	starved := t.starvedTime
	if t.starving {
		starved += now.Sub(t.since)
	}
	s := StarvationStats{Starving: t.starving}
	if total := now.Sub(t.created); total > 0 {
		s.StarvedPercent = 100 * float64(starved) / float64(total)
	}
	s.MeanPeriodMs, _, s.P99PeriodMs = t.periodsMs.summary()
	return s
}
