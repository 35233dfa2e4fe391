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

// Package tasker holds the per-site priority queue of runnable work.
package tasker

import (
	"container/heap"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Priority orders tasks in a Queue. Lower values run first.
type Priority int

const (
	// PriorityHigh is for control work such as repair and rejoin steps.
	PriorityHigh Priority = iota
	// PriorityNormal is for transaction work.
	PriorityNormal
	// PriorityLow is for replication catch-up and background work.
	PriorityLow

	NumPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority-%d", int(p))
}

// SiteTasker is a unit of work a site can run.
type SiteTasker interface {
	Priority() Priority
}

type txnTasker interface {
	TxnID() int64
}

// Policy configures the ordering of a Queue. It is built once at startup and
// passed to every queue.
type Policy struct {
	// Fair switches from strict priority to weighted fair queuing.
	Fair bool
	// Weights is the share of each priority class under Fair. Classes
	// missing from the map get weight 1.
	Weights map[Priority]float64
}

// DefaultPolicy is strict priority ordering.
func DefaultPolicy() Policy {
	return Policy{}
}

func (p Policy) weight(pri Priority) float64 {
	if w, ok := p.Weights[pri]; ok && w > 0 {
		return w
	}
	return 1
}

type queueItem struct {
	task     SiteTasker
	priority Priority
	seq      uint64
	vtime    float64
	enqueued time.Time
}

type itemHeap struct {
	items []*queueItem
	fair  bool
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.fair {
		if a.vtime != b.vtime {
			return a.vtime < b.vtime
		}
		return a.seq < b.seq
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

func (h *itemHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *itemHeap) Push(x interface{}) { h.items = append(h.items, x.(*queueItem)) }

func (h *itemHeap) Pop() interface{} {
	n := len(h.items)
	item := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return item
}

// Queue is a blocking priority queue of SiteTaskers with depth and
// starvation instrumentation.
type Queue struct {
	name   string
	policy Policy

	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	seq    uint64
	closed bool

	// Weighted fair queuing clock.
	virtualNow  float64
	lastVirtual [NumPriorities]float64

	depth      *QueueDepthTracker
	starvation *StarvationTracker
}

func NewQueue(name string, policy Policy) *Queue {
	q := &Queue{
		name:       name,
		policy:     policy,
		items:      itemHeap{fair: policy.Fair},
		depth:      NewQueueDepthTracker(name),
		starvation: NewStarvationTracker(name),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// nextVirtualTime assigns the deadline of a new task of class pri:
// max(now, last deadline of the class) + 1/weight.
func (q *Queue) nextVirtualTime(pri Priority) float64 {
	idx := classIndex(pri)
	vt := math.Max(q.virtualNow, q.lastVirtual[idx]) + 1/q.policy.weight(pri)
	q.lastVirtual[idx] = vt
	return vt
}

func classIndex(pri Priority) int {
	if pri < 0 {
		return 0
	}
	if int(pri) >= NumPriorities {
		return NumPriorities - 1
	}
	return int(pri)
}

// Offer enqueues task. It returns false if the queue has been closed.
func (q *Queue) Offer(task SiteTasker) bool {
	now := time.Now()
	pri := task.Priority()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	// Account depth before the task becomes visible to takers, otherwise a
	// fast taker could decrement first.
	q.depth.offer(pri)
	item := &queueItem{task: task, priority: pri, seq: q.seq, enqueued: now}
	q.seq++
	if q.policy.Fair {
		item.vtime = q.nextVirtualTime(pri)
	}
	heap.Push(&q.items, item)
	if t, ok := task.(txnTasker); ok {
		log.Debug("offer task", zap.String("queue", q.name), zap.String("txn", txnego.TxnIDString(t.TxnID())),
			zap.Stringer("priority", pri))
	}
	q.cond.Signal()
	return true
}

// Take blocks until a task is available. It returns nil once the queue is
// closed and drained.
func (q *Queue) Take() SiteTasker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 && !q.closed {
		q.starvation.beginStarvation(time.Now())
		for q.items.Len() == 0 && !q.closed {
			q.cond.Wait()
		}
		q.starvation.endStarvation(time.Now())
	}
	if q.items.Len() == 0 {
		return nil
	}
	return q.popLocked()
}

// Poll returns the next task or nil without blocking.
func (q *Queue) Poll() SiteTasker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return q.popLocked()
}

// Peek returns the next task without removing it.
func (q *Queue) Peek() SiteTasker {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return q.items.items[0].task
}

func (q *Queue) popLocked() SiteTasker {
	item := heap.Pop(&q.items).(*queueItem)
	if q.policy.Fair {
		q.virtualNow = item.vtime
	}
	q.depth.poll(item.priority, time.Since(item.enqueued))
	return item.task
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Close wakes blocked takers. Tasks already queued can still be taken.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue) DepthTracker() *QueueDepthTracker {
	return q.depth
}

func (q *Queue) StarvationTracker() *StarvationTracker {
	return q.starvation
}
