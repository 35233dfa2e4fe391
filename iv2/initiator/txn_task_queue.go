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

import (
	"fmt"
	"strings"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
)

// backlogEntry is a queued task, or an MP sentinel when task is nil.
type backlogEntry struct {
	txnID int64
	task  *TransactionTask
}

func (e backlogEntry) isSentinel() bool { return e.task == nil }

func (e backlogEntry) isDone() bool {
	if e.task == nil {
		return false
	}
	return e.task.state == nil || e.task.state.IsDone()
}

// TransactionTaskQueue sits in front of a site queue and holds back work
// that arrives while a multi-partition transaction is in progress, so SP
// work never interleaves with it.
type TransactionTaskQueue struct {
	hsid  int64
	queue *tasker.Queue
	group *ScoreboardGroup

	mu      sync.Mutex
	backlog []backlogEntry
}

// NewTransactionTaskQueue builds the queue of a partition site. group may
// be nil, in which case repair completions are queued directly.
func NewTransactionTaskQueue(hsid int64, queue *tasker.Queue, group *ScoreboardGroup) *TransactionTaskQueue {
	q := &TransactionTaskQueue{hsid: hsid, queue: queue, group: group}
	if group != nil {
		group.Register(hsid, q.release)
	}
	return q
}

// Offer queues task or holds it in the backlog.
func (q *TransactionTaskQueue) Offer(task *TransactionTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.offerLocked(task)
}

func (q *TransactionTaskQueue) offerLocked(task *TransactionTask) bool {
	if task.borrow || task.missing {
		return q.queue.Offer(task)
	}
	txnID := task.TxnID()
	if len(q.backlog) == 0 {
		if task.kind.isMP() {
			q.backlog = append(q.backlog, backlogEntry{txnID: txnID, task: task})
		}
		return q.queue.Offer(task)
	}
	if task.kind.isMP() {
		for i := range q.backlog {
			if q.backlog[i].isSentinel() && q.backlog[i].txnID == txnID {
				q.backlog[i].task = task
				if i == 0 {
					return q.queue.Offer(task)
				}
				return true
			}
		}
		if head := q.backlog[0]; !head.isSentinel() && head.txnID == txnID {
			return q.queue.Offer(task)
		}
	}
	q.backlog = append(q.backlog, backlogEntry{txnID: txnID, task: task})
	return true
}

// OfferMPSentinel reserves the position of an MP transaction whose first
// fragment has not arrived yet.
func (q *TransactionTaskQueue) OfferMPSentinel(txnID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.backlog {
		if e.txnID == txnID {
			return
		}
	}
	q.backlog = append(q.backlog, backlogEntry{txnID: txnID})
}

// OfferCoordinatedCompletion routes a repair-time completion through the
// node scoreboards.
func (q *TransactionTaskQueue) OfferCoordinatedCompletion(task *TransactionTask, missing bool) {
	if q.group != nil && q.group.AddCompletion(q.hsid, task, missing) {
		return
	}
	q.Offer(task)
}

// OfferFragment queues a fragment unless a pending repair completion of
// its transaction has to run first.
func (q *TransactionTaskQueue) OfferFragment(task *TransactionTask) {
	if q.group != nil && q.group.OfferFragment(q.hsid, task) {
		return
	}
	q.Offer(task)
}

func (q *TransactionTaskQueue) release(task *TransactionTask, missing bool, fragment *TransactionTask) {
	if task != nil {
		task.missing = task.missing || missing
		q.Offer(task)
	}
	if fragment != nil {
		q.Offer(fragment)
	}
}

// Flush is called by a task once it ran. If the backlog head is done it
// is dropped and the work behind it released: SP tasks until the next MP
// transaction, then that transaction's tasks. It returns the number of
// tasks offered.
func (q *TransactionTaskQueue) Flush(txnID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 || !q.backlog[0].isDone() {
		return 0
	}
	q.popLocked()
	offered := 0
	for len(q.backlog) > 0 {
		head := q.backlog[0]
		if head.isSentinel() {
			break
		}
		q.queue.Offer(head.task)
		offered++
		if !head.task.kind.isMP() {
			q.popLocked()
			continue
		}
		// The MP task stays as head, its siblings go out with it.
		kept := q.backlog[:1]
		for _, e := range q.backlog[1:] {
			if !e.isSentinel() && e.txnID == head.txnID {
				q.queue.Offer(e.task)
				offered++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(q.backlog); i++ {
			q.backlog[i] = backlogEntry{}
		}
		q.backlog = kept
		break
	}
	return offered
}

func (q *TransactionTaskQueue) popLocked() {
	q.backlog[0] = backlogEntry{}
	q.backlog = q.backlog[1:]
}

// Size is the number of backlogged entries.
func (q *TransactionTaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Head returns the txn id at the head of the backlog.
func (q *TransactionTaskQueue) Head() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.backlog) == 0 {
		return 0, false
	}
	return q.backlog[0].txnID, true
}

func (q *TransactionTaskQueue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "TransactionTaskQueue backlog %d", len(q.backlog))
	for _, e := range q.backlog {
		if e.isSentinel() {
			fmt.Fprintf(&b, "\n  sentinel %s", txnego.TxnIDString(e.txnID))
			continue
		}
		fmt.Fprintf(&b, "\n  %s", e.task)
	}
	return b.String()
}
