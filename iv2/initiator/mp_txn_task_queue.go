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
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// MpTransactionTaskQueue admits multi-partition transactions at the MPI.
// Reads run together on the read pool, a write runs alone on the MPI site,
// and N-partition transactions run together on the NP pool as long as
// their partitions do not overlap. Admission is strictly FIFO.
type MpTransactionTaskQueue struct {
	siteQueue *tasker.Queue

	mu            sync.Mutex
	readPool      *SitePool
	npPool        *SitePool
	currentWrites map[int64]*TransactionTask
	currentReads  map[int64]*TransactionTask
	currentNps    map[int64]*TransactionTask
	backlog       []*TransactionTask
}

func NewMpTransactionTaskQueue(siteQueue *tasker.Queue, readPool, npPool *SitePool) *MpTransactionTaskQueue {
	return &MpTransactionTaskQueue{
		siteQueue:     siteQueue,
		readPool:      readPool,
		npPool:        npPool,
		currentWrites: make(map[int64]*TransactionTask),
		currentReads:  make(map[int64]*TransactionTask),
		currentNps:    make(map[int64]*TransactionTask),
	}
}

// Offer appends task to the backlog and admits what it can.
func (q *MpTransactionTaskQueue) Offer(task *TransactionTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(q.backlog, task)
	q.admitLocked()
	return true
}

func (q *MpTransactionTaskQueue) admitLocked() int {
	admitted := 0
	for len(q.backlog) > 0 {
		if !q.tryAdmitLocked(q.backlog[0]) {
			break
		}
		q.backlog[0] = nil
		q.backlog = q.backlog[1:]
		admitted++
	}
	return admitted
}

func (q *MpTransactionTaskQueue) tryAdmitLocked(task *TransactionTask) bool {
	txnID := task.TxnID()
	switch {
	case task.kind == KindNPartitionProcedure:
		if len(q.currentWrites) > 0 || len(q.currentReads) > 0 || !q.npPool.CanAcceptWork() {
			return false
		}
		for _, cur := range q.currentNps {
			if partitionsOverlap(cur.initiate.NPartitions, task.initiate.NPartitions) {
				return false
			}
		}
		q.currentNps[txnID] = task
		q.npPool.DoWork(txnID, task)
	case task.isReadOnly():
		if len(q.currentWrites) > 0 || len(q.currentNps) > 0 || !q.readPool.CanAcceptWork() {
			return false
		}
		q.currentReads[txnID] = task
		q.readPool.DoWork(txnID, task)
	default:
		if len(q.currentWrites) > 0 || len(q.currentReads) > 0 || len(q.currentNps) > 0 {
			return false
		}
		q.currentWrites[txnID] = task
		q.siteQueue.Offer(task)
	}
	mpOutstandingGauge.Set(float64(q.currentLocked()))
	return true
}

func partitionsOverlap(a, b []int) bool {
	for _, x := range a {
		if containsInt(b, x) {
			return true
		}
	}
	return false
}

func (q *MpTransactionTaskQueue) currentLocked() int {
	return len(q.currentWrites) + len(q.currentReads) + len(q.currentNps)
}

// Flush retires txnID and admits what now fits. It returns the number of
// tasks admitted.
func (q *MpTransactionTaskQueue) Flush(txnID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.currentWrites[txnID]; ok {
		delete(q.currentWrites, txnID)
	} else if _, ok := q.currentReads[txnID]; ok {
		delete(q.currentReads, txnID)
		q.readPool.CompleteWork(txnID)
	} else if _, ok := q.currentNps[txnID]; ok {
		delete(q.currentNps, txnID)
		q.npPool.CompleteWork(txnID)
	} else {
		log.Warn("flush of a transaction that is not running", zap.Int64("txn-id", txnID))
	}
	mpOutstandingGauge.Set(float64(q.currentLocked()))
	return q.admitLocked()
}

// Restart runs every transaction repair poisoned again on the context it
// had. Work that had not started when repair came is still queued.
func (q *MpTransactionTaskQueue) Restart() {
	q.mu.Lock()
	defer q.mu.Unlock()
	restarted := 0
	for _, task := range q.currentWrites {
		if task.poisoned {
			task.poisoned = false
			q.siteQueue.Offer(task)
			restarted++
		}
	}
	for txnID, task := range q.currentReads {
		if task.poisoned {
			task.poisoned = false
			q.readPool.Repair(txnID, task)
			restarted++
		}
	}
	for txnID, task := range q.currentNps {
		if task.poisoned {
			task.poisoned = false
			q.npPool.Repair(txnID, task)
			restarted++
		}
	}
	log.Info("restarting repaired multi-partition work", zap.Int("restarted", restarted),
		zap.Int("current", q.currentLocked()))
}

// Repair points every queued and running transaction at the new masters,
// poisons the ones already running unless the change is a leader
// migration, and queues repairTask on the MPI site.
func (q *MpTransactionTaskQueue) Repair(repairTask SiteTask, masters []int64, partitionMasters map[int]int64,
	balanceSPI bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	update := func(task *TransactionTask, poison bool) {
		mp := task.state.mp
		mp.UpdateMasters(partitionMasters)
		// Work a site has not picked up yet reads the new masters when it
		// starts.
		if poison && task.started.Load() {
			mp.Poison()
			task.poisoned = true
		}
	}
	for _, task := range q.currentWrites {
		update(task, !balanceSPI)
	}
	for _, task := range q.currentReads {
		update(task, !balanceSPI)
	}
	for _, task := range q.currentNps {
		update(task, !balanceSPI)
	}
	for _, task := range q.backlog {
		update(task, false)
	}
	log.Info("repairing multi-partition queue", zap.String("masters", message.HSIDsString(masters)),
		zap.Bool("balance-spi", balanceSPI), zap.Int("current", q.currentLocked()),
		zap.Int("backlog", len(q.backlog)))
	q.siteQueue.Offer(repairTask)
}

// UpdateCatalog swaps the catalog of both pools.
func (q *MpTransactionTaskQueue) UpdateCatalog(catalog *Catalog) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readPool.UpdateCatalog(catalog)
	q.npPool.UpdateCatalog(catalog)
}

// Shutdown stops both pools. Pool tasks flush through q, so the join
// happens outside the lock.
func (q *MpTransactionTaskQueue) Shutdown() {
	q.mu.Lock()
	q.readPool.beginShutdown()
	q.npPool.beginShutdown()
	q.mu.Unlock()
	q.readPool.Join()
	q.npPool.Join()
}

// Size is the number of transactions waiting for admission.
func (q *MpTransactionTaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// MpQueueStats is a snapshot for the status API.
type MpQueueStats struct {
	Writes   int `json:"writes"`
	Reads    int `json:"reads"`
	NPs      int `json:"nps"`
	Backlog  int `json:"backlog"`
	ReadIdle int `json:"read-idle"`
	NPIdle   int `json:"np-idle"`
}

func (q *MpTransactionTaskQueue) Stats() MpQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	readIdle, _ := q.readPool.Stats()
	npIdle, _ := q.npPool.Stats()
	return MpQueueStats{
		Writes:   len(q.currentWrites),
		Reads:    len(q.currentReads),
		NPs:      len(q.currentNps),
		Backlog:  len(q.backlog),
		ReadIdle: readIdle,
		NPIdle:   npIdle,
	}
}

func (q *MpTransactionTaskQueue) String() string {
	s := q.Stats()
	return fmt.Sprintf("MpTransactionTaskQueue writes %d reads %d nps %d backlog %d", s.Writes, s.Reads,
		s.NPs, s.Backlog)
}
