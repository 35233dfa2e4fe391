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
	"math"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// OutcomeFunc reports how the coordinator ended txnID, if it remembers.
type OutcomeFunc func(txnID int64) (rollback bool, known bool)

type mpUnionItem struct {
	txnID int64
	// complete wins over fragment once any survivor logged the end.
	complete *message.CompleteTransaction
	fragment *message.FragmentTask
}

func (i *mpUnionItem) Less(than btree.Item) bool {
	return i.txnID < than.(*mpUnionItem).txnID
}

// MpPromoteAlgo repairs the multi-partition state of the partition masters
// for the coordinator. It merges their MP logs by transaction id and
// settles every transaction the logs show unfinished.
type MpPromoteAlgo struct {
	mailbox promoteMailbox
	future  *PromotionFuture
	// restartWrites makes unfinished writes restart instead of rolling back.
	// Set when the coordinator that owns them is still running.
	restartWrites bool
	restartGen    *RestartSequenceGenerator
	repairGen     *RestartSequenceGenerator
	outcome       OutcomeFunc

	mu               sync.Mutex
	state            algoState
	collector        repairCollector
	union            *btree.BTree
	maxSeenTxnID     int64
	repairTruncation int64
	interrupted      []*message.InitiateTask
}

func NewMpPromoteAlgo(survivors []int64, mailbox promoteMailbox, restartGen, repairGen *RestartSequenceGenerator,
	restartWrites bool, outcome OutcomeFunc) *MpPromoteAlgo {
	return &MpPromoteAlgo{
		mailbox:          mailbox,
		future:           NewPromotionFuture(),
		restartWrites:    restartWrites,
		restartGen:       restartGen,
		repairGen:        repairGen,
		outcome:          outcome,
		collector:        newRepairCollector("mp-promote", survivors),
		union:            btree.New(unionDegree),
		maxSeenTxnID:     txnego.MakeZero(txnego.MPInitPID).TxnID(),
		repairTruncation: math.MinInt64,
	}
}

func (a *MpPromoteAlgo) Start() *PromotionFuture {
	a.mu.Lock()
	a.state = algoCollecting
	survivors := a.collector.survivors
	a.mu.Unlock()
	log.Info("mp promotion collecting repair logs", zap.Int64("request-id", a.collector.requestID),
		zap.String("masters", message.HSIDsString(survivors)), zap.Bool("restart-writes", a.restartWrites))
	if len(survivors) == 0 {
		a.mu.Lock()
		a.repairSurvivorsLocked()
		a.mu.Unlock()
		return a.future
	}
	a.mailbox.SendMulti(survivors, a.collector.request(a.mailbox.HSID(), true))
	return a.future
}

func (a *MpPromoteAlgo) Cancel() {
	if a.future.Cancel() {
		a.mu.Lock()
		a.state = algoFailed
		a.mu.Unlock()
		log.Info("mp promotion cancelled", zap.Int64("request-id", a.collector.requestID))
	}
}

func (a *MpPromoteAlgo) Deliver(resp *message.RepairLogResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.future.IsDone() {
		return
	}
	if a.collector.accept(resp) == nil {
		return
	}
	if resp.IsHeader() {
		// MaxInt64 is the header of a log that never saw MP work.
		if resp.TxnID != math.MaxInt64 && resp.TxnID > a.maxSeenTxnID {
			a.maxSeenTxnID = resp.TxnID
		}
	} else {
		a.addToUnion(resp)
	}
	if a.collector.allComplete() {
		a.repairSurvivorsLocked()
	}
}

func (a *MpPromoteAlgo) addToUnion(resp *message.RepairLogResponse) {
	if resp.TxnID > a.maxSeenTxnID {
		a.maxSeenTxnID = resp.TxnID
	}
	key := &mpUnionItem{txnID: resp.TxnID}
	item, _ := a.union.Get(key).(*mpUnionItem)
	if item == nil {
		item = key
		a.union.ReplaceOrInsert(item)
	}
	switch m := resp.Payload.(type) {
	case *message.CompleteTransaction:
		item.complete = m
	case *message.FragmentTask:
		if item.fragment == nil {
			item.fragment = m
		}
	default:
		log.Warn("unexpected entry in mp repair log", zap.Stringer("resp", resp))
	}
}

func (a *MpPromoteAlgo) repairSurvivorsLocked() {
	a.state = algoRepairing
	survivors := a.collector.survivors
	a.union.Ascend(func(i btree.Item) bool {
		if a.future.IsCancelled() {
			return false
		}
		item := i.(*mpUnionItem)
		msg := a.repairMessage(item)
		if msg == nil {
			return true
		}
		log.Info("repairing mp transaction", zap.Stringer("complete", msg),
			zap.String("masters", message.HSIDsString(survivors)))
		a.mailbox.RepairReplicasWith(survivors, msg)
		if item.txnID > a.repairTruncation {
			a.repairTruncation = item.txnID
		}
		return true
	})
	if a.future.IsCancelled() {
		a.state = algoFailed
		return
	}
	a.state = algoDone
	log.Info("mp promotion repaired masters", zap.Int("union", a.union.Len()),
		zap.String("max-seen", txnego.TxnIDString(a.maxSeenTxnID)),
		zap.String("repair-truncation", txnego.TxnIDString(a.repairTruncation)),
		zap.Int("interrupted", len(a.interrupted)))
	a.future.Set(&RepairResult{
		MaxSeenTxnID:           a.maxSeenTxnID,
		RepairTruncationHandle: a.repairTruncation,
		Interrupted:            a.interrupted,
	})
}

// repairMessage builds the completion that settles one transaction.
func (a *MpPromoteAlgo) repairMessage(item *mpUnionItem) *message.CompleteTransaction {
	if item.complete != nil {
		c := item.complete.Copy()
		c.InitiatorHSID = a.mailbox.HSID()
		c.CoordinatorHSID = a.mailbox.HSID()
		c.Timestamp = a.repairGen.Next()
		c.RequiresAck = false
		c.TruncationHandle = math.MinInt64
		return c
	}
	f := item.fragment
	if f == nil {
		return nil
	}
	c := &message.CompleteTransaction{
		TxnInfo: message.TxnInfo{
			InitiatorHSID:    a.mailbox.HSID(),
			CoordinatorHSID:  a.mailbox.HSID(),
			TxnID:            f.TxnID,
			UniqueID:         f.UniqueID,
			SpHandle:         f.SpHandle,
			TruncationHandle: math.MinInt64,
		},
		Rollback: true,
		NPartTxn: len(f.NPartitions) > 0,
	}
	if a.outcome != nil {
		if rollback, known := a.outcome(f.TxnID); known {
			c.Rollback = rollback
			c.Timestamp = a.repairGen.Next()
			return c
		}
	}
	if a.restartWrites && f.InitiateTask != nil {
		c.Restart = true
		c.Timestamp = a.restartGen.Next()
		return c
	}
	c.AbortDuringRepair = true
	c.Timestamp = a.repairGen.Next()
	if f.InitiateTask != nil && !a.restartWrites {
		a.interrupted = append(a.interrupted, f.InitiateTask)
	}
	return c
}

func (a *MpPromoteAlgo) State() algoState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
