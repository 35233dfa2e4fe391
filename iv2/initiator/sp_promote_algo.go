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
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const unionDegree = 16

type algoState int8

const (
	algoStart algoState = iota
	algoCollecting
	algoRepairing
	algoFailed
	algoDone
)

func (s algoState) String() string {
	switch s {
	case algoStart:
		return "START"
	case algoCollecting:
		return "COLLECTING"
	case algoRepairing:
		return "REPAIRING"
	case algoFailed:
		return "FAILED"
	case algoDone:
		return "DONE"
	}
	return fmt.Sprintf("algoState(%d)", int8(s))
}

var repairRequestIDs atomic.Int64

func nextRepairRequestID() int64 {
	return repairRequestIDs.Inc()
}

// promoteMailbox is what a repair algorithm needs from its mailbox.
type promoteMailbox interface {
	HSID() int64
	SendMulti(dests []int64, msg message.Message)
	RepairReplicasWith(needsRepair []int64, msg message.Message)
}

// replicaRepairStruct tracks the log of one survivor.
type replicaRepairStruct struct {
	received int
	expected int
	// maxSpHandleSeen is the last sp handle in the survivor's log header.
	maxSpHandleSeen int64
}

func (r *replicaRepairStruct) logsComplete() bool {
	return r.expected > 0 && r.received >= r.expected
}

// needs reports whether the survivor misses the entry at handle.
func (r *replicaRepairStruct) needs(handle int64) bool {
	return r.maxSpHandleSeen < handle
}

// repairCollector gathers the logs of every survivor for one request.
type repairCollector struct {
	name      string
	requestID int64
	survivors []int64
	replicas  map[int64]*replicaRepairStruct
}

func newRepairCollector(name string, survivors []int64) repairCollector {
	return repairCollector{
		name:      name,
		requestID: nextRepairRequestID(),
		survivors: message.SortHSIDs(append([]int64(nil), survivors...)),
		replicas:  make(map[int64]*replicaRepairStruct, len(survivors)),
	}
}

// accept returns the survivor's tracker, or nil for a response that does
// not belong to this request.
func (c *repairCollector) accept(resp *message.RepairLogResponse) *replicaRepairStruct {
	if resp.RequestID != c.requestID {
		log.Debug("dropping stale repair log response", zap.String("algo", c.name),
			zap.Int64("request-id", c.requestID), zap.Stringer("resp", resp))
		return nil
	}
	if !message.ContainsHSID(c.survivors, resp.SourceHSID) {
		log.Warn("repair log response from a non-survivor", zap.String("algo", c.name),
			zap.Stringer("resp", resp))
		return nil
	}
	rrs, ok := c.replicas[resp.SourceHSID]
	if !ok {
		rrs = &replicaRepairStruct{}
		c.replicas[resp.SourceHSID] = rrs
	}
	rrs.received++
	if resp.IsHeader() {
		rrs.expected = resp.OfTotal
		rrs.maxSpHandleSeen = resp.Handle
	}
	return rrs
}

func (c *repairCollector) allComplete() bool {
	if len(c.replicas) < len(c.survivors) {
		return false
	}
	for _, rrs := range c.replicas {
		if !rrs.logsComplete() {
			return false
		}
	}
	return true
}

func (c *repairCollector) request(self int64, forMPI bool) *message.RepairLogRequest {
	return &message.RepairLogRequest{RequestID: c.requestID, RequesterHSID: self, ForMPI: forMPI}
}

type spUnionItem struct {
	handle int64
	msg    message.TransactionMessage
}

func (i *spUnionItem) Less(than btree.Item) bool {
	return i.handle < than.(*spUnionItem).handle
}

// SpPromoteAlgo repairs the replicas of a partition when a new leader takes
// over. It merges the survivors' repair logs and re-sends every entry to
// exactly the survivors that miss it.
type SpPromoteAlgo struct {
	mailbox     promoteMailbox
	partitionID int
	future      *PromotionFuture

	mu           sync.Mutex
	state        algoState
	collector    repairCollector
	union        *btree.BTree
	maxSeenTxnID int64
}

func NewSpPromoteAlgo(survivors []int64, mailbox promoteMailbox, partitionID int) *SpPromoteAlgo {
	return &SpPromoteAlgo{
		mailbox:      mailbox,
		partitionID:  partitionID,
		future:       NewPromotionFuture(),
		collector:    newRepairCollector(fmt.Sprintf("sp-promote-%d", partitionID), survivors),
		union:        btree.New(unionDegree),
		maxSeenTxnID: txnego.MakeZero(partitionID).TxnID(),
	}
}

func (a *SpPromoteAlgo) Start() *PromotionFuture {
	a.mu.Lock()
	a.state = algoCollecting
	survivors := a.collector.survivors
	a.mu.Unlock()
	log.Info("sp promotion collecting repair logs", zap.Int("partition", a.partitionID),
		zap.Int64("request-id", a.collector.requestID), zap.String("survivors", message.HSIDsString(survivors)))
	if len(survivors) == 0 {
		a.mu.Lock()
		a.repairSurvivorsLocked()
		a.mu.Unlock()
		return a.future
	}
	a.mailbox.SendMulti(survivors, a.collector.request(a.mailbox.HSID(), false))
	return a.future
}

func (a *SpPromoteAlgo) Cancel() {
	if a.future.Cancel() {
		a.mu.Lock()
		a.state = algoFailed
		a.mu.Unlock()
		log.Info("sp promotion cancelled", zap.Int("partition", a.partitionID),
			zap.Int64("request-id", a.collector.requestID))
	}
}

func (a *SpPromoteAlgo) Deliver(resp *message.RepairLogResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.future.IsDone() {
		return
	}
	if a.collector.accept(resp) == nil {
		return
	}
	if resp.Handle > a.maxSeenTxnID {
		a.maxSeenTxnID = resp.Handle
	}
	if !resp.IsHeader() && resp.Payload != nil {
		item := &spUnionItem{handle: resp.Handle, msg: resp.Payload}
		if a.union.Get(item) == nil {
			a.union.ReplaceOrInsert(item)
		}
	}
	if a.collector.allComplete() {
		a.repairSurvivorsLocked()
	}
}

func (a *SpPromoteAlgo) repairSurvivorsLocked() {
	a.state = algoRepairing
	sent := 0
	a.union.Ascend(func(i btree.Item) bool {
		if a.future.IsCancelled() {
			return false
		}
		item := i.(*spUnionItem)
		var needsRepair []int64
		for _, hsid := range a.collector.survivors {
			if a.collector.replicas[hsid].needs(item.handle) {
				needsRepair = append(needsRepair, hsid)
			}
		}
		if len(needsRepair) > 0 {
			log.Debug("repairing replicas", zap.Int("partition", a.partitionID),
				zap.String("handle", txnego.TxnIDString(item.handle)),
				zap.String("replicas", message.HSIDsString(needsRepair)))
			a.mailbox.RepairReplicasWith(needsRepair, item.msg)
			sent++
		}
		return true
	})
	if a.future.IsCancelled() {
		a.state = algoFailed
		return
	}
	a.state = algoDone
	log.Info("sp promotion repaired survivors", zap.Int("partition", a.partitionID),
		zap.Int("union", a.union.Len()), zap.Int("repairs", sent),
		zap.String("max-seen", txnego.TxnIDString(a.maxSeenTxnID)))
	a.future.Set(&RepairResult{MaxSeenTxnID: a.maxSeenTxnID})
}

func (a *SpPromoteAlgo) State() algoState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
