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
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/repairlog"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Messenger moves messages between hsids. transport.Local implements it.
type Messenger interface {
	Send(dest int64, msg message.Message)
	SendMulti(dests []int64, msg message.Message)
}

// Mailbox is the send and receive surface of one initiator.
type Mailbox interface {
	HSID() int64
	Send(dest int64, msg message.Message)
	SendMulti(dests []int64, msg message.Message)
	Deliver(msg message.Message)
}

// Scheduler orders the work of one initiator. Deliver and UpdateReplicas
// are serialized by the mailbox.
type Scheduler interface {
	Deliver(msg message.Message)
	UpdateReplicas(replicas []int64, partitionMasters map[int]int64, balanceSPI bool)
	// HandleMessageRepair re-offers a repair payload locally when self is
	// in needsRepair and sends it to the other members.
	HandleMessageRepair(needsRepair []int64, msg message.Message)
	SetLeaderState(isLeader bool)
	IsLeader() bool
	SetMaxSeenTxnID(txnID int64)
}

// RepairAlgo is a running promotion.
type RepairAlgo interface {
	Start() *PromotionFuture
	Cancel()
	Deliver(resp *message.RepairLogResponse)
}

// InitiatorMailbox is the actor front of an initiator. One mutex makes
// message delivery, repair delivery and replica set changes mutually
// exclusive.
type InitiatorMailbox struct {
	hsid        int64
	partitionID int
	messenger   Messenger
	repairLog   *repairlog.RepairLog

	mu        sync.Mutex
	scheduler Scheduler
	algo      RepairAlgo
}

func NewInitiatorMailbox(partitionID int, hsid int64, messenger Messenger, repairLog *repairlog.RepairLog) *InitiatorMailbox {
	return &InitiatorMailbox{
		hsid:        hsid,
		partitionID: partitionID,
		messenger:   messenger,
		repairLog:   repairLog,
	}
}

func (m *InitiatorMailbox) SetScheduler(s Scheduler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduler = s
}

func (m *InitiatorMailbox) HSID() int64 { return m.hsid }

func (m *InitiatorMailbox) PartitionID() int { return m.partitionID }

func (m *InitiatorMailbox) Send(dest int64, msg message.Message) {
	m.messenger.Send(dest, msg)
}

func (m *InitiatorMailbox) SendMulti(dests []int64, msg message.Message) {
	if len(dests) == 0 {
		return
	}
	m.messenger.SendMulti(dests, msg)
}

func (m *InitiatorMailbox) Deliver(msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch t := msg.(type) {
	case *message.RepairLogRequest:
		m.handleLogRequest(t)
		return
	case *message.RepairLogResponse:
		if m.algo == nil {
			log.Debug("dropping repair log response without a running repair",
				zap.String("hsid", message.HSIDString(m.hsid)), zap.Stringer("resp", t))
			return
		}
		m.algo.Deliver(t)
		return
	case *message.RepairLogTruncation:
		m.repairLog.Deliver(t)
		return
	case *message.DumpRequest:
		m.repairLog.Deliver(t)
	}
	m.scheduler.Deliver(msg)
}

func (m *InitiatorMailbox) handleLogRequest(req *message.RepairLogRequest) {
	contents := m.repairLog.Contents(req.RequestID, req.ForMPI, m.hsid)
	log.Info("answering repair log request", zap.String("hsid", message.HSIDString(m.hsid)),
		zap.String("requester", message.HSIDString(req.RequesterHSID)),
		zap.Int64("request-id", req.RequestID), zap.Int("items", len(contents)))
	for _, resp := range contents {
		m.messenger.Send(req.RequesterHSID, resp)
	}
}

// UpdateReplicas cancels the running repair, if any, and hands the new
// membership to the scheduler.
func (m *InitiatorMailbox) UpdateReplicas(replicas []int64, partitionMasters map[int]int64, balanceSPI bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.algo != nil {
		m.algo.Cancel()
		m.algo = nil
	}
	m.scheduler.UpdateReplicas(replicas, partitionMasters, balanceSPI)
}

// SetRepairAlgo installs the algorithm that receives repair log responses.
func (m *InitiatorMailbox) SetRepairAlgo(algo RepairAlgo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.algo = algo
}

// RepairReplicasWith must be called from inside Deliver, which the repair
// algorithms do when their last response arrives.
func (m *InitiatorMailbox) RepairReplicasWith(needsRepair []int64, msg message.Message) {
	m.scheduler.HandleMessageRepair(needsRepair, msg)
}

// DeliverToRepairLog logs a stamped message. The scheduler calls it with
// the copy it sequenced.
func (m *InitiatorMailbox) DeliverToRepairLog(msg message.Message) {
	m.repairLog.Deliver(msg)
}

// SetLeaderState switches the repair log and the scheduler together.
func (m *InitiatorMailbox) SetLeaderState(isLeader bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repairLog.SetLeaderState(isLeader)
	m.scheduler.SetLeaderState(isLeader)
}

// SetMaxSeenTxnID seeds the scheduler clock after a promotion.
func (m *InitiatorMailbox) SetMaxSeenTxnID(txnID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduler.SetMaxSeenTxnID(txnID)
}

func (m *InitiatorMailbox) RepairLog() *repairlog.RepairLog {
	return m.repairLog
}

// Execute runs fn under the mailbox lock, ordered with deliveries and
// replica set changes.
func (m *InitiatorMailbox) Execute(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
