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

// Package repairlog keeps the journal of in-flight transactions a replica
// hands to a newly promoted leader.
package repairlog

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// MigratePartitionLeaderProc is the control procedure that moves a leader.
// It is never repaired.
const MigratePartitionLeaderProc = "@MigratePartitionLeader"

// unsetHandle marks the last MP handle before any MP work was seen.
const unsetHandle int64 = math.MaxInt64

// Item is one logged message.
type Item struct {
	MP     bool
	Handle int64
	TxnID  int64
	Msg    message.TransactionMessage
}

// canTruncate reports whether the item is committed everywhere once
// handle is. MP items compare transaction ids since every fragment of a
// transaction shares one.
func (i *Item) canTruncate(handle int64) bool {
	if i.MP {
		return i.TxnID <= handle
	}
	return i.Handle <= handle
}

func (i *Item) String() string {
	kind := "SP"
	if i.MP {
		kind = "MP"
	}
	return fmt.Sprintf("%s handle %s txn %s %s", kind, txnego.TxnIDString(i.Handle),
		txnego.TxnIDString(i.TxnID), i.Msg.MsgType())
}

// HashinatorFunc returns the current partitioning configuration.
type HashinatorFunc func() (version int64, config []byte)

// RepairLog holds the SP and MP logs of one replica.
type RepairLog struct {
	name string

	mu           sync.Mutex
	isLeader     bool
	logSP        []*Item
	logMP        []*Item
	lastSpHandle int64
	lastMpHandle int64
	hashinator   HashinatorFunc
}

func NewRepairLog(name string) *RepairLog {
	return &RepairLog{
		name:         name,
		lastSpHandle: math.MinInt64,
		lastMpHandle: unsetHandle,
	}
}

func (l *RepairLog) SetHashinator(fn HashinatorFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hashinator = fn
}

// SetLeaderState records the role. Becoming leader drops the SP log: a new
// leader never replays its own SP entries to itself.
func (l *RepairLog) SetLeaderState(isLeader bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if isLeader && !l.isLeader {
		log.Info("discarding sp repair log on promotion", zap.String("log", l.name),
			zap.Int("entries", len(l.logSP)))
		l.logSP = nil
	}
	l.isLeader = isLeader
}

// Deliver logs msg if it is repairable and advances truncation points.
func (l *RepairLog) Deliver(msg message.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m := msg.(type) {
	case *message.InitiateTask:
		if m.ReadOnly {
			return
		}
		l.lastSpHandle = m.SpHandle
		l.truncateLocked(m.TruncationHandle, false)
		if m.ProcName == MigratePartitionLeaderProc {
			return
		}
		l.logSP = append(l.logSP, &Item{Handle: m.SpHandle, TxnID: m.TxnID, Msg: m})
	case *message.FragmentTask:
		// Every MP id seen counts toward the header, logged or not: a
		// promoted MPI seeds its clock from it.
		first := l.advanceMpHandleLocked(m.TxnID)
		// Read-only MP work is never repaired, readers re-issue it.
		if m.ReadOnly {
			return
		}
		l.truncateLocked(m.TruncationHandle, true)
		if first {
			l.logMP = append(l.logMP, &Item{MP: true, Handle: m.SpHandle, TxnID: m.TxnID, Msg: m})
			l.lastSpHandle = m.SpHandle
		}
	case *message.CompleteTransaction:
		// A restore may complete an id below the current head.
		l.advanceMpHandleLocked(m.TxnID)
		if m.ReadOnly || m.Restart || m.AbortDuringRepair {
			return
		}
		l.truncateLocked(m.TruncationHandle, true)
		l.logMP = append(l.logMP, &Item{MP: true, Handle: m.SpHandle, TxnID: m.TxnID, Msg: m})
		l.lastSpHandle = m.SpHandle
	case *message.DummyTransactionTask:
		l.lastSpHandle = m.SpHandle
		l.truncateLocked(m.TruncationHandle, false)
	case *message.RepairLogTruncation:
		l.truncateLocked(m.Handle, false)
	case *message.DumpRequest:
		log.Info("repair log dump", zap.String("log", l.name), zap.String("reason", m.Reason),
			zap.String("state", l.stringLocked()))
	}
}

// advanceMpHandleLocked keeps the max MP id seen and reports whether txnID
// is above every earlier one.
func (l *RepairLog) advanceMpHandleLocked(txnID int64) bool {
	if l.lastMpHandle == unsetHandle || txnID > l.lastMpHandle {
		l.lastMpHandle = txnID
		return true
	}
	return false
}

// Truncate drops every committed item up to handle from one log.
func (l *RepairLog) Truncate(handle int64, mp bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.truncateLocked(handle, mp)
}

func (l *RepairLog) truncateLocked(handle int64, mp bool) {
	// The MIN sentinel means no truncation point is known yet.
	if handle == math.MinInt64 {
		return
	}
	deque := &l.logSP
	if mp {
		deque = &l.logMP
	}
	n := 0
	for n < len(*deque) && (*deque)[n].canTruncate(handle) {
		(*deque)[n] = nil
		n++
	}
	*deque = (*deque)[n:]
}

// Contents packages the log for a repair request. The MP log is always
// included; the SP log only when the requester is not the MPI.
func (l *RepairLog) Contents(requestID int64, forMPI bool, source int64) []*message.RepairLogResponse {
	l.mu.Lock()
	defer l.mu.Unlock()

	items := make([]*Item, 0, len(l.logMP)+len(l.logSP))
	items = append(items, l.logMP...)
	if !forMPI {
		items = append(items, l.logSP...)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Handle < items[j].Handle })

	total := len(items) + 1
	header := &message.RepairLogResponse{
		RequestID:  requestID,
		SourceHSID: source,
		Sequence:   0,
		OfTotal:    total,
		Handle:     l.lastSpHandle,
		TxnID:      l.lastMpHandle,
	}
	if l.hashinator != nil {
		header.HashinatorVersion, header.HashinatorConfig = l.hashinator()
	}
	responses := make([]*message.RepairLogResponse, 0, total)
	responses = append(responses, header)
	for i, item := range items {
		responses = append(responses, &message.RepairLogResponse{
			RequestID:  requestID,
			SourceHSID: source,
			Sequence:   i + 1,
			OfTotal:    total,
			Handle:     item.Handle,
			TxnID:      item.TxnID,
			Payload:    item.Msg,
		})
	}
	return responses
}

func (l *RepairLog) LastSpHandle() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSpHandle
}

// LastMpHandle returns the last MP transaction id seen and false while no
// MP work has been seen.
func (l *RepairLog) LastMpHandle() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMpHandle, l.lastMpHandle != unsetHandle
}

// Len returns the sizes of the SP and MP logs.
func (l *RepairLog) Len() (sp, mp int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logSP), len(l.logMP)
}

func (l *RepairLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stringLocked()
}

func (l *RepairLog) stringLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "RepairLog %s leader %v last sp %s last mp %s\n", l.name, l.isLeader,
		txnego.TxnIDString(l.lastSpHandle), txnego.TxnIDString(l.lastMpHandle))
	for _, item := range l.logSP {
		fmt.Fprintf(&b, "  %s\n", item)
	}
	for _, item := range l.logMP {
		fmt.Fprintf(&b, "  %s\n", item)
	}
	return b.String()
}
