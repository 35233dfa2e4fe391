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
	"sort"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// poisonPartition tags the synthetic response injected by Poison.
const poisonPartition = -1

// MpTransactionState is the coordinator side of a multi-partition
// transaction: where its fragments go and the responses that came back.
type MpTransactionState struct {
	mailbox    Mailbox
	sendLock   *sync.Mutex
	restartGen *RestartSequenceGenerator
	task       *message.InitiateTask
	sysProc    bool
	// truncation is the coordinator's repair log truncation point, stamped
	// into everything sent.
	truncation *atomic.Int64

	mu               sync.Mutex
	cond             *sync.Cond
	partitionMasters map[int]int64
	buddyHSID        int64
	timestamp        int64
	firstBatchSent   bool
	inbox            []*message.FragmentResponse
}

// NewMpTransactionState builds the coordinator state. sendLock is shared by
// every MP transaction of the coordinator.
func NewMpTransactionState(mailbox Mailbox, sendLock *sync.Mutex, restartGen *RestartSequenceGenerator,
	task *message.InitiateTask, partitionMasters map[int]int64, buddyHSID int64) *MpTransactionState {
	s := &MpTransactionState{
		mailbox:          mailbox,
		sendLock:         sendLock,
		restartGen:       restartGen,
		task:             task,
		sysProc:          len(task.ProcName) > 0 && task.ProcName[0] == '@',
		partitionMasters: copyMasters(partitionMasters),
		buddyHSID:        buddyHSID,
		timestamp:        InitialTimestamp,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func copyMasters(in map[int]int64) map[int]int64 {
	out := make(map[int]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Partitions returns the partitions taking part, sorted.
func (s *MpTransactionState) Partitions() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partitionsLocked()
}

func (s *MpTransactionState) partitionsLocked() []int {
	var pids []int
	if s.task.IsNPartition() {
		pids = append(pids, s.task.NPartitions...)
	} else {
		for pid := range s.partitionMasters {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

// Masters returns the hsids of the masters taking part.
func (s *MpTransactionState) Masters() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mastersLocked()
}

func (s *MpTransactionState) mastersLocked() []int64 {
	var hsids []int64
	for _, pid := range s.partitionsLocked() {
		if hsid, ok := s.partitionMasters[pid]; ok {
			hsids = append(hsids, hsid)
		}
	}
	return hsids
}

// UpdateMasters swaps in the masters produced by a repair.
func (s *MpTransactionState) UpdateMasters(partitionMasters map[int]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitionMasters = copyMasters(partitionMasters)
}

func (s *MpTransactionState) Timestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// beginRestart starts a new attempt. Responses to older attempts are
// dropped from then on.
func (s *MpTransactionState) beginRestart() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamp = s.restartGen.Next()
	s.firstBatchSent = false
	s.inbox = nil
	return s.timestamp
}

// Offer hands a fragment response to the waiting procedure.
func (s *MpTransactionState) Offer(resp *message.FragmentResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inbox = append(s.inbox, resp)
	s.cond.Broadcast()
}

// Poison makes the procedure observe ErrTransactionRestart at its next
// wait for responses.
func (s *MpTransactionState) Poison() {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &message.FragmentResponse{
		TxnID:       s.task.TxnID,
		PartitionID: poisonPartition,
		Timestamp:   s.timestamp,
		Status:      message.FragmentUnexpectedError,
		Err: &message.TransactionError{
			Kind:    message.ErrorKindRestart,
			TxnID:   s.task.TxnID,
			Message: "transaction restarted by repair",
		},
	}
	s.inbox = append(s.inbox, resp)
	s.cond.Broadcast()
}

type fragmentSend struct {
	dest int64
	msg  *message.FragmentTask
}

func (s *MpTransactionState) truncationHandle() int64 {
	if s.truncation == nil {
		return 0
	}
	return s.truncation.Load()
}

func (s *MpTransactionState) newFragmentTask(txn *TransactionState, fragments []message.Fragment,
	inputDeps map[int][][]byte, final bool) *message.FragmentTask {
	return &message.FragmentTask{
		TxnInfo: message.TxnInfo{
			InitiatorHSID:    s.mailbox.HSID(),
			CoordinatorHSID:  s.mailbox.HSID(),
			TxnID:            txn.txnID,
			UniqueID:         txn.uniqueID,
			SpHandle:         txn.spHandle,
			TruncationHandle: s.truncationHandle(),
			ReadOnly:         txn.readOnly,
		},
		Fragments:   fragments,
		Final:       final,
		Timestamp:   s.timestamp,
		NPartitions: s.task.NPartitions,
		SysProc:     s.sysProc,
		InputDeps:   inputDeps,
	}
}

// ExecuteFragments sends one batch and waits for every partition in it.
// The first batch of an attempt goes to every participating master, with
// empty work for partitions the batch does not touch, so that all of them
// order the transaction.
func (s *MpTransactionState) ExecuteFragments(txn *TransactionState, work map[int][]message.Fragment,
	inputDeps map[int][][]byte, final bool) (map[int][]message.Dependency, error) {
	s.mu.Lock()
	ts := s.timestamp
	targets := make([]int, 0, len(work))
	if !s.firstBatchSent {
		targets = s.partitionsLocked()
		for pid := range work {
			if !containsInt(targets, pid) {
				s.mu.Unlock()
				return nil, errors.Errorf("partition %d does not take part in txn %s", pid,
					txnego.TxnIDString(txn.txnID))
			}
		}
	} else {
		for pid := range work {
			targets = append(targets, pid)
		}
		sort.Ints(targets)
	}
	sends := make([]fragmentSend, 0, len(targets))
	expected := make(map[int]bool, len(targets))
	for _, pid := range targets {
		hsid, ok := s.partitionMasters[pid]
		if !ok {
			s.mu.Unlock()
			return nil, errors.Errorf("no master for partition %d", pid)
		}
		ft := s.newFragmentTask(txn, work[pid], inputDeps, final)
		if !s.firstBatchSent {
			ft.InitiateTask = s.task
		}
		sends = append(sends, fragmentSend{dest: hsid, msg: ft})
		expected[pid] = true
	}
	s.firstBatchSent = true
	s.mu.Unlock()

	s.sendLock.Lock()
	for _, send := range sends {
		s.mailbox.Send(send.dest, send.msg)
	}
	s.sendLock.Unlock()

	return s.awaitResponses(txn.txnID, ts, expected, work)
}

func (s *MpTransactionState) awaitResponses(txnID, ts int64, expected map[int]bool,
	work map[int][]message.Fragment) (map[int][]message.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make(map[int][]message.Dependency, len(work))
	var firstErr error
	for len(expected) > 0 {
		for len(s.inbox) == 0 {
			s.cond.Wait()
		}
		resp := s.inbox[0]
		s.inbox[0] = nil
		s.inbox = s.inbox[1:]
		if resp.TxnID != txnID || resp.Timestamp != ts {
			log.Debug("dropping stale fragment response", zap.String("txn", txnego.TxnIDString(txnID)),
				zap.Int64("timestamp", resp.Timestamp), zap.Int64("current", ts))
			continue
		}
		if resp.PartitionID == poisonPartition {
			return nil, ErrTransactionRestart
		}
		if !expected[resp.PartitionID] {
			continue
		}
		delete(expected, resp.PartitionID)
		if resp.Status != message.FragmentSuccess && firstErr == nil {
			firstErr = fragmentError(resp)
		}
		if _, ok := work[resp.PartitionID]; ok {
			results[resp.PartitionID] = resp.Dependencies
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// Borrow runs read-only fragments on the coordinator's local buddy site.
func (s *MpTransactionState) Borrow(txn *TransactionState, fragments []message.Fragment,
	inputDeps map[int][][]byte) ([]message.Dependency, error) {
	s.mu.Lock()
	ts := s.timestamp
	buddy := s.buddyHSID
	ft := s.newFragmentTask(txn, fragments, inputDeps, false)
	ft.ReadOnly = true
	s.mu.Unlock()

	s.mailbox.Send(buddy, &message.BorrowTask{Fragment: ft, InputDeps: inputDeps})

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for len(s.inbox) == 0 {
			s.cond.Wait()
		}
		resp := s.inbox[0]
		s.inbox[0] = nil
		s.inbox = s.inbox[1:]
		if resp.TxnID != txn.txnID || resp.Timestamp != ts {
			continue
		}
		if resp.PartitionID == poisonPartition {
			return nil, ErrTransactionRestart
		}
		if resp.ExecutorHSID != buddy {
			continue
		}
		if resp.Status != message.FragmentSuccess {
			return nil, fragmentError(resp)
		}
		return resp.Dependencies, nil
	}
}

// Complete tells every participating master how the attempt ended.
func (s *MpTransactionState) Complete(txn *TransactionState, rollback, restart bool, ts int64) {
	s.mu.Lock()
	masters := s.mastersLocked()
	s.mu.Unlock()
	msg := &message.CompleteTransaction{
		TxnInfo: message.TxnInfo{
			InitiatorHSID:    s.mailbox.HSID(),
			CoordinatorHSID:  s.mailbox.HSID(),
			TxnID:            txn.txnID,
			UniqueID:         txn.uniqueID,
			SpHandle:         txn.spHandle,
			TruncationHandle: s.truncationHandle(),
			ReadOnly:         txn.readOnly,
		},
		Rollback:  rollback,
		Restart:   restart,
		Timestamp: ts,
		NPartTxn:  s.task.IsNPartition(),
	}
	s.sendLock.Lock()
	s.mailbox.SendMulti(masters, msg)
	s.sendLock.Unlock()
}

func fragmentError(resp *message.FragmentResponse) error {
	if resp.Err == nil {
		return &EngineError{Err: errors.Errorf("fragment failed at partition %d", resp.PartitionID)}
	}
	switch resp.Err.Kind {
	case message.ErrorKindUser:
		return &UserAbortError{Msg: resp.Err.Message}
	case message.ErrorKindRestart:
		return ErrTransactionRestart
	default:
		return &EngineError{Err: errors.New(resp.Err.Message)}
	}
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
