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
	"context"
	"math"
	"sort"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// mpMailbox is what the coordinator needs from its mailbox.
type mpMailbox interface {
	schedulerMailbox
	SetRepairAlgo(algo RepairAlgo)
	RepairReplicasWith(needsRepair []int64, msg message.Message)
}

// everyPartitionTracker gathers the per-partition answers of a system
// procedure that runs once on every partition.
type everyPartitionTracker struct {
	task      *message.InitiateTask
	origin    int64
	masters   map[int]int64
	responses map[int]*message.InitiateResponse
}

func (t *everyPartitionTracker) partitionOf(hsid int64) (int, bool) {
	for pid, master := range t.masters {
		if master == hsid {
			return pid, true
		}
	}
	return 0, false
}

// aggregate merges the partition responses. The first failure in partition
// order wins, otherwise results are concatenated in partition order.
func (t *everyPartitionTracker) aggregate() *message.ClientResponse {
	pids := make([]int, 0, len(t.responses))
	for pid := range t.responses {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	var results [][]byte
	for _, pid := range pids {
		cr := t.responses[pid].Response
		if cr == nil {
			return message.NewClientResponse(message.StatusUnexpectedFailure, "missing partition response", nil)
		}
		if !cr.Succeeded() {
			return cr
		}
		results = append(results, cr.Results...)
	}
	return message.NewClientResponse(message.StatusSuccess, "", results)
}

// MpScheduler sequences multi-partition work at the coordinator. Every
// transaction gets an id from the coordinator's own clock and is admitted
// by the MP task queue.
type MpScheduler struct {
	schedulerBase

	mailbox     mpMailbox
	mpQueue     *MpTransactionTaskQueue
	commandLog  CommandLog
	diagnostics *Diagnostics
	buddyHSID   int64

	sendLock   sync.Mutex
	restartGen *RestartSequenceGenerator
	repairGen  *RestartSequenceGenerator
	// truncation is the MP repair log truncation point of the masters.
	truncation  atomic.Int64
	repairEpoch atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	leaders          []int64
	partitionMasters map[int]int64
	outstanding      map[int64]*TransactionState
	// finished remembers how recent transactions ended until the masters
	// truncated them away.
	finished  map[int64]bool
	everyPart map[int64]*everyPartitionTracker
}

// NewMpScheduler builds the coordinator scheduler. leaderID seeds the
// restart stamps and must be unique per coordinator incarnation.
func NewMpScheduler(mailbox mpMailbox, mpQueue *MpTransactionTaskQueue, buddyHSID int64, leaderID int,
	commandLog CommandLog, diagnostics *Diagnostics) *MpScheduler {
	if commandLog == nil {
		commandLog = NullCommandLog{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &MpScheduler{
		mailbox:          mailbox,
		mpQueue:          mpQueue,
		commandLog:       commandLog,
		diagnostics:      diagnostics,
		buddyHSID:        buddyHSID,
		restartGen:       NewRestartSequenceGenerator(leaderID, true),
		repairGen:        NewRestartSequenceGenerator(leaderID, false),
		ctx:              ctx,
		cancel:           cancel,
		partitionMasters: make(map[int]int64),
		outstanding:      make(map[int64]*TransactionState),
		finished:         make(map[int64]bool),
		everyPart:        make(map[int64]*everyPartitionTracker),
	}
	s.init(txnego.MPInitPID)
	s.truncation.Store(math.MinInt64)
	return s
}

func (s *MpScheduler) hsid() int64 { return s.mailbox.HSID() }

func (s *MpScheduler) Deliver(msg message.Message) {
	switch m := msg.(type) {
	case *message.InitiateTask:
		s.handleInitiateTask(m)
	case *message.InitiateResponse:
		s.handleInitiateResponse(m)
	case *message.FragmentResponse:
		s.handleFragmentResponse(m)
	case *message.CompleteTransactionResponse:
		log.Debug("completion acknowledged", zap.String("txn", txnego.TxnIDString(m.TxnID)),
			zap.String("from", message.HSIDString(m.ExecutorHSID)))
	case *message.DummyTransactionResponse:
		log.Debug("dummy transaction acknowledged", zap.String("txn", txnego.TxnIDString(m.TxnID)))
	case *message.DumpRequest:
		s.dump(m.Reason)
	default:
		log.Warn("mp scheduler dropped unexpected message", zap.Stringer("type", msg.MsgType()))
	}
}

func (s *MpScheduler) handleInitiateTask(msg *message.InitiateTask) {
	if !s.IsLeader() {
		resp := message.NewInitiateResponse(msg, s.hsid())
		resp.Response = message.NewClientResponse(message.StatusTxnRestart, "coordinator is not leader", nil)
		resp.Response.ClientHandle = msg.ClientHandle
		s.mailbox.Send(msg.InitiatorHSID, resp)
		return
	}
	task := msg.Copy()
	txnID := s.AdvanceTxnEgo().TxnID()
	task.TxnID = txnID
	task.SpHandle = txnID
	task.CoordinatorHSID = s.hsid()
	task.TruncationHandle = s.truncation.Load()
	if task.EveryPartition {
		s.startEveryPartition(task)
		return
	}

	s.mu.Lock()
	mp := NewMpTransactionState(s.mailbox, &s.sendLock, s.restartGen, task, s.partitionMasters, s.buddyHSID)
	mp.truncation = &s.truncation
	state := newMpState(task, mp)
	s.outstanding[txnID] = state
	s.mu.Unlock()

	t := newMpProcedureTask(s.mailbox, s.mpQueue, state, task, s.transactionDone)
	if !task.ReadOnly {
		t.durable = s.commandLog.Log(task, txnID)
	}
	s.mpQueue.Offer(t)
}

// transactionDone runs on the site that ended the transaction.
func (s *MpScheduler) transactionDone(txnID int64, rollback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, txnID)
	s.finished[txnID] = rollback
	s.advanceTruncationLocked(txnID)
}

// advanceTruncationLocked moves the truncation point up to candidate but
// never past an outstanding transaction.
func (s *MpScheduler) advanceTruncationLocked(candidate int64) {
	for txnID := range s.outstanding {
		if txnID-1 < candidate {
			candidate = txnID - 1
		}
	}
	if candidate <= s.truncation.Load() {
		return
	}
	s.truncation.Store(candidate)
	for txnID := range s.finished {
		if txnID <= candidate {
			delete(s.finished, txnID)
		}
	}
}

// outcome feeds the repair algorithm with what this coordinator still
// remembers.
func (s *MpScheduler) outcome(txnID int64) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rollback, ok := s.finished[txnID]
	return rollback, ok
}

func (s *MpScheduler) handleFragmentResponse(resp *message.FragmentResponse) {
	s.mu.Lock()
	state, ok := s.outstanding[resp.TxnID]
	s.mu.Unlock()
	if !ok {
		log.Debug("fragment response for a finished transaction",
			zap.String("txn", txnego.TxnIDString(resp.TxnID)),
			zap.String("from", message.HSIDString(resp.ExecutorHSID)))
		return
	}
	state.mp.Offer(resp)
}

func (s *MpScheduler) startEveryPartition(task *message.InitiateTask) {
	s.mu.Lock()
	tracker := &everyPartitionTracker{
		task:      task,
		origin:    task.InitiatorHSID,
		masters:   copyMasters(s.partitionMasters),
		responses: make(map[int]*message.InitiateResponse),
	}
	s.everyPart[task.TxnID] = tracker
	s.mu.Unlock()

	fanout := task.Copy()
	fanout.InitiatorHSID = s.hsid()
	dests := make([]int64, 0, len(tracker.masters))
	for _, hsid := range tracker.masters {
		dests = append(dests, hsid)
	}
	if len(dests) == 0 {
		s.finishEveryPartition(task.TxnID,
			message.NewClientResponse(message.StatusUnexpectedFailure, "no partition masters", nil))
		return
	}
	s.sendLock.Lock()
	s.mailbox.SendMulti(message.SortHSIDs(dests), fanout)
	s.sendLock.Unlock()
}

func (s *MpScheduler) handleInitiateResponse(resp *message.InitiateResponse) {
	s.mu.Lock()
	tracker, ok := s.everyPart[resp.TxnID]
	if !ok {
		s.mu.Unlock()
		log.Debug("initiate response without a tracker", zap.String("txn", txnego.TxnIDString(resp.TxnID)))
		return
	}
	pid, ok := tracker.partitionOf(resp.ExecutorHSID)
	if !ok {
		s.mu.Unlock()
		log.Warn("every-partition response from an unknown master",
			zap.String("from", message.HSIDString(resp.ExecutorHSID)))
		return
	}
	tracker.responses[pid] = resp
	complete := len(tracker.responses) == len(tracker.masters)
	s.mu.Unlock()
	if complete {
		s.finishEveryPartition(resp.TxnID, tracker.aggregate())
	}
}

func (s *MpScheduler) finishEveryPartition(txnID int64, cr *message.ClientResponse) {
	s.mu.Lock()
	tracker, ok := s.everyPart[txnID]
	delete(s.everyPart, txnID)
	s.mu.Unlock()
	if !ok {
		return
	}
	resp := message.NewInitiateResponse(tracker.task, s.hsid())
	resp.InitiatorHSID = tracker.origin
	cr.ClientHandle = tracker.task.ClientHandle
	resp.Response = cr
	s.mailbox.Send(tracker.origin, resp)
}

// UpdateReplicas installs the new partition masters and queues a repair of
// the MP queue. Before the coordinator's own promotion finished only the
// masters are recorded, the promotion repairs them.
func (s *MpScheduler) UpdateReplicas(replicas []int64, partitionMasters map[int]int64, balanceSPI bool) {
	masters := message.SortHSIDs(append([]int64(nil), replicas...))
	s.mu.Lock()
	s.leaders = masters
	s.partitionMasters = copyMasters(partitionMasters)
	if !s.IsLeader() {
		s.mu.Unlock()
		return
	}
	var failed []int64
	for txnID, tracker := range s.everyPart {
		for pid, hsid := range tracker.masters {
			if partitionMasters[pid] != hsid {
				failed = append(failed, txnID)
				break
			}
		}
	}
	s.mu.Unlock()
	for _, txnID := range failed {
		s.finishEveryPartition(txnID, message.NewClientResponse(message.StatusUnexpectedFailure,
			"partition master changed during execution", nil))
	}
	epoch := s.repairEpoch.Inc()
	repair := newMpRepairTask(s, masters, balanceSPI, epoch)
	s.mpQueue.Repair(repair, masters, partitionMasters, balanceSPI)
}

// HandleMessageRepair sends a repair completion to the masters.
func (s *MpScheduler) HandleMessageRepair(needsRepair []int64, msg message.Message) {
	complete, ok := msg.(*message.CompleteTransaction)
	if !ok {
		crashLocal("unexpected mp repair message", zap.Stringer("type", msg.MsgType()))
		return
	}
	if complete.AbortDuringRepair {
		s.commandLog.LogIv2MPFault(complete.TxnID)
	}
	s.sendLock.Lock()
	s.mailbox.SendMulti(needsRepair, complete)
	s.sendLock.Unlock()
	repairMessageCounter.WithLabelValues(msg.MsgType().String()).Inc()
}

// applyRepair seeds the clock and the truncation point from a finished
// repair.
func (s *MpScheduler) applyRepair(result *RepairResult) {
	s.SetMaxSeenTxnID(result.MaxSeenTxnID)
	if result.RepairTruncationHandle == math.MinInt64 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceTruncationLocked(result.RepairTruncationHandle)
}

// Masters returns the partition masters the coordinator sends to.
func (s *MpScheduler) Masters() map[int]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyMasters(s.partitionMasters)
}

func (s *MpScheduler) Leaders() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.leaders...)
}

// TruncationHandle is the MP truncation point stamped into outgoing work.
func (s *MpScheduler) TruncationHandle() int64 {
	return s.truncation.Load()
}

// Outstanding is the number of MP transactions not yet finished.
func (s *MpScheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Shutdown releases a repair waiting for masters that will never answer.
func (s *MpScheduler) Shutdown() {
	s.cancel()
}

func (s *MpScheduler) dump(reason string) {
	s.mu.Lock()
	txnIDs := make([]int64, 0, len(s.outstanding))
	for txnID := range s.outstanding {
		txnIDs = append(txnIDs, txnID)
	}
	leaders := s.leaders
	s.mu.Unlock()
	sort.Slice(txnIDs, func(i, j int) bool { return txnIDs[i] < txnIDs[j] })
	ids := make([]string, 0, len(txnIDs))
	for _, id := range txnIDs {
		ids = append(ids, txnego.TxnIDString(id))
	}
	log.Info("mp scheduler dump",
		zap.String("hsid", message.HSIDString(s.hsid())),
		zap.String("reason", reason),
		zap.Bool("leader", s.IsLeader()),
		zap.String("leaders", message.HSIDsString(leaders)),
		zap.String("current-txn", txnego.TxnIDString(s.CurrentTxnID())),
		zap.String("truncation", txnego.TxnIDString(s.truncation.Load())),
		zap.Strings("outstanding", ids),
		zap.Stringer("queue", s.mpQueue))
	s.diagnostics.DumpOnce(reason)
}
