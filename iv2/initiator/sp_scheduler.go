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
	"sort"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// schedulerMailbox is what a scheduler needs from its mailbox.
type schedulerMailbox interface {
	Mailbox
	DeliverToRepairLog(msg message.Message)
}

// SpScheduler sequences the work of one partition replica. The leader
// stamps sp handles and replicates; replicas run what the leader sent.
// Every method except the durability listener runs under the mailbox lock.
type SpScheduler struct {
	schedulerBase

	mailbox     schedulerMailbox
	pending     *TransactionTaskQueue
	commandLog  CommandLog
	diagnostics *Diagnostics

	replicas    []int64
	sendTo      []int64
	outstanding map[int64]*TransactionState
	counters    map[counterKey]*DuplicateCounter
	// truncationHandle is the last sp handle every replica finished.
	truncationHandle int64
	replayComplete   bool
	lastDurable      atomic.Int64
}

func NewSpScheduler(partitionID int, mailbox schedulerMailbox, pending *TransactionTaskQueue,
	commandLog CommandLog, diagnostics *Diagnostics) *SpScheduler {
	if commandLog == nil {
		commandLog = NullCommandLog{}
	}
	s := &SpScheduler{
		mailbox:          mailbox,
		pending:          pending,
		commandLog:       commandLog,
		diagnostics:      diagnostics,
		outstanding:      make(map[int64]*TransactionState),
		counters:         make(map[counterKey]*DuplicateCounter),
		truncationHandle: math.MinInt64,
	}
	s.init(partitionID)
	commandLog.RegisterDurabilityListener(func(spHandle int64) {
		if spHandle > s.lastDurable.Load() {
			s.lastDurable.Store(spHandle)
		}
	})
	return s
}

func (s *SpScheduler) hsid() int64 { return s.mailbox.HSID() }

// LastDurableSpHandle is the highest sp handle the command log flushed.
func (s *SpScheduler) LastDurableSpHandle() int64 { return s.lastDurable.Load() }

// stamped reports whether a leader of this partition sequenced the message.
func (s *SpScheduler) stamped(spHandle int64) bool {
	return txnego.Sequence(spHandle) >= txnego.SequenceZero && txnego.PartitionID(spHandle) == s.partitionID
}

func (s *SpScheduler) Deliver(msg message.Message) {
	switch m := msg.(type) {
	case *message.InitiateTask:
		s.handleInitiateTask(m)
	case *message.InitiateResponse:
		s.handleInitiateResponse(m)
	case *message.FragmentTask:
		s.handleFragmentTask(m)
	case *message.FragmentResponse:
		s.handleFragmentResponse(m)
	case *message.CompleteTransaction:
		s.handleCompleteTransaction(m)
	case *message.CompleteTransactionResponse:
		s.handleCompleteTransactionResponse(m)
	case *message.BorrowTask:
		s.handleBorrowTask(m)
	case *message.MultiPartitionParticipant:
		s.handleMultipartSentinel(m)
	case *message.LogFault:
		s.handleLogFault(m)
	case *message.DummyTransactionTask:
		s.handleDummyTransaction(m)
	case *message.DummyTransactionResponse:
		s.handleDummyTransactionResponse(m)
	case *message.Rejoin:
		s.pending.queue.Offer(newSiteFunc("rejoin", tasker.PriorityHigh, func(site *Site) {
			site.HandleRejoin(m)
		}))
	case *message.DumpRequest:
		s.dump(m.Reason)
	default:
		log.Warn("sp scheduler dropped unknown message", zap.String("hsid", message.HSIDString(s.hsid())),
			zap.Stringer("type", msg.MsgType()))
	}
}

func (s *SpScheduler) replicate(msg message.Message) {
	if len(s.sendTo) > 0 {
		s.mailbox.SendMulti(s.sendTo, msg)
	}
}

func (s *SpScheduler) addCounter(txnID, spHandle, destination int64, expected []int64) {
	s.counters[counterKey{txnID: txnID, spHandle: spHandle}] = NewDuplicateCounter(destination, txnID, expected)
	s.updateGauge()
}

func (s *SpScheduler) updateGauge() {
	outstandingGauge.WithLabelValues(message.HSIDString(s.hsid())).Set(float64(len(s.counters)))
}

func (s *SpScheduler) handleInitiateTask(msg *message.InitiateTask) {
	if !msg.SinglePartition && !msg.EveryPartition {
		crashLocal("sp scheduler received a multi-partition initiation",
			zap.String("hsid", message.HSIDString(s.hsid())), zap.Stringer("task", msg))
		return
	}
	leader := s.IsLeader()
	sameHost := message.HostID(msg.InitiatorHSID) == message.HostID(s.hsid())
	var task *message.InitiateTask
	switch {
	case leader || (msg.ReadOnly && sameHost && !s.stamped(msg.SpHandle)):
		var spHandle int64
		switch {
		case msg.ForReplay:
			spHandle = msg.TxnID
			s.SetMaxSeenTxnID(spHandle)
		case leader:
			spHandle = s.AdvanceTxnEgo().TxnID()
		default:
			// A short circuit read on a replica reuses the last handle.
			spHandle = s.CurrentTxnID()
		}
		task = msg.Copy()
		task.SpHandle = spHandle
		task.TruncationHandle = s.truncationHandle
		if !task.EveryPartition {
			task.TxnID = spHandle
		}
		if task.UniqueID == 0 {
			task.UniqueID = spHandle
		}
		if leader && !task.ReadOnly && len(s.sendTo) > 0 {
			repl := task.Copy()
			repl.InitiatorHSID = s.hsid()
			repl.CoordinatorHSID = s.hsid()
			s.replicate(repl)
			s.addCounter(task.TxnID, spHandle, task.InitiatorHSID, s.replicas)
		}
	case !s.stamped(msg.SpHandle):
		s.rejectInitiate(msg)
		return
	default:
		s.SetMaxSeenTxnID(msg.SpHandle)
		task = msg
	}
	log.Debug("initiate task", zap.String("hsid", message.HSIDString(s.hsid())), zap.Stringer("task", task))
	s.mailbox.DeliverToRepairLog(task)
	t := newSpProcedureTask(s.mailbox, s.pending, newSpTransactionState(task), task)
	if !task.ReadOnly {
		t.durable = s.commandLog.Log(task, task.SpHandle)
	}
	s.pending.Offer(t)
}

// rejectInitiate answers work sent to a replica as if it were the leader.
// The client interface retries it against the current leader.
func (s *SpScheduler) rejectInitiate(msg *message.InitiateTask) {
	log.Debug("rejecting initiation at a non-leader", zap.String("hsid", message.HSIDString(s.hsid())),
		zap.Stringer("task", msg))
	resp := message.NewInitiateResponse(msg, s.hsid())
	resp.Response = message.NewClientResponse(message.StatusTxnRestart, "not the partition leader", nil)
	s.mailbox.Send(msg.InitiatorHSID, resp)
}

func (s *SpScheduler) handleInitiateResponse(resp *message.InitiateResponse) {
	key := counterKey{txnID: resp.TxnID, spHandle: resp.SpHandle}
	if counter, ok := s.counters[key]; ok {
		switch counter.Offer(resp) {
		case CounterDone, CounterAbort:
			delete(s.counters, key)
			s.updateGauge()
			s.truncationHandle = resp.SpHandle
			s.sendIfAddressed(counter.Destination(), counter.LastResponse())
		case CounterMismatch:
			s.mismatch(counter, resp)
		}
		return
	}
	s.truncationHandle = resp.SpHandle
	s.mailbox.Send(resp.InitiatorHSID, resp)
}

// sendIfAddressed drops responses of repair work, which has no client,
// and responses that already reached their destination.
func (s *SpScheduler) sendIfAddressed(dest int64, msg message.Message) {
	if dest == 0 || dest == s.hsid() || msg == nil {
		return
	}
	s.mailbox.Send(dest, msg)
}

func (s *SpScheduler) mismatch(counter *DuplicateCounter, msg message.Message) {
	mismatchCounter.WithLabelValues(message.HSIDString(s.hsid())).Inc()
	detail := DescribeMismatch(counter.hashes, hashesOf(msg))
	crashLocal("hash mismatch: replicas produced different results",
		zap.String("hsid", message.HSIDString(s.hsid())), zap.Stringer("counter", counter),
		zap.String("detail", detail))
}

func (s *SpScheduler) handleFragmentTask(msg *message.FragmentTask) {
	var (
		task     *message.FragmentTask
		spHandle int64
	)
	switch {
	case s.IsLeader():
		spHandle = s.AdvanceTxnEgo().TxnID()
		task = msg.Copy()
		task.SpHandle = spHandle
		if task.InitiateTask != nil {
			initiate := task.InitiateTask.Copy()
			initiate.SpHandle = spHandle
			task.InitiateTask = initiate
		}
		if len(s.sendTo) > 0 && (!task.ReadOnly || task.SysProc) {
			repl := task.Copy()
			repl.CoordinatorHSID = s.hsid()
			s.replicate(repl)
			s.addCounter(task.TxnID, spHandle, task.CoordinatorHSID, s.replicas)
		}
	case !s.stamped(msg.SpHandle):
		s.rejectFragment(msg)
		return
	default:
		task = msg
		spHandle = msg.SpHandle
		s.SetMaxSeenTxnID(spHandle)
	}
	s.mailbox.DeliverToRepairLog(task)
	t := s.newParticipantTask(task, spHandle)
	if task.InitiateTask != nil && !task.InitiateTask.ReadOnly {
		t.durable = s.commandLog.Log(task.InitiateTask, spHandle)
	}
	s.pending.OfferFragment(t)
}

func (s *SpScheduler) newParticipantTask(task *message.FragmentTask, spHandle int64) *TransactionTask {
	txn, ok := s.outstanding[task.TxnID]
	if !ok {
		txn = newParticipantState(spHandle, task)
		s.outstanding[task.TxnID] = txn
	}
	return newFragmentTask(s.mailbox, s.pending, txn, task, task.InputDeps)
}

// rejectFragment tells the coordinator to restart: it still thinks this
// replica leads the partition.
func (s *SpScheduler) rejectFragment(msg *message.FragmentTask) {
	log.Debug("rejecting fragment at a non-leader", zap.String("hsid", message.HSIDString(s.hsid())),
		zap.Stringer("task", msg))
	resp := message.NewFragmentResponse(msg, s.hsid(), s.partitionID)
	resp.SetError(message.FragmentUnexpectedError, &message.TransactionError{
		Kind:    message.ErrorKindRestart,
		TxnID:   msg.TxnID,
		Message: "not the partition leader",
	})
	s.mailbox.Send(resp.DestinationHSID, resp)
}

func (s *SpScheduler) handleFragmentResponse(resp *message.FragmentResponse) {
	key := counterKey{txnID: resp.TxnID, spHandle: resp.SpHandle}
	if counter, ok := s.counters[key]; ok {
		switch counter.Offer(resp) {
		case CounterDone, CounterAbort:
			delete(s.counters, key)
			s.updateGauge()
			s.truncationHandle = resp.SpHandle
			s.releaseFragmentResponse(counter)
		case CounterMismatch:
			s.mismatch(counter, resp)
		}
		return
	}
	s.mailbox.Send(resp.DestinationHSID, resp)
}

// releaseFragmentResponse sends the agreed response as our own: the
// coordinator tracks dependencies per partition leader.
func (s *SpScheduler) releaseFragmentResponse(counter *DuplicateCounter) {
	last, ok := counter.LastResponse().(*message.FragmentResponse)
	if !ok {
		s.sendIfAddressed(counter.Destination(), counter.LastResponse())
		return
	}
	out := last.Copy()
	out.ExecutorHSID = s.hsid()
	out.DestinationHSID = counter.Destination()
	s.sendIfAddressed(counter.Destination(), out)
}

func (s *SpScheduler) handleCompleteTransaction(msg *message.CompleteTransaction) {
	var task *message.CompleteTransaction
	switch {
	case s.IsLeader():
		task = msg.Copy()
		task.SpHandle = s.AdvanceTxnEgo().TxnID()
		if len(s.sendTo) > 0 {
			repl := task.Copy()
			repl.CoordinatorHSID = s.hsid()
			s.replicate(repl)
			if task.RequiresAck {
				s.addCounter(task.TxnID, task.SpHandle, task.CoordinatorHSID, s.replicas)
			}
		}
	case !s.stamped(msg.SpHandle):
		log.Warn("dropping completion sent to a non-leader", zap.String("hsid", message.HSIDString(s.hsid())),
			zap.Stringer("complete", msg))
		return
	default:
		task = msg
		s.SetMaxSeenTxnID(task.SpHandle)
	}
	s.mailbox.DeliverToRepairLog(task)
	s.offerCompletion(task)
	if task.AbortDuringRepair {
		s.commandLog.LogIv2MPFault(task.TxnID)
	}
}

// offerCompletion queues a completion. Completions produced by repair are
// released through the scoreboards so that every site of the node takes
// them in the same order. A restart keeps the participant state, the
// transaction runs again.
func (s *SpScheduler) offerCompletion(task *message.CompleteTransaction) {
	txn := s.outstanding[task.TxnID]
	if !task.Restart {
		delete(s.outstanding, task.TxnID)
	}
	t := newCompleteTask(s.mailbox, s.pending, txn, task)
	switch {
	case !IsInitial(task.Timestamp) && !task.NPartTxn:
		s.pending.OfferCoordinatedCompletion(t, txn == nil)
	case txn != nil:
		s.pending.Offer(t)
	default:
		// Buddy-only reads complete without ever reaching this site.
		if task.RequiresAck {
			s.handleCompleteTransactionResponse(
				message.NewCompleteTransactionResponse(task, s.hsid(), s.partitionID))
		}
	}
}

func (s *SpScheduler) handleCompleteTransactionResponse(resp *message.CompleteTransactionResponse) {
	key := counterKey{txnID: resp.TxnID, spHandle: resp.SpHandle}
	if counter, ok := s.counters[key]; ok {
		if res := counter.Offer(resp); res == CounterDone {
			delete(s.counters, key)
			s.updateGauge()
			out := resp.Copy()
			out.ExecutorHSID = s.hsid()
			out.DestinationHSID = counter.Destination()
			s.sendIfAddressed(counter.Destination(), out)
		}
		return
	}
	s.sendIfAddressed(resp.DestinationHSID, resp)
}

// handleBorrowTask runs a read-only fragment for the MPI. Borrows do not
// advance the sp handle.
func (s *SpScheduler) handleBorrowTask(msg *message.BorrowTask) {
	txn, ok := s.outstanding[msg.Fragment.TxnID]
	if !ok {
		// Not tracked: the borrow completes at once and never takes part
		// in the transaction like a participant would.
		txn = newBorrowState(s.CurrentTxnID(), msg.Fragment)
	}
	s.pending.Offer(newBorrowTask(s.mailbox, txn, msg.Fragment, msg.InputDeps))
}

// handleMultipartSentinel blocks the partition until the MP transaction's
// first fragment arrives, here and at the replicas.
func (s *SpScheduler) handleMultipartSentinel(msg *message.MultiPartitionParticipant) {
	s.pending.OfferMPSentinel(msg.TxnID)
	if s.IsLeader() {
		s.replicate(msg)
	}
}

func (s *SpScheduler) handleLogFault(msg *message.LogFault) {
	s.writeViableReplayEntryAt(msg.SpHandle)
	s.schedulerBase.SetMaxSeenTxnID(msg.SpHandle)
}

// handleDummyTransaction sequences an empty transaction. It moves the
// truncation point of every replica forward without client work.
func (s *SpScheduler) handleDummyTransaction(msg *message.DummyTransactionTask) {
	task := msg.Copy()
	switch {
	case s.IsLeader():
		spHandle := s.AdvanceTxnEgo().TxnID()
		task.TxnID, task.SpHandle = spHandle, spHandle
		task.TruncationHandle = s.truncationHandle
		if len(s.sendTo) > 0 {
			repl := task.Copy()
			repl.InitiatorHSID = s.hsid()
			s.replicate(repl)
			s.addCounter(task.TxnID, spHandle, task.InitiatorHSID, s.replicas)
		}
	case !s.stamped(msg.SpHandle):
		return
	default:
		s.schedulerBase.SetMaxSeenTxnID(task.SpHandle)
	}
	s.mailbox.DeliverToRepairLog(task)
	s.pending.Offer(newDummyTask(s.mailbox, s.pending, nil, task))
}

func (s *SpScheduler) handleDummyTransactionResponse(resp *message.DummyTransactionResponse) {
	key := counterKey{txnID: resp.TxnID, spHandle: resp.SpHandle}
	if counter, ok := s.counters[key]; ok {
		if counter.Offer(resp) == CounterDone {
			delete(s.counters, key)
			s.updateGauge()
			s.truncationHandle = resp.SpHandle
			s.sendIfAddressed(counter.Destination(), counter.LastResponse())
		}
		return
	}
	if s.IsLeader() {
		s.truncationHandle = resp.SpHandle
	}
	s.sendIfAddressed(resp.DestinationHSID, resp)
}

// HandleMessageRepair re-runs a repair log entry at the replicas in
// needsRepair, this one included if listed.
func (s *SpScheduler) HandleMessageRepair(needsRepair []int64, msg message.Message) {
	remote := message.WithoutHSID(needsRepair, s.hsid())
	local := len(remote) != len(needsRepair)
	switch m := msg.(type) {
	case *message.InitiateTask:
		s.addCounter(m.TxnID, m.SpHandle, 0, needsRepair)
		if local {
			task := m.Copy()
			s.pending.Offer(newSpProcedureTask(s.mailbox, s.pending, newSpTransactionState(task), task))
		}
		if len(remote) > 0 {
			repl := m.Copy()
			repl.InitiatorHSID = s.hsid()
			repl.CoordinatorHSID = s.hsid()
			s.mailbox.SendMulti(remote, repl)
		}
	case *message.FragmentTask:
		s.addCounter(m.TxnID, m.SpHandle, m.CoordinatorHSID, needsRepair)
		if local {
			task := m.Copy()
			s.pending.Offer(s.newParticipantTask(task, task.SpHandle))
		}
		if len(remote) > 0 {
			repl := m.Copy()
			repl.CoordinatorHSID = s.hsid()
			s.mailbox.SendMulti(remote, repl)
		}
	case *message.CompleteTransaction:
		if local {
			s.offerCompletion(m.Copy())
		}
		if len(remote) > 0 {
			s.mailbox.SendMulti(remote, m)
		}
	default:
		crashLocal("unexpected repair message", zap.String("hsid", message.HSIDString(s.hsid())),
			zap.Stringer("type", msg.MsgType()))
		return
	}
	repairMessageCounter.WithLabelValues(msg.MsgType().String()).Inc()
}

// UpdateReplicas installs a new replica set. Counters waiting only on
// replicas that are gone are released in (txn id, sp handle) order, which
// keeps responses to the client interface in txn id order.
func (s *SpScheduler) UpdateReplicas(replicas []int64, _ map[int]int64, _ bool) {
	s.replicas = message.SortHSIDs(append([]int64(nil), replicas...))
	s.sendTo = message.WithoutHSID(s.replicas, s.hsid())

	var done []counterKey
	for key, counter := range s.counters {
		if counter.UpdateReplicas(s.replicas) == CounterDone {
			done = append(done, key)
		}
	}
	sort.Slice(done, func(i, j int) bool { return done[i].less(done[j]) })
	for _, key := range done {
		counter := s.counters[key]
		delete(s.counters, key)
		if counter.LastResponse() == nil {
			log.Warn("replicated work lost every replica without a response",
				zap.String("hsid", message.HSIDString(s.hsid())), zap.Stringer("counter", counter))
			continue
		}
		if _, ok := counter.LastResponse().(*message.FragmentResponse); ok {
			s.releaseFragmentResponse(counter)
			continue
		}
		s.sendIfAddressed(counter.Destination(), counter.LastResponse())
	}
	s.updateGauge()
	log.Info("sp scheduler replicas updated", zap.String("hsid", message.HSIDString(s.hsid())),
		zap.String("replicas", message.HSIDsString(s.replicas)), zap.Int("released", len(done)))
	s.writeViableReplayEntry()
}

func (s *SpScheduler) SetMaxSeenTxnID(txnID int64) {
	s.schedulerBase.SetMaxSeenTxnID(txnID)
	s.writeViableReplayEntry()
}

// EnableWritingIv2FaultLog is called once command log replay finished:
// from then on membership changes write viable replay points.
func (s *SpScheduler) EnableWritingIv2FaultLog() {
	s.replayComplete = true
	s.writeViableReplayEntry()
}

// writeViableReplayEntry records a viable replay point at the leader and
// tells the replicas to record the same one.
func (s *SpScheduler) writeViableReplayEntry() {
	if !s.replayComplete || !s.IsLeader() {
		return
	}
	spHandle := s.AdvanceTxnEgo().TxnID()
	s.writeViableReplayEntryAt(spHandle)
	s.replicate(&message.LogFault{
		SpHandle:    spHandle,
		WriterHSID:  s.hsid(),
		PartitionID: s.partitionID,
		Survivors:   s.replicas,
	})
}

func (s *SpScheduler) writeViableReplayEntryAt(spHandle int64) {
	if !s.replayComplete {
		return
	}
	s.commandLog.LogIv2Fault(s.hsid(), s.replicas, s.partitionID, spHandle)
}

func (s *SpScheduler) dump(reason string) {
	keys := make([]counterKey, 0, len(s.counters))
	for key := range s.counters {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	fields := []zap.Field{
		zap.String("hsid", message.HSIDString(s.hsid())),
		zap.String("reason", reason),
		zap.Bool("leader", s.IsLeader()),
		zap.String("replicas", message.HSIDsString(s.replicas)),
		zap.String("current-txn", txnego.TxnIDString(s.CurrentTxnID())),
		zap.String("truncation-handle", txnego.TxnIDString(s.truncationHandle)),
		zap.Int("outstanding", len(s.outstanding)),
		zap.Stringer("pending", s.pending),
	}
	for _, key := range keys {
		fields = append(fields, zap.Stringer("counter", s.counters[key]))
	}
	log.Info("sp scheduler dump", fields...)
	s.diagnostics.DumpOnce(reason)
}

// Replicas returns the current replica set.
func (s *SpScheduler) Replicas() []int64 {
	return append([]int64(nil), s.replicas...)
}

// TruncationHandle is the repair log truncation point handed to replicas.
func (s *SpScheduler) TruncationHandle() int64 {
	return s.truncationHandle
}
