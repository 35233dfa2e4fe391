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

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SiteTask is a task a Site knows how to run.
type SiteTask interface {
	tasker.SiteTasker
	Run(site *Site)
	// RunForRejoin runs the task on a site that is still rejoining. Work is
	// journaled to taskLog instead of executed.
	RunForRejoin(site *Site, taskLog TaskLog)
}

// TaskKind is the variant of a TransactionTask.
type TaskKind int8

const (
	KindSingleProcedure TaskKind = iota
	KindBatchProcedure
	KindMultiPartitionProcedure
	KindNPartitionProcedure
	KindFragment
	KindCompleteTransaction
	KindDummy
	KindEveryPartition
)

var taskKindNames = [...]string{
	KindSingleProcedure:         "SingleProcedure",
	KindBatchProcedure:          "BatchProcedure",
	KindMultiPartitionProcedure: "MultiPartitionProcedure",
	KindNPartitionProcedure:     "NPartitionProcedure",
	KindFragment:                "Fragment",
	KindCompleteTransaction:     "CompleteTransaction",
	KindDummy:                   "Dummy",
	KindEveryPartition:          "EveryPartition",
}

func (k TaskKind) String() string {
	if int(k) < len(taskKindNames) {
		return taskKindNames[k]
	}
	return fmt.Sprintf("TaskKind(%d)", int(k))
}

// isMP reports whether tasks of kind k belong to a multi-partition
// transaction at a partition.
func (k TaskKind) isMP() bool {
	return k == KindFragment || k == KindCompleteTransaction
}

// TransactionTask is one unit of transaction work at a site.
type TransactionTask struct {
	kind  TaskKind
	state *TransactionState

	// queue is not owned. Tasks call back into it to flush once done.
	queue   *TransactionTaskQueue
	mpQueue *MpTransactionTaskQueue
	mailbox Mailbox

	initiate  *message.InitiateTask
	fragment  *message.FragmentTask
	complete  *message.CompleteTransaction
	dummy     *message.DummyTransactionTask
	inputDeps map[int][][]byte

	// borrow tasks bypass the transaction queue.
	borrow bool
	// missing marks a repair completion for a transaction the site never saw.
	missing bool
	// durable is closed once the command log made the work durable.
	durable <-chan struct{}
	// onDone is called by coordinator tasks once the transaction ended.
	onDone   func(txnID int64, rollback bool)
	priority tasker.Priority

	// started is set once a coordinator site first picks the task up.
	started atomic.Bool
	// poisoned marks coordinator work repair must run again. Guarded by
	// the MpTransactionTaskQueue lock.
	poisoned bool
}

func newSpProcedureTask(mailbox Mailbox, queue *TransactionTaskQueue, state *TransactionState,
	task *message.InitiateTask) *TransactionTask {
	kind := KindSingleProcedure
	switch {
	case task.EveryPartition:
		kind = KindEveryPartition
	case task.IsBatch():
		kind = KindBatchProcedure
	}
	return &TransactionTask{kind: kind, state: state, queue: queue, mailbox: mailbox, initiate: task,
		priority: tasker.PriorityNormal}
}

func newFragmentTask(mailbox Mailbox, queue *TransactionTaskQueue, state *TransactionState,
	fragment *message.FragmentTask, inputDeps map[int][][]byte) *TransactionTask {
	return &TransactionTask{kind: KindFragment, state: state, queue: queue, mailbox: mailbox,
		fragment: fragment, inputDeps: inputDeps, priority: tasker.PriorityNormal}
}

func newBorrowTask(mailbox Mailbox, state *TransactionState, fragment *message.FragmentTask,
	inputDeps map[int][][]byte) *TransactionTask {
	return &TransactionTask{kind: KindFragment, state: state, mailbox: mailbox, fragment: fragment,
		inputDeps: inputDeps, borrow: true, priority: tasker.PriorityNormal}
}

func newCompleteTask(mailbox Mailbox, queue *TransactionTaskQueue, state *TransactionState,
	complete *message.CompleteTransaction) *TransactionTask {
	return &TransactionTask{kind: KindCompleteTransaction, state: state, queue: queue, mailbox: mailbox,
		complete: complete, missing: state == nil, priority: tasker.PriorityNormal}
}

func newDummyTask(mailbox Mailbox, queue *TransactionTaskQueue, state *TransactionState,
	dummy *message.DummyTransactionTask) *TransactionTask {
	return &TransactionTask{kind: KindDummy, state: state, queue: queue, mailbox: mailbox, dummy: dummy,
		priority: tasker.PriorityNormal}
}

func newMpProcedureTask(mailbox Mailbox, mpQueue *MpTransactionTaskQueue, state *TransactionState,
	task *message.InitiateTask, onDone func(int64, bool)) *TransactionTask {
	kind := KindMultiPartitionProcedure
	if task.IsNPartition() {
		kind = KindNPartitionProcedure
	}
	return &TransactionTask{kind: kind, state: state, mpQueue: mpQueue, mailbox: mailbox, initiate: task,
		onDone: onDone, priority: tasker.PriorityNormal}
}

func (t *TransactionTask) Priority() tasker.Priority { return t.priority }

func (t *TransactionTask) Kind() TaskKind { return t.kind }

func (t *TransactionTask) State() *TransactionState { return t.state }

// TxnID is the transaction the task belongs to.
func (t *TransactionTask) TxnID() int64 {
	switch {
	case t.state != nil:
		return t.state.txnID
	case t.complete != nil:
		return t.complete.TxnID
	case t.fragment != nil:
		return t.fragment.TxnID
	case t.initiate != nil:
		return t.initiate.TxnID
	case t.dummy != nil:
		return t.dummy.TxnID
	}
	return 0
}

// SpHandle is the handle the task was sequenced with.
func (t *TransactionTask) SpHandle() int64 {
	switch {
	case t.complete != nil:
		return t.complete.SpHandle
	case t.fragment != nil:
		return t.fragment.SpHandle
	case t.initiate != nil:
		return t.initiate.SpHandle
	case t.dummy != nil:
		return t.dummy.SpHandle
	}
	return 0
}

// isReadOnly reports whether the work does not change data.
func (t *TransactionTask) isReadOnly() bool {
	if t.state != nil {
		return t.state.readOnly
	}
	return t.complete != nil && t.complete.ReadOnly
}

// timestamp of a completion, InitialTimestamp for other kinds.
func (t *TransactionTask) timestamp() int64 {
	if t.complete != nil {
		return t.complete.Timestamp
	}
	return InitialTimestamp
}

func (t *TransactionTask) String() string {
	return fmt.Sprintf("%s txn %s sp %s", t.kind, txnego.TxnIDString(t.TxnID()),
		txnego.TxnIDString(t.SpHandle()))
}

func (t *TransactionTask) waitDurable() {
	if t.durable != nil {
		<-t.durable
	}
}

func (t *TransactionTask) flush() {
	if t.queue != nil {
		t.queue.Flush(t.TxnID())
	}
}

func (t *TransactionTask) Run(site *Site) {
	switch t.kind {
	case KindSingleProcedure, KindBatchProcedure, KindEveryPartition:
		t.runSpProcedure(site)
	case KindMultiPartitionProcedure, KindNPartitionProcedure:
		t.runMpProcedure(site)
	case KindFragment:
		t.runFragment(site)
	case KindCompleteTransaction:
		t.runComplete(site)
	case KindDummy:
		t.runDummy(site)
	}
}

func (t *TransactionTask) runSpProcedure(site *Site) {
	t.waitDurable()
	resp := message.NewInitiateResponse(t.initiate, site.hsid)
	cr, hashes := site.callProcedure(t.state, t.initiate)
	resp.Response = cr
	resp.DeterminismHashes = hashes
	resp.Mispartitioned = cr.Status == message.StatusMispartitioned
	site.truncateUndoLog(!cr.Succeeded(), t.state, t.state.spHandle)
	t.state.setDone()
	t.mailbox.Deliver(resp)
	t.flush()
}

func (t *TransactionTask) runFragment(site *Site) {
	t.waitDurable()
	resp := message.NewFragmentResponse(t.fragment, site.hsid, site.partitionID)
	deps, err := site.executeFragment(t.state, t.fragment, t.inputDeps)
	if err != nil {
		kind, status := message.ErrorKindUnexpected, message.FragmentUnexpectedError
		if IsUserAbort(err) {
			kind, status = message.ErrorKindUser, message.FragmentUserError
		}
		resp.SetError(status, &message.TransactionError{Kind: kind, TxnID: t.fragment.TxnID, Message: err.Error()})
	} else {
		resp.Dependencies = deps
	}
	if t.borrow && t.state.Kind == StateBorrow {
		t.state.setDone()
	}
	t.mailbox.Deliver(resp)
	t.flush()
}

func (t *TransactionTask) runComplete(site *Site) {
	c := t.complete
	switch {
	case t.missing || t.state == nil:
		log.Debug("completion for a transaction this site never ran",
			zap.String("hsid", message.HSIDString(site.hsid)), zap.Stringer("complete", c))
	case c.Restart:
		site.truncateUndoLog(true, t.state, c.SpHandle)
		t.state.resetForRestart()
	default:
		site.truncateUndoLog(c.Rollback, t.state, c.SpHandle)
		t.state.setDone()
	}
	if c.RequiresAck {
		t.mailbox.Deliver(message.NewCompleteTransactionResponse(c, site.hsid, site.partitionID))
	}
	t.flush()
}

func (t *TransactionTask) runDummy(site *Site) {
	site.setLastCommitted(t.dummy.TxnID, t.dummy.SpHandle)
	if t.state != nil {
		t.state.setDone()
	}
	t.mailbox.Deliver(&message.DummyTransactionResponse{
		TxnID:           t.dummy.TxnID,
		SpHandle:        t.dummy.SpHandle,
		ExecutorHSID:    site.hsid,
		DestinationHSID: t.dummy.InitiatorHSID,
	})
	t.flush()
}

// runMpProcedure drives a multi-partition procedure at the coordinator. A
// restart leaves the task current so that repair can run it again.
func (t *TransactionTask) runMpProcedure(site *Site) {
	t.started.Store(true)
	if t.state.IsDone() {
		return
	}
	t.waitDurable()
	mp := t.state.mp
	cr, _ := site.callProcedure(t.state, t.initiate)
	if cr.Status == message.StatusTxnRestart {
		ts := mp.beginRestart()
		mp.Complete(t.state, true, true, ts)
		site.truncateUndoLog(true, t.state, t.state.spHandle)
		t.state.resetForRestart()
		mpRestartCounter.Inc()
		log.Info("multi-partition transaction restarted", zap.String("txn", txnego.TxnIDString(t.state.txnID)),
			zap.Int64("timestamp", ts))
		return
	}
	mp.Complete(t.state, !cr.Succeeded(), false, mp.Timestamp())
	site.truncateUndoLog(!cr.Succeeded(), t.state, t.state.spHandle)
	t.state.setDone()
	if t.onDone != nil {
		t.onDone(t.state.txnID, !cr.Succeeded())
	}
	resp := message.NewInitiateResponse(t.initiate, site.hsid)
	resp.Response = cr
	t.mailbox.Send(t.initiate.InitiatorHSID, resp)
	if t.mpQueue != nil {
		t.mpQueue.Flush(t.state.txnID)
	}
}

// RunForRejoin journals the work and answers without executing it.
func (t *TransactionTask) RunForRejoin(site *Site, taskLog TaskLog) {
	switch t.kind {
	case KindSingleProcedure, KindBatchProcedure, KindEveryPartition:
		if !t.initiate.ReadOnly {
			site.journal(taskLog, t.initiate)
		}
		resp := message.NewInitiateResponse(t.initiate, site.hsid)
		resp.Recovering = true
		resp.Response = message.NewClientResponse(message.StatusSuccess, "", nil)
		t.state.setDone()
		t.mailbox.Deliver(resp)
	case KindFragment:
		resp := message.NewFragmentResponse(t.fragment, site.hsid, site.partitionID)
		resp.Recovering = true
		if t.borrow {
			resp.SetError(message.FragmentUnexpectedError, &message.TransactionError{
				Kind: message.ErrorKindUnexpected, TxnID: t.fragment.TxnID, Message: "site is rejoining"})
			if t.state.Kind == StateBorrow {
				t.state.setDone()
			}
		} else if !t.fragment.ReadOnly {
			site.journal(taskLog, t.fragment)
		}
		t.mailbox.Deliver(resp)
	case KindCompleteTransaction:
		if !t.missing && t.state != nil {
			site.journal(taskLog, t.complete)
			if !t.complete.Restart {
				t.state.setDone()
			}
		}
		if t.complete.RequiresAck {
			ack := message.NewCompleteTransactionResponse(t.complete, site.hsid, site.partitionID)
			ack.Recovering = true
			t.mailbox.Deliver(ack)
		}
	case KindDummy:
		if t.state != nil {
			t.state.setDone()
		}
		t.mailbox.Deliver(&message.DummyTransactionResponse{
			TxnID:           t.dummy.TxnID,
			SpHandle:        t.dummy.SpHandle,
			ExecutorHSID:    site.hsid,
			DestinationHSID: t.dummy.InitiatorHSID,
			Recovering:      true,
		})
	default:
		t.Run(site)
		return
	}
	t.flush()
}

// siteFunc is control work run between transactions.
type siteFunc struct {
	name     string
	priority tasker.Priority
	fn       func(site *Site)
}

func newSiteFunc(name string, priority tasker.Priority, fn func(site *Site)) *siteFunc {
	return &siteFunc{name: name, priority: priority, fn: fn}
}

func (f *siteFunc) Priority() tasker.Priority { return f.priority }

func (f *siteFunc) Run(site *Site) { f.fn(site) }

func (f *siteFunc) RunForRejoin(site *Site, _ TaskLog) { f.fn(site) }

func (f *siteFunc) String() string { return f.name }
