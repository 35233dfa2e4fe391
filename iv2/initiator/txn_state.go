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
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"go.uber.org/atomic"
)

// StateKind tells which variant a TransactionState is.
type StateKind int8

const (
	// StateSp is a single-partition procedure.
	StateSp StateKind = iota
	// StateParticipant is a partition's view of a multi-partition transaction.
	StateParticipant
	// StateBorrow is a read-only fragment lent to the coordinator.
	StateBorrow
	// StateEveryPart is a system procedure run on every partition.
	StateEveryPart
	// StateMp is the coordinator's view of a multi-partition transaction.
	StateMp
)

func (k StateKind) String() string {
	switch k {
	case StateSp:
		return "sp"
	case StateParticipant:
		return "participant"
	case StateBorrow:
		return "borrow"
	case StateEveryPart:
		return "every-part"
	case StateMp:
		return "mp"
	}
	return fmt.Sprintf("StateKind(%d)", int(k))
}

const invalidUndoToken int64 = -1

// TransactionState is the mutable record of one transaction at one site.
// Apart from the done flag it is only touched by the site running the
// transaction.
type TransactionState struct {
	Kind     StateKind
	txnID    int64
	spHandle int64
	uniqueID int64
	readOnly bool

	initiate      *message.InitiateTask
	firstFragment *message.FragmentTask

	done           atomic.Bool
	beginUndoToken int64
	undoLog        []UndoAction

	// mp is only set for StateMp.
	mp *MpTransactionState
}

func newSpTransactionState(task *message.InitiateTask) *TransactionState {
	kind := StateSp
	if task.EveryPartition {
		kind = StateEveryPart
	}
	return &TransactionState{
		Kind:           kind,
		txnID:          task.TxnID,
		spHandle:       task.SpHandle,
		uniqueID:       task.UniqueID,
		readOnly:       task.ReadOnly,
		initiate:       task,
		beginUndoToken: invalidUndoToken,
	}
}

func newParticipantState(spHandle int64, fragment *message.FragmentTask) *TransactionState {
	return &TransactionState{
		Kind:           StateParticipant,
		txnID:          fragment.TxnID,
		spHandle:       spHandle,
		uniqueID:       fragment.UniqueID,
		readOnly:       fragment.ReadOnly,
		initiate:       fragment.InitiateTask,
		firstFragment:  fragment,
		beginUndoToken: invalidUndoToken,
	}
}

func newBorrowState(spHandle int64, fragment *message.FragmentTask) *TransactionState {
	s := newParticipantState(spHandle, fragment)
	s.Kind = StateBorrow
	s.readOnly = true
	return s
}

func newMpState(task *message.InitiateTask, mp *MpTransactionState) *TransactionState {
	return &TransactionState{
		Kind:           StateMp,
		txnID:          task.TxnID,
		spHandle:       task.SpHandle,
		uniqueID:       task.UniqueID,
		readOnly:       task.ReadOnly,
		initiate:       task,
		beginUndoToken: invalidUndoToken,
		mp:             mp,
	}
}

func (s *TransactionState) TxnID() int64 { return s.txnID }

func (s *TransactionState) SpHandle() int64 { return s.spHandle }

func (s *TransactionState) IsReadOnly() bool { return s.readOnly }

func (s *TransactionState) IsDone() bool { return s.done.Load() }

func (s *TransactionState) setDone() { s.done.Store(true) }

// Mp returns the coordinator state, nil unless Kind is StateMp.
func (s *TransactionState) Mp() *MpTransactionState { return s.mp }

// resetForRestart forgets execution progress so the transaction can run
// again from its first fragment.
func (s *TransactionState) resetForRestart() {
	s.beginUndoToken = invalidUndoToken
	s.undoLog = nil
}

func (s *TransactionState) String() string {
	return fmt.Sprintf("%s txn %s sp %s ro %v done %v", s.Kind, txnego.TxnIDString(s.txnID),
		txnego.TxnIDString(s.spHandle), s.readOnly, s.IsDone())
}
