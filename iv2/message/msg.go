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

package message

import (
	"fmt"

	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
)

type MsgType int

const (
	// Client or coordinator asks a partition (or the MPI) to run a procedure.
	MsgTypeInitiateTask MsgType = iota
	MsgTypeInitiateResponse
	// One unit of multi-partition work for a partition.
	MsgTypeFragmentTask
	MsgTypeFragmentResponse
	// Commit or rollback notice that ends (or restarts) a multi-partition transaction.
	MsgTypeCompleteTransaction
	MsgTypeCompleteTransactionResponse
	// Read-only fragment the MPI runs on a local site outside the partition's ordering.
	MsgTypeBorrowTask
	MsgTypeRepairLogRequest
	MsgTypeRepairLogResponse
	MsgTypeRepairLogTruncation
	MsgTypeDummyTransactionTask
	MsgTypeDummyTransactionResponse
	// Sentinel telling a partition an MP transaction is coming.
	MsgTypeMultiPartitionParticipant
	MsgTypeLogFault
	MsgTypeDumpRequest
	MsgTypeRejoin
)

var msgTypeNames = map[MsgType]string{
	MsgTypeInitiateTask:                "InitiateTask",
	MsgTypeInitiateResponse:            "InitiateResponse",
	MsgTypeFragmentTask:                "FragmentTask",
	MsgTypeFragmentResponse:            "FragmentResponse",
	MsgTypeCompleteTransaction:         "CompleteTransaction",
	MsgTypeCompleteTransactionResponse: "CompleteTransactionResponse",
	MsgTypeBorrowTask:                  "BorrowTask",
	MsgTypeRepairLogRequest:            "RepairLogRequest",
	MsgTypeRepairLogResponse:           "RepairLogResponse",
	MsgTypeRepairLogTruncation:         "RepairLogTruncation",
	MsgTypeDummyTransactionTask:        "DummyTransactionTask",
	MsgTypeDummyTransactionResponse:    "DummyTransactionResponse",
	MsgTypeMultiPartitionParticipant:   "MultiPartitionParticipant",
	MsgTypeLogFault:                    "LogFault",
	MsgTypeDumpRequest:                 "DumpRequest",
	MsgTypeRejoin:                      "Rejoin",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MsgType(%d)", int(t))
}

// Message is anything a mailbox can deliver. Messages are immutable once
// sent; a component that needs a different sp handle or truncation handle
// makes a copy first.
type Message interface {
	MsgType() MsgType
}

// TxnInfo is carried by every message that belongs to a transaction.
type TxnInfo struct {
	InitiatorHSID    int64
	CoordinatorHSID  int64
	TxnID            int64
	UniqueID         int64
	SpHandle         int64
	TruncationHandle int64
	ReadOnly         bool
	ForReplay        bool
}

func (t *TxnInfo) Info() *TxnInfo {
	return t
}

func (t *TxnInfo) String() string {
	return fmt.Sprintf("txn %s sp %s trunc %s initiator %s coordinator %s ro %v",
		txnego.TxnIDString(t.TxnID), txnego.TxnIDString(t.SpHandle),
		txnego.TxnIDString(t.TruncationHandle), HSIDString(t.InitiatorHSID),
		HSIDString(t.CoordinatorHSID), t.ReadOnly)
}

// TransactionMessage is implemented by messages embedding TxnInfo.
type TransactionMessage interface {
	Message
	Info() *TxnInfo
}

// Invocation names a procedure and its encoded parameters.
type Invocation struct {
	ProcName string
	Params   []byte
}

// InitiateTask asks for a procedure invocation. A non-empty Batch makes it
// a batch of invocations executed as one transaction.
type InitiateTask struct {
	TxnInfo
	Invocation
	Batch           []Invocation
	ClientHandle    int64
	ConnectionID    int64
	SinglePartition bool
	// NPartitions lists the partitions of an N-partition transaction.
	NPartitions []int
	// EveryPartition marks a system procedure run once on every partition.
	EveryPartition bool
}

func (m *InitiateTask) MsgType() MsgType { return MsgTypeInitiateTask }

// Copy returns a shallow copy that can be stamped with new handles.
func (m *InitiateTask) Copy() *InitiateTask {
	c := *m
	return &c
}

func (m *InitiateTask) IsBatch() bool {
	return len(m.Batch) > 0
}

func (m *InitiateTask) IsNPartition() bool {
	return len(m.NPartitions) > 0
}

func (m *InitiateTask) String() string {
	return fmt.Sprintf("InitiateTask{%s proc %s sp %v batch %d}", &m.TxnInfo, m.ProcName,
		m.SinglePartition, len(m.Batch))
}

// InitiateResponse carries a procedure result back to the initiator.
type InitiateResponse struct {
	TxnID           int64
	SpHandle        int64
	InitiatorHSID   int64
	CoordinatorHSID int64
	ExecutorHSID    int64
	ClientHandle    int64
	ConnectionID    int64
	ReadOnly        bool
	// Recovering is set when a rejoining site produced the response without
	// executing; such responses do not take part in determinism checks.
	Recovering     bool
	Mispartitioned bool
	Response       *ClientResponse
	// DeterminismHashes is the statement hash vector of the execution.
	DeterminismHashes []int32
}

func (m *InitiateResponse) MsgType() MsgType { return MsgTypeInitiateResponse }

func NewInitiateResponse(task *InitiateTask, executor int64) *InitiateResponse {
	return &InitiateResponse{
		TxnID:           task.TxnID,
		SpHandle:        task.SpHandle,
		InitiatorHSID:   task.InitiatorHSID,
		CoordinatorHSID: task.CoordinatorHSID,
		ExecutorHSID:    executor,
		ClientHandle:    task.ClientHandle,
		ConnectionID:    task.ConnectionID,
		ReadOnly:        task.ReadOnly,
	}
}

func (m *InitiateResponse) Copy() *InitiateResponse {
	c := *m
	return &c
}

// ResultHash fingerprints the outcome for replica comparison.
func (m *InitiateResponse) ResultHash() uint64 {
	if m.Response == nil {
		return 0
	}
	return m.Response.Hash()
}

// Fragment is one plan fragment with its parameters.
type Fragment struct {
	PlanName    string
	Params      []byte
	OutputDepID int
	InputDepIDs []int
}

// Dependency is an encoded intermediate table produced by a fragment.
type Dependency struct {
	ID    int
	Table []byte
}

// FragmentTask carries the fragments of a multi-partition transaction for one partition.
type FragmentTask struct {
	TxnInfo
	Fragments []Fragment
	// InitiateTask is attached to the first fragment of a transaction so
	// repair can restart it.
	InitiateTask *InitiateTask
	// Final marks the last batch of the transaction.
	Final       bool
	Timestamp   int64
	NPartitions []int
	SysProc     bool
	// InputDeps feeds dependencies produced elsewhere into the fragments.
	InputDeps map[int][][]byte
}

func (m *FragmentTask) MsgType() MsgType { return MsgTypeFragmentTask }

func (m *FragmentTask) Copy() *FragmentTask {
	c := *m
	return &c
}

func (m *FragmentTask) IsEmpty() bool {
	return len(m.Fragments) == 0
}

func (m *FragmentTask) String() string {
	return fmt.Sprintf("FragmentTask{%s frags %d final %v ts %d}", &m.TxnInfo, len(m.Fragments),
		m.Final, m.Timestamp)
}

type FragmentStatus int8

const (
	FragmentSuccess FragmentStatus = iota
	FragmentUserError
	FragmentUnexpectedError
)

// ErrorKind classifies a TransactionError.
type ErrorKind int8

const (
	ErrorKindUser ErrorKind = iota
	ErrorKindRestart
	ErrorKindUnexpected
)

// TransactionError is an error that crosses a mailbox.
type TransactionError struct {
	Kind    ErrorKind
	TxnID   int64
	Message string
}

func (e *TransactionError) Error() string {
	return e.Message
}

// FragmentResponse reports the result of a FragmentTask.
type FragmentResponse struct {
	TxnID           int64
	SpHandle        int64
	ExecutorHSID    int64
	DestinationHSID int64
	PartitionID     int
	Timestamp       int64
	Status          FragmentStatus
	Err             *TransactionError
	Dependencies    []Dependency
	Recovering      bool
	ReadOnly        bool
}

func (m *FragmentResponse) MsgType() MsgType { return MsgTypeFragmentResponse }

func NewFragmentResponse(task *FragmentTask, executor int64, partition int) *FragmentResponse {
	return &FragmentResponse{
		TxnID:           task.TxnID,
		SpHandle:        task.SpHandle,
		ExecutorHSID:    executor,
		DestinationHSID: task.CoordinatorHSID,
		PartitionID:     partition,
		Timestamp:       task.Timestamp,
		ReadOnly:        task.ReadOnly,
	}
}

func (m *FragmentResponse) Copy() *FragmentResponse {
	c := *m
	return &c
}

func (m *FragmentResponse) SetError(status FragmentStatus, err *TransactionError) {
	m.Status = status
	m.Err = err
}

// ResultHash fingerprints the dependencies for replica comparison.
func (m *FragmentResponse) ResultHash() uint64 {
	var h uint64
	for _, dep := range m.Dependencies {
		h ^= fingerprint(dep.Table) + uint64(dep.ID)
	}
	return h ^ uint64(m.Status)
}

// CompleteTransaction ends a multi-partition transaction at a partition, or
// rolls it back for a restart when Restart is set.
type CompleteTransaction struct {
	TxnInfo
	Rollback    bool
	RequiresAck bool
	Restart     bool
	// AbortDuringRepair marks rollbacks generated by the MPI repair.
	AbortDuringRepair bool
	Timestamp         int64
	NPartTxn          bool
}

func (m *CompleteTransaction) MsgType() MsgType { return MsgTypeCompleteTransaction }

func (m *CompleteTransaction) Copy() *CompleteTransaction {
	c := *m
	return &c
}

func (m *CompleteTransaction) String() string {
	return fmt.Sprintf("CompleteTransaction{%s rollback %v restart %v repair-abort %v ts %d}",
		&m.TxnInfo, m.Rollback, m.Restart, m.AbortDuringRepair, m.Timestamp)
}

type CompleteTransactionResponse struct {
	TxnID           int64
	SpHandle        int64
	ExecutorHSID    int64
	DestinationHSID int64
	PartitionID     int
	Restart         bool
	Recovering      bool
	Timestamp       int64
	RequiresAck     bool
}

func (m *CompleteTransactionResponse) MsgType() MsgType {
	return MsgTypeCompleteTransactionResponse
}

func NewCompleteTransactionResponse(task *CompleteTransaction, executor int64, partition int) *CompleteTransactionResponse {
	return &CompleteTransactionResponse{
		TxnID:           task.TxnID,
		SpHandle:        task.SpHandle,
		ExecutorHSID:    executor,
		DestinationHSID: task.CoordinatorHSID,
		PartitionID:     partition,
		Restart:         task.Restart,
		Timestamp:       task.Timestamp,
		RequiresAck:     task.RequiresAck,
	}
}

func (m *CompleteTransactionResponse) Copy() *CompleteTransactionResponse {
	c := *m
	return &c
}

// BorrowTask lends a local site to the MPI for a read-only fragment.
type BorrowTask struct {
	Fragment  *FragmentTask
	InputDeps map[int][][]byte
}

func (m *BorrowTask) MsgType() MsgType { return MsgTypeBorrowTask }

func (m *BorrowTask) Info() *TxnInfo { return &m.Fragment.TxnInfo }

// DummyTransactionTask only advances sp handles and truncation points.
type DummyTransactionTask struct {
	TxnInfo
}

func (m *DummyTransactionTask) MsgType() MsgType { return MsgTypeDummyTransactionTask }

func (m *DummyTransactionTask) Copy() *DummyTransactionTask {
	c := *m
	return &c
}

type DummyTransactionResponse struct {
	TxnID           int64
	SpHandle        int64
	ExecutorHSID    int64
	DestinationHSID int64
	Recovering      bool
}

func (m *DummyTransactionResponse) MsgType() MsgType { return MsgTypeDummyTransactionResponse }

// MultiPartitionParticipant is the MP sentinel.
type MultiPartitionParticipant struct {
	TxnInfo
}

func (m *MultiPartitionParticipant) MsgType() MsgType { return MsgTypeMultiPartitionParticipant }

// LogFault asks replicas to record a viable replay point after a promotion.
type LogFault struct {
	SpHandle    int64
	TxnID       int64
	WriterHSID  int64
	PartitionID int
	Survivors   []int64
}

func (m *LogFault) MsgType() MsgType { return MsgTypeLogFault }

// DumpRequest asks a component to log its state.
type DumpRequest struct {
	Reason string
}

func (m *DumpRequest) MsgType() MsgType { return MsgTypeDumpRequest }

type RejoinKind int8

const (
	RejoinInitiation RejoinKind = iota
	RejoinSnapshotFinished
	RejoinReplayFinished
)

// Rejoin drives the rejoin state machine of a site.
type Rejoin struct {
	Kind             RejoinKind
	SourceHSID       int64
	SnapshotSpHandle int64
}

func (m *Rejoin) MsgType() MsgType { return MsgTypeRejoin }
