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

// RepairLogRequest asks a survivor for its repair log.
type RepairLogRequest struct {
	RequestID     int64
	RequesterHSID int64
	// ForMPI requests only the multi-partition part of the log.
	ForMPI bool
}

func (m *RepairLogRequest) MsgType() MsgType { return MsgTypeRepairLogRequest }

// RepairLogResponse is one entry of a survivor's repair log. Sequence 0 is a
// header: it has no payload, Handle holds the last sp handle seen and TxnID
// the last MP transaction id seen.
type RepairLogResponse struct {
	RequestID  int64
	SourceHSID int64
	Sequence   int
	OfTotal    int
	Handle     int64
	TxnID      int64
	Payload    TransactionMessage

	HashinatorVersion int64
	HashinatorConfig  []byte
}

func (m *RepairLogResponse) MsgType() MsgType { return MsgTypeRepairLogResponse }

func (m *RepairLogResponse) IsHeader() bool {
	return m.Sequence == 0
}

func (m *RepairLogResponse) String() string {
	payload := "<header>"
	if m.Payload != nil {
		payload = m.Payload.MsgType().String()
	}
	return fmt.Sprintf("RepairLogResponse{req %d from %s %d/%d handle %s txn %s %s}",
		m.RequestID, HSIDString(m.SourceHSID), m.Sequence, m.OfTotal,
		txnego.TxnIDString(m.Handle), txnego.TxnIDString(m.TxnID), payload)
}

// RepairLogTruncation tells replicas everything up to Handle is committed everywhere.
type RepairLogTruncation struct {
	Handle int64
}

func (m *RepairLogTruncation) MsgType() MsgType { return MsgTypeRepairLogTruncation }
