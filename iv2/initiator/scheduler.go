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

	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// schedulerBase holds what every scheduler has: its partition, its role and
// the clock it stamps work with.
type schedulerBase struct {
	partitionID int
	isLeader    atomic.Bool

	clockMu      sync.Mutex
	txnEgo       txnego.TxnEgo
	maxSeenTxnID int64
}

func (s *schedulerBase) init(partitionID int) {
	s.partitionID = partitionID
	s.txnEgo = txnego.MakeZero(partitionID)
}

func (s *schedulerBase) PartitionID() int { return s.partitionID }

func (s *schedulerBase) SetLeaderState(isLeader bool) {
	s.isLeader.Store(isLeader)
}

func (s *schedulerBase) IsLeader() bool {
	return s.isLeader.Load()
}

// SetMaxSeenTxnID keeps the largest id seen and moves the clock past it, so
// a promoted leader never hands out an id a previous leader used.
func (s *schedulerBase) SetMaxSeenTxnID(txnID int64) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if txnID <= s.maxSeenTxnID {
		return
	}
	s.maxSeenTxnID = txnID
	seq := txnego.Sequence(txnID)
	if seq <= s.txnEgo.Sequence() {
		return
	}
	ego, err := txnego.New(seq, s.partitionID)
	if err != nil {
		log.Warn("ignoring out of range txn id", zap.Int("partition", s.partitionID),
			zap.Int64("txn-id", txnID), zap.Error(err))
		return
	}
	s.txnEgo = ego
}

// AdvanceTxnEgo moves the clock one step and returns the new value.
func (s *schedulerBase) AdvanceTxnEgo() txnego.TxnEgo {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.txnEgo = s.txnEgo.MakeNext()
	if id := s.txnEgo.TxnID(); id > s.maxSeenTxnID {
		s.maxSeenTxnID = id
	}
	return s.txnEgo
}

// CurrentTxnID is the last id the clock produced or was moved to.
func (s *schedulerBase) CurrentTxnID() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.txnEgo.TxnID()
}

func (s *schedulerBase) MaxSeenTxnID() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	return s.maxSeenTxnID
}
