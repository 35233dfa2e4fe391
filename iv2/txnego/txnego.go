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

// Package txnego implements the logical transaction id used by initiators.
//
// A TxnEgo packs a per-partition sequence and the partition id into one
// comparable 64-bit value: (sequence << 14) | partitionID. Every partition
// seeds its sequence from the same fixed instant, so sequences of different
// partitions can be compared when the repair protocol needs a global order.
package txnego

import (
	"fmt"

	"github.com/pingcap/errors"
)

const (
	// SequenceBits is the width of the sequence component.
	SequenceBits = 49
	// PartitionIDBits is the width of the partition component.
	PartitionIDBits = 14

	// SequenceMaxValue is the largest legal sequence.
	SequenceMaxValue int64 = (1 << SequenceBits) - 1
	// PartitionIDMaxValue is the largest legal partition id.
	PartitionIDMaxValue = (1 << PartitionIDBits) - 1

	// SequenceZero is the first sequence handed out for any partition. It is
	// 2008-01-01T00:00:00Z in milliseconds since the unix epoch.
	SequenceZero int64 = 1199145600000

	// MPInitPID is the partition id owned by the multi-partition initiator.
	MPInitPID = PartitionIDMaxValue

	partitionIDMask int64 = PartitionIDMaxValue
)

// ErrInvalidArgument is the cause of every construction failure.
var ErrInvalidArgument = errors.New("invalid argument")

// TxnEgo is a logical transaction id.
type TxnEgo int64

// New builds a TxnEgo from its components.
func New(sequence int64, partitionID int) (TxnEgo, error) {
	if sequence < SequenceZero {
		return 0, errors.Annotatef(ErrInvalidArgument,
			"sequence %d is less than the zero sequence %d", sequence, SequenceZero)
	}
	if sequence > SequenceMaxValue {
		return 0, errors.Annotatef(ErrInvalidArgument,
			"sequence %d is larger than the max sequence %d", sequence, SequenceMaxValue)
	}
	if partitionID < 0 || partitionID > PartitionIDMaxValue {
		return 0, errors.Annotatef(ErrInvalidArgument,
			"partition id %d is out of range [0, %d]", partitionID, PartitionIDMaxValue)
	}
	return TxnEgo(sequence<<PartitionIDBits | int64(partitionID)), nil
}

// MakeZero returns the smallest valid id for partitionID.
func MakeZero(partitionID int) TxnEgo {
	ego, err := New(SequenceZero, partitionID)
	if err != nil {
		panic(err)
	}
	return ego
}

// MakeNext returns the successor of e on the same partition.
func (e TxnEgo) MakeNext() TxnEgo {
	next, err := New(e.Sequence()+1, e.PartitionID())
	if err != nil {
		panic(errors.Annotatef(err, "sequence overflow on %s", e))
	}
	return next
}

// TxnID returns the raw id.
func (e TxnEgo) TxnID() int64 {
	return int64(e)
}

// Sequence returns the sequence component.
func (e TxnEgo) Sequence() int64 {
	return Sequence(int64(e))
}

// PartitionID returns the partition component.
func (e TxnEgo) PartitionID() int {
	return PartitionID(int64(e))
}

func (e TxnEgo) String() string {
	return TxnIDString(int64(e))
}

// Sequence decomposes a raw id into its sequence.
func Sequence(txnID int64) int64 {
	return txnID >> PartitionIDBits
}

// PartitionID decomposes a raw id into its partition id.
func PartitionID(txnID int64) int {
	return int(txnID & partitionIDMask)
}

// TxnIDString renders a raw id as "(partition:sequence-offset)". Ids below
// the zero sequence, such as sentinels, are printed verbatim.
func TxnIDString(txnID int64) string {
	if Sequence(txnID) < SequenceZero {
		return fmt.Sprintf("%d", txnID)
	}
	return fmt.Sprintf("(%d:%d)", PartitionID(txnID), Sequence(txnID)-SequenceZero)
}
