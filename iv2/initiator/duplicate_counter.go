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
)

// CounterResult is the state of a DuplicateCounter after an event.
type CounterResult int

const (
	CounterWaiting CounterResult = iota
	CounterDone
	CounterMismatch
	// CounterAbort means a replica reported a restart, so the responses are
	// not comparable.
	CounterAbort
)

func (r CounterResult) String() string {
	switch r {
	case CounterWaiting:
		return "WAITING"
	case CounterDone:
		return "DONE"
	case CounterMismatch:
		return "MISMATCH"
	case CounterAbort:
		return "ABORT"
	}
	return fmt.Sprintf("CounterResult(%d)", int(r))
}

// counterKey orders duplicate counters the way responses must be released.
type counterKey struct {
	txnID    int64
	spHandle int64
}

func (k counterKey) less(o counterKey) bool {
	if k.txnID != o.txnID {
		return k.txnID < o.txnID
	}
	return k.spHandle < o.spHandle
}

// DuplicateCounter collects the responses of every replica for one unit of
// replicated work and releases one of them once all replicas agreed.
type DuplicateCounter struct {
	destination int64
	txnID       int64
	expected    []int64

	lastResponse message.Message
	resultHash   uint64
	hashes       []int32
	hashed       bool
}

func NewDuplicateCounter(destination, txnID int64, expected []int64) *DuplicateCounter {
	return &DuplicateCounter{
		destination: destination,
		txnID:       txnID,
		expected:    append([]int64(nil), expected...),
	}
}

func (c *DuplicateCounter) Destination() int64 { return c.destination }

func (c *DuplicateCounter) TxnID() int64 { return c.txnID }

// LastResponse is the response released when the counter is done.
func (c *DuplicateCounter) LastResponse() message.Message { return c.lastResponse }

func (c *DuplicateCounter) Expected() []int64 { return c.expected }

func (c *DuplicateCounter) check(hash uint64, hashes []int32, recovering bool) CounterResult {
	// Rejoining sites answer without executing.
	if recovering {
		return CounterWaiting
	}
	if !c.hashed {
		c.resultHash, c.hashes, c.hashed = hash, hashes, true
		return CounterWaiting
	}
	if c.resultHash != hash {
		return CounterMismatch
	}
	if c.hashes != nil && hashes != nil && !HashesMatch(c.hashes, hashes) {
		return CounterMismatch
	}
	return CounterWaiting
}

// Offer records the response of one replica.
func (c *DuplicateCounter) Offer(msg message.Message) CounterResult {
	var (
		sender     int64
		hash       uint64
		hashes     []int32
		recovering bool
	)
	switch m := msg.(type) {
	case *message.InitiateResponse:
		sender, hash, hashes, recovering = m.ExecutorHSID, m.ResultHash(), m.DeterminismHashes, m.Recovering
		if m.Response != nil && m.Response.Status == message.StatusTxnRestart {
			c.lastResponse = msg
			return CounterAbort
		}
	case *message.FragmentResponse:
		sender, hash, recovering = m.ExecutorHSID, m.ResultHash(), m.Recovering
		if m.Err != nil && m.Err.Kind == message.ErrorKindRestart {
			c.lastResponse = msg
			return CounterAbort
		}
	case *message.CompleteTransactionResponse:
		sender, recovering = m.ExecutorHSID, m.Recovering
	case *message.DummyTransactionResponse:
		sender, recovering = m.ExecutorHSID, m.Recovering
	default:
		return CounterWaiting
	}
	c.expected = message.WithoutHSID(c.expected, sender)
	if !recovering || c.lastResponse == nil {
		c.lastResponse = msg
	}
	if res := c.check(hash, hashes, recovering); res != CounterWaiting {
		return res
	}
	if len(c.expected) == 0 {
		return CounterDone
	}
	return CounterWaiting
}

// UpdateReplicas forgets replicas that are gone.
func (c *DuplicateCounter) UpdateReplicas(replicas []int64) CounterResult {
	var kept []int64
	for _, hsid := range c.expected {
		if message.ContainsHSID(replicas, hsid) {
			kept = append(kept, hsid)
		}
	}
	c.expected = kept
	if len(c.expected) == 0 {
		return CounterDone
	}
	return CounterWaiting
}

func (c *DuplicateCounter) String() string {
	return fmt.Sprintf("DuplicateCounter{txn %s dest %s waiting %s}", txnego.TxnIDString(c.txnID),
		message.HSIDString(c.destination), message.HSIDsString(c.expected))
}

// hashesOf returns the determinism detail of a response for crash reports.
func hashesOf(msg message.Message) []int32 {
	if m, ok := msg.(*message.InitiateResponse); ok {
		return m.DeterminismHashes
	}
	return nil
}
