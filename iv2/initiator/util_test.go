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
	"testing"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
)

func spHandle(seq int64, pid int) int64 {
	ego, err := txnego.New(txnego.SequenceZero+seq, pid)
	if err != nil {
		panic(err)
	}
	return ego.TxnID()
}

func mpTxn(seq int64) int64 {
	return spHandle(seq, txnego.MPInitPID)
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

type sentMsg struct {
	dests []int64
	msg   message.Message
}

type repairCall struct {
	needsRepair []int64
	msg         message.Message
}

// fakeMailbox records everything sent through it.
type fakeMailbox struct {
	hsid int64

	mu       sync.Mutex
	sent     []sentMsg
	repairs  []repairCall
	repaired func(needsRepair []int64, msg message.Message)
	// logged is what went to the repair log.
	logged    []message.Message
	delivered []message.Message
}

func newFakeMailbox(hsid int64) *fakeMailbox {
	return &fakeMailbox{hsid: hsid}
}

func (m *fakeMailbox) HSID() int64 { return m.hsid }

func (m *fakeMailbox) Send(dest int64, msg message.Message) {
	m.SendMulti([]int64{dest}, msg)
}

func (m *fakeMailbox) SendMulti(dests []int64, msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMsg{dests: append([]int64(nil), dests...), msg: msg})
}

func (m *fakeMailbox) RepairReplicasWith(needsRepair []int64, msg message.Message) {
	m.mu.Lock()
	m.repairs = append(m.repairs, repairCall{needsRepair: append([]int64(nil), needsRepair...), msg: msg})
	fn := m.repaired
	m.mu.Unlock()
	if fn != nil {
		fn(needsRepair, msg)
	}
}

func (m *fakeMailbox) Deliver(msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, msg)
}

func (m *fakeMailbox) DeliverToRepairLog(msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logged = append(m.logged, msg)
}

// sentTo returns the messages sent to dest.
func (m *fakeMailbox) sentTo(dest int64) []message.Message {
	var out []message.Message
	for _, s := range m.sentMsgs() {
		if message.ContainsHSID(s.dests, dest) {
			out = append(out, s.msg)
		}
	}
	return out
}

func (m *fakeMailbox) sentMsgs() []sentMsg {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMsg(nil), m.sent...)
}

func (m *fakeMailbox) repairCalls() []repairCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repairCall(nil), m.repairs...)
}

// lastRequest returns the repair log request the algorithm sent.
func (m *fakeMailbox) lastRequest() *message.RepairLogRequest {
	sent := m.sentMsgs()
	for i := len(sent) - 1; i >= 0; i-- {
		if req, ok := sent[i].msg.(*message.RepairLogRequest); ok {
			return req
		}
	}
	return nil
}
