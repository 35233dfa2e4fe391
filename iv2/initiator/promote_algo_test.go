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
	"testing"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/repairlog"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPartition = 1

var (
	replica1 = message.MakeHSID(1, 1)
	replica2 = message.MakeHSID(2, 1)
	replica3 = message.MakeHSID(3, 1)
)

// logOf builds the repair log responses a survivor sends: a header and one
// response per entry.
func logOf(requestID, source, lastSp, lastMp int64, entries ...*message.RepairLogResponse) []*message.RepairLogResponse {
	out := []*message.RepairLogResponse{{
		RequestID:  requestID,
		SourceHSID: source,
		OfTotal:    len(entries) + 1,
		Handle:     lastSp,
		TxnID:      lastMp,
	}}
	for i, e := range entries {
		e.RequestID = requestID
		e.SourceHSID = source
		e.Sequence = i + 1
		e.OfTotal = len(entries) + 1
		out = append(out, e)
	}
	return out
}

func spEntry(handle int64) *message.RepairLogResponse {
	return &message.RepairLogResponse{
		Handle: handle,
		TxnID:  handle,
		Payload: &message.InitiateTask{
			TxnInfo:    message.TxnInfo{TxnID: handle, SpHandle: handle},
			Invocation: message.Invocation{ProcName: "Put"},
		},
	}
}

func deliverAll(deliver func(*message.RepairLogResponse), responses []*message.RepairLogResponse) {
	for _, r := range responses {
		deliver(r)
	}
}

func waitResult(t *testing.T, f *PromotionFuture) (*RepairResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestSpPromoteRepairsOnlyMissingReplica(t *testing.T) {
	mb := newFakeMailbox(replica1)
	algo := NewSpPromoteAlgo([]int64{replica2, replica1}, mb, testPartition)
	future := algo.Start()
	assert.Equal(t, algoCollecting, algo.State())

	req := mb.lastRequest()
	require.NotNil(t, req)
	assert.False(t, req.ForMPI)
	assert.Equal(t, replica1, req.RequesterHSID)
	require.Len(t, mb.sentMsgs(), 1)
	assert.Equal(t, []int64{replica1, replica2}, mb.sentMsgs()[0].dests)

	h41, h42 := spHandle(41, testPartition), spHandle(42, testPartition)
	// Replica 1 saw 41 and 42, replica 2 only 41.
	deliverAll(algo.Deliver, logOf(req.RequestID, replica1, h42, math.MaxInt64, spEntry(h41), spEntry(h42)))
	assert.False(t, future.IsDone())
	deliverAll(algo.Deliver, logOf(req.RequestID, replica2, h41, math.MaxInt64, spEntry(h41)))

	result, err := waitResult(t, future)
	require.NoError(t, err)
	assert.Equal(t, h42, result.MaxSeenTxnID)
	assert.Equal(t, algoDone, algo.State())

	repairs := mb.repairCalls()
	require.Len(t, repairs, 1)
	assert.Equal(t, []int64{replica2}, repairs[0].needsRepair)
	assert.Equal(t, h42, repairs[0].msg.(*message.InitiateTask).SpHandle)
}

func TestSpPromoteNoSurvivors(t *testing.T) {
	mb := newFakeMailbox(replica1)
	algo := NewSpPromoteAlgo(nil, mb, testPartition)
	result, err := waitResult(t, algo.Start())
	require.NoError(t, err)
	assert.Empty(t, mb.sentMsgs())
	assert.Empty(t, mb.repairCalls())
	assert.Equal(t, spHandle(0, testPartition), result.MaxSeenTxnID)
}

func TestSpPromoteIgnoresStaleAndForeignResponses(t *testing.T) {
	mb := newFakeMailbox(replica1)
	algo := NewSpPromoteAlgo([]int64{replica1}, mb, testPartition)
	future := algo.Start()
	req := mb.lastRequest()

	h := spHandle(7, testPartition)
	deliverAll(algo.Deliver, logOf(req.RequestID-1, replica1, h, math.MaxInt64))
	deliverAll(algo.Deliver, logOf(req.RequestID, replica3, h, math.MaxInt64))
	assert.False(t, future.IsDone())

	deliverAll(algo.Deliver, logOf(req.RequestID, replica1, h, math.MaxInt64, spEntry(h)))
	result, err := waitResult(t, future)
	require.NoError(t, err)
	assert.Equal(t, h, result.MaxSeenTxnID)
	// The only survivor already has everything.
	assert.Empty(t, mb.repairCalls())
}

func TestSpPromoteCancel(t *testing.T) {
	mb := newFakeMailbox(replica1)
	algo := NewSpPromoteAlgo([]int64{replica1, replica2}, mb, testPartition)
	future := algo.Start()
	req := mb.lastRequest()

	algo.Cancel()
	assert.Equal(t, algoFailed, algo.State())
	_, err := waitResult(t, future)
	assert.Equal(t, ErrPromotionCancelled, errors.Cause(err))
	assert.True(t, future.IsCancelled())

	h := spHandle(1, testPartition)
	deliverAll(algo.Deliver, logOf(req.RequestID, replica1, h, math.MaxInt64, spEntry(h)))
	deliverAll(algo.Deliver, logOf(req.RequestID, replica2, math.MinInt64, math.MaxInt64))
	assert.Empty(t, mb.repairCalls())
	assert.Equal(t, algoFailed, algo.State())
}

var (
	master1 = message.MakeHSID(1, 2)
	master2 = message.MakeHSID(2, 2)
	mpiHSID = message.MakeHSID(1, 100)
)

func mpFragmentEntry(txnID int64, withInitiate bool) *message.RepairLogResponse {
	f := &message.FragmentTask{TxnInfo: message.TxnInfo{TxnID: txnID, SpHandle: txnID}}
	if withInitiate {
		f.InitiateTask = &message.InitiateTask{
			TxnInfo:    message.TxnInfo{TxnID: txnID},
			Invocation: message.Invocation{ProcName: "Transfer"},
		}
	}
	return &message.RepairLogResponse{Handle: txnID, TxnID: txnID, Payload: f}
}

func mpCompleteEntry(txnID int64, rollback bool) *message.RepairLogResponse {
	c := &message.CompleteTransaction{
		TxnInfo:     message.TxnInfo{TxnID: txnID, SpHandle: txnID, InitiatorHSID: master1},
		Rollback:    rollback,
		RequiresAck: true,
	}
	return &message.RepairLogResponse{Handle: txnID, TxnID: txnID, Payload: c}
}

func runMpPromote(t *testing.T, restartWrites bool, outcome OutcomeFunc) (*fakeMailbox, *RepairResult) {
	mb := newFakeMailbox(mpiHSID)
	algo := NewMpPromoteAlgo([]int64{master1, master2}, mb, NewRestartSequenceGenerator(3, true),
		NewRestartSequenceGenerator(3, false), restartWrites, outcome)
	future := algo.Start()
	req := mb.lastRequest()
	require.NotNil(t, req)
	assert.True(t, req.ForMPI)

	a, b, c := mpTxn(1), mpTxn(2), mpTxn(3)
	// Master 1 finished b and holds the first fragment of a. Master 2 holds
	// the first fragments of b and c.
	deliverAll(algo.Deliver, logOf(req.RequestID, master1, spHandle(9, 2), b,
		mpFragmentEntry(a, true), mpCompleteEntry(b, false)))
	deliverAll(algo.Deliver, logOf(req.RequestID, master2, spHandle(8, 2), c,
		mpFragmentEntry(b, true), mpFragmentEntry(c, false)))

	result, err := waitResult(t, future)
	require.NoError(t, err)
	assert.Equal(t, c, result.MaxSeenTxnID)
	assert.Equal(t, c, result.RepairTruncationHandle)
	return mb, result
}

func repairedCompletes(t *testing.T, mb *fakeMailbox) []*message.CompleteTransaction {
	var out []*message.CompleteTransaction
	for _, call := range mb.repairCalls() {
		assert.Equal(t, []int64{master1, master2}, call.needsRepair)
		out = append(out, call.msg.(*message.CompleteTransaction))
	}
	return out
}

func TestMpPromoteAfterCoordinatorFailure(t *testing.T) {
	mb, result := runMpPromote(t, false, nil)
	completes := repairedCompletes(t, mb)
	require.Len(t, completes, 3)

	a, b, c := completes[0], completes[1], completes[2]
	assert.Equal(t, mpTxn(1), a.TxnID)
	assert.True(t, a.Rollback)
	assert.True(t, a.AbortDuringRepair)
	assert.False(t, a.Restart)

	// A finished transaction is completed again with its own outcome.
	assert.Equal(t, mpTxn(2), b.TxnID)
	assert.False(t, b.Rollback)
	assert.False(t, b.RequiresAck)
	assert.Equal(t, mpiHSID, b.InitiatorHSID)
	assert.Equal(t, int64(math.MinInt64), b.TruncationHandle)
	assert.False(t, IsForRestart(b.Timestamp))
	assert.False(t, IsInitial(b.Timestamp))

	assert.Equal(t, mpTxn(3), c.TxnID)
	assert.True(t, c.AbortDuringRepair)

	// Only a had an invocation to resubmit.
	require.Len(t, result.Interrupted, 1)
	assert.Equal(t, mpTxn(1), result.Interrupted[0].TxnID)
}

func TestMpPromoteRestartsRunningWrites(t *testing.T) {
	outcome := func(txnID int64) (bool, bool) {
		if txnID == mpTxn(3) {
			return false, true
		}
		return false, false
	}
	mb, result := runMpPromote(t, true, outcome)
	completes := repairedCompletes(t, mb)
	require.Len(t, completes, 3)

	a, c := completes[0], completes[2]
	assert.True(t, a.Restart)
	assert.True(t, a.Rollback)
	assert.False(t, a.AbortDuringRepair)
	assert.True(t, IsForRestart(a.Timestamp))
	assert.Equal(t, 3, restartLeader(a.Timestamp))

	// The coordinator knew c committed.
	assert.False(t, c.Rollback)
	assert.False(t, c.Restart)
	assert.False(t, IsForRestart(c.Timestamp))

	assert.Empty(t, result.Interrupted)
}

func TestMpPromoteEmptyLogs(t *testing.T) {
	mb := newFakeMailbox(mpiHSID)
	algo := NewMpPromoteAlgo([]int64{master1}, mb, NewRestartSequenceGenerator(0, true),
		NewRestartSequenceGenerator(0, false), false, nil)
	future := algo.Start()
	req := mb.lastRequest()
	deliverAll(algo.Deliver, logOf(req.RequestID, master1, math.MinInt64, math.MaxInt64))

	result, err := waitResult(t, future)
	require.NoError(t, err)
	assert.Equal(t, mpTxn(0), result.MaxSeenTxnID)
	assert.Equal(t, int64(math.MinInt64), result.RepairTruncationHandle)
	assert.Empty(t, mb.repairCalls())
}

func TestMpPromoteSeesReadOnlyHistory(t *testing.T) {
	rl := repairlog.NewRepairLog("master1")
	ro := mpTxn(100)
	rl.Deliver(&message.FragmentTask{TxnInfo: message.TxnInfo{TxnID: ro, SpHandle: spHandle(1, 2), ReadOnly: true}})
	rl.Deliver(&message.CompleteTransaction{TxnInfo: message.TxnInfo{TxnID: ro, SpHandle: spHandle(1, 2), ReadOnly: true}})

	mb := newFakeMailbox(mpiHSID)
	algo := NewMpPromoteAlgo([]int64{master1}, mb, NewRestartSequenceGenerator(0, true),
		NewRestartSequenceGenerator(0, false), false, nil)
	future := algo.Start()
	req := mb.lastRequest()
	require.NotNil(t, req)
	deliverAll(algo.Deliver, rl.Contents(req.RequestID, true, master1))

	result, err := waitResult(t, future)
	require.NoError(t, err)
	// The new coordinator clock starts past every id the old one issued.
	assert.Equal(t, ro, result.MaxSeenTxnID)
	assert.Empty(t, mb.repairCalls())
}
