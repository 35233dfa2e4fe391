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
	"testing"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initiateResponse(executor int64, results ...string) *message.InitiateResponse {
	var tables [][]byte
	for _, r := range results {
		tables = append(tables, []byte(r))
	}
	return &message.InitiateResponse{
		ExecutorHSID: executor,
		Response:     message.NewClientResponse(message.StatusSuccess, "", tables),
	}
}

func TestDuplicateCounter(t *testing.T) {
	c := NewDuplicateCounter(replica3, spHandle(1, testPartition), []int64{replica1, replica2})
	assert.Equal(t, CounterWaiting, c.Offer(initiateResponse(replica1, "a")))
	assert.Equal(t, CounterDone, c.Offer(initiateResponse(replica2, "a")))
	assert.Equal(t, replica3, c.Destination())
	assert.NotNil(t, c.LastResponse())

	c = NewDuplicateCounter(replica3, spHandle(2, testPartition), []int64{replica1, replica2})
	assert.Equal(t, CounterWaiting, c.Offer(initiateResponse(replica1, "a")))
	assert.Equal(t, CounterMismatch, c.Offer(initiateResponse(replica2, "b")))

	c = NewDuplicateCounter(replica3, spHandle(3, testPartition), []int64{replica1, replica2})
	restart := initiateResponse(replica1)
	restart.Response = message.NewClientResponse(message.StatusTxnRestart, "restart", nil)
	assert.Equal(t, CounterAbort, c.Offer(restart))
}

func TestDuplicateCounterRecoveringAndReplicaLoss(t *testing.T) {
	c := NewDuplicateCounter(replica3, spHandle(1, testPartition), []int64{replica1, replica2, replica3})
	assert.Equal(t, CounterWaiting, c.Offer(initiateResponse(replica1, "a")))
	// A rejoining replica answers with nothing to compare.
	recovering := initiateResponse(replica2)
	recovering.Recovering = true
	assert.Equal(t, CounterWaiting, c.Offer(recovering))
	assert.Equal(t, []int64{replica3}, c.Expected())
	assert.Equal(t, replica1, c.LastResponse().(*message.InitiateResponse).ExecutorHSID)

	assert.Equal(t, CounterWaiting, c.UpdateReplicas([]int64{replica1, replica3}))
	assert.Equal(t, CounterDone, c.UpdateReplicas([]int64{replica1}))
}

func TestDeterminismHash(t *testing.T) {
	build := func(plans ...uint64) []int32 {
		h := NewDeterminismHash(3)
		for _, p := range plans {
			h.Offer(p, []byte{byte(p)})
		}
		return h.Get()
	}
	a := build(1, 2, 3)
	assert.Equal(t, int32(3), a[headerCatalog])
	assert.Equal(t, int32(3), a[headerCount])
	assert.Len(t, a, headerSize+6)
	assert.True(t, HashesMatch(a, build(1, 2, 3)))
	assert.Equal(t, 1, CompareHashes(a, build(1, 5, 3)))
	assert.Equal(t, 3, CompareHashes(a, build(1, 2, 3, 4)))

	long := make([]uint64, MaxStatementsWithDetail+1)
	for i := range long {
		long[i] = uint64(i)
	}
	other := append([]uint64(nil), long...)
	other[MaxStatementsWithDetail] = 1000
	assert.Equal(t, HashNotInclude, CompareHashes(build(long...), build(other...)))
	assert.Contains(t, DescribeMismatch(build(long...), build(other...)), "beyond")
}

func TestRestartSequenceGenerator(t *testing.T) {
	restart := NewRestartSequenceGenerator(5, true)
	repair := NewRestartSequenceGenerator(5, false)

	r1, r2 := restart.Next(), restart.Next()
	assert.True(t, r2 > r1)
	assert.True(t, IsForRestart(r1))
	assert.False(t, IsInitial(r1))
	assert.Equal(t, 5, restartLeader(r1))

	p := repair.Next()
	assert.False(t, IsForRestart(p))
	assert.False(t, IsInitial(p))
	assert.Equal(t, 5, restartLeader(p))

	assert.True(t, IsInitial(InitialTimestamp))
	assert.False(t, IsForRestart(InitialTimestamp))
	assert.Equal(t, -1, restartLeader(InitialTimestamp))

	// A later leader stamps higher.
	assert.True(t, NewRestartSequenceGenerator(6, false).Next() > repair.Next())
}

func TestPromotionFuture(t *testing.T) {
	f := NewPromotionFuture()
	assert.False(t, f.IsDone())
	require.True(t, f.Set(&RepairResult{MaxSeenTxnID: 7}))
	assert.False(t, f.Cancel())
	assert.False(t, f.IsCancelled())
	result, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.MaxSeenTxnID)

	f = NewPromotionFuture()
	require.True(t, f.Cancel())
	assert.False(t, f.Set(&RepairResult{}))
	_, err = f.Wait(context.Background())
	assert.Equal(t, ErrPromotionCancelled, errors.Cause(err))

	f = NewPromotionFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Wait(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.False(t, f.IsDone())
}

func completionTask(txnID, ts int64) *TransactionTask {
	return newCompleteTask(nil, nil, nil, &message.CompleteTransaction{
		TxnInfo:   message.TxnInfo{TxnID: txnID, SpHandle: txnID},
		Rollback:  true,
		Timestamp: ts,
	})
}

func TestScoreboardTimestamps(t *testing.T) {
	restart := NewRestartSequenceGenerator(1, true)
	repair := NewRestartSequenceGenerator(1, false)
	r1, r2 := repair.Next(), repair.Next()

	s := NewScoreboard()
	s.AddCompletedTransactionTask(completionTask(mpTxn(1), r2), false)
	s.AddCompletedTransactionTask(completionTask(mpTxn(1), r1), false)
	_, ts, _, ok := s.PeekFirst()
	require.True(t, ok)
	assert.Equal(t, r2, ts)

	// A restart stamp does not replace a repair stamp.
	s.AddCompletedTransactionTask(completionTask(mpTxn(1), restart.Next()), false)
	_, ts, _, _ = s.PeekFirst()
	assert.Equal(t, r2, ts)
	assert.True(t, s.MatchCompletedTask(mpTxn(1), r2))
	assert.Equal(t, 1, s.Len())
}

func TestScoreboardLaterRestartReplacesRestart(t *testing.T) {
	restart := NewRestartSequenceGenerator(1, true)
	first, second := restart.Next(), restart.Next()

	s := NewScoreboard()
	s.AddCompletedTransactionTask(completionTask(mpTxn(5), first), false)
	s.AddCompletedTransactionTask(completionTask(mpTxn(5), second), false)
	_, ts, _, ok := s.PeekFirst()
	require.True(t, ok)
	assert.Equal(t, second, ts)

	// An older restart stamp arriving late does not go back.
	s.AddCompletedTransactionTask(completionTask(mpTxn(5), first), false)
	_, ts, _, _ = s.PeekFirst()
	assert.Equal(t, second, ts)
	assert.Equal(t, 1, s.Len())
}

func TestScoreboardDropsStaleMissingCompletion(t *testing.T) {
	restart := NewRestartSequenceGenerator(1, true)
	repair := NewRestartSequenceGenerator(1, false)

	s := NewScoreboard()
	s.AddCompletedTransactionTask(completionTask(mpTxn(2), restart.Next()), false)
	s.AddCompletedTransactionTask(completionTask(mpTxn(3), repair.Next()), true)
	assert.Equal(t, 1, s.Len())

	// Only later transactions are affected.
	s.AddCompletedTransactionTask(completionTask(mpTxn(1), repair.Next()), true)
	assert.Equal(t, 2, s.Len())
	task, _, missing, _ := s.PeekFirst()
	assert.Equal(t, mpTxn(1), task.TxnID())
	assert.True(t, missing)
}

type releaseLog struct {
	tasks     []int64
	fragments []int64
}

func (r *releaseLog) release(task *TransactionTask, _ bool, fragment *TransactionTask) {
	if task != nil {
		r.tasks = append(r.tasks, task.TxnID())
	}
	if fragment != nil {
		r.fragments = append(r.fragments, fragment.TxnID())
	}
}

func TestScoreboardGroupReleasesWhenAllSitesAgree(t *testing.T) {
	g := NewScoreboardGroup()
	var log1, log2 releaseLog
	g.Register(replica1, log1.release)
	g.Register(replica2, log2.release)

	ts := NewRestartSequenceGenerator(1, false).Next()
	require.True(t, g.AddCompletion(replica1, completionTask(mpTxn(1), ts), true))
	assert.Empty(t, log1.tasks)

	fragment := participantTask(nil, mpTxn(1), spHandle(1, testPartition), nil)
	assert.False(t, g.OfferFragment(replica2, fragment))
	assert.True(t, g.OfferFragment(replica1, fragment))

	require.True(t, g.AddCompletion(replica2, completionTask(mpTxn(1), ts), true))
	assert.Equal(t, []int64{mpTxn(1)}, log1.tasks)
	assert.Equal(t, []int64{mpTxn(1)}, log2.tasks)
	assert.Equal(t, []int64{mpTxn(1)}, log1.fragments)
	assert.Empty(t, log2.fragments)
	assert.Equal(t, map[int64]int{replica1: 0, replica2: 0}, g.Pending())

	// Losing a site releases what the others hold.
	require.True(t, g.AddCompletion(replica1, completionTask(mpTxn(2), ts), true))
	g.Unregister(replica2)
	assert.Equal(t, []int64{mpTxn(1), mpTxn(2)}, log1.tasks)

	assert.False(t, g.AddCompletion(replica3, completionTask(mpTxn(3), ts), true))
}
