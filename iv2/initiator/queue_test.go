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
	"sync"
	"testing"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spTask(q *TransactionTaskQueue, seq int64) *TransactionTask {
	h := spHandle(seq, testPartition)
	it := &message.InitiateTask{
		TxnInfo:    message.TxnInfo{TxnID: h, SpHandle: h},
		Invocation: message.Invocation{ProcName: "Put"},
	}
	return newSpProcedureTask(nil, q, newSpTransactionState(it), it)
}

func participantTask(q *TransactionTaskQueue, txnID, sp int64, state *TransactionState) *TransactionTask {
	f := &message.FragmentTask{TxnInfo: message.TxnInfo{TxnID: txnID, SpHandle: sp}}
	if state == nil {
		state = newParticipantState(sp, f)
	}
	return newFragmentTask(nil, q, state, f, nil)
}

func TestTransactionTaskQueueHoldsWorkBehindMP(t *testing.T) {
	site := tasker.NewQueue("ttq", tasker.DefaultPolicy())
	q := NewTransactionTaskQueue(replica1, site, nil)

	q.Offer(spTask(q, 1))
	q.Offer(spTask(q, 2))
	assert.Equal(t, 2, site.Size())
	assert.Equal(t, 0, q.Size())

	mp := participantTask(q, mpTxn(1), spHandle(3, testPartition), nil)
	q.Offer(mp)
	assert.Equal(t, 3, site.Size())
	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, mpTxn(1), head)

	sp3 := spTask(q, 4)
	q.Offer(sp3)
	assert.Equal(t, 3, site.Size())
	assert.Equal(t, 2, q.Size())

	// A later fragment of the running MP transaction is not held back.
	q.Offer(participantTask(q, mpTxn(1), spHandle(5, testPartition), mp.State()))
	assert.Equal(t, 4, site.Size())

	// Nothing moves until the MP transaction is done.
	assert.Equal(t, 0, q.Flush(mpTxn(1)))
	mp.State().setDone()
	assert.Equal(t, 1, q.Flush(mpTxn(1)))
	assert.Equal(t, 5, site.Size())
	assert.Equal(t, 0, q.Size())

	var order []int64
	for !site.IsEmpty() {
		order = append(order, site.Poll().(*TransactionTask).SpHandle())
	}
	assert.Equal(t, spHandle(4, testPartition), order[len(order)-1])
}

func TestTransactionTaskQueueSentinel(t *testing.T) {
	site := tasker.NewQueue("ttq", tasker.DefaultPolicy())
	q := NewTransactionTaskQueue(replica1, site, nil)

	q.OfferMPSentinel(mpTxn(2))
	q.OfferMPSentinel(mpTxn(2))
	assert.Equal(t, 1, q.Size())

	q.Offer(spTask(q, 1))
	assert.Equal(t, 0, site.Size())
	assert.Equal(t, 2, q.Size())

	mp := participantTask(q, mpTxn(2), spHandle(2, testPartition), nil)
	q.Offer(mp)
	assert.Equal(t, 1, site.Size())

	mp.State().setDone()
	assert.Equal(t, 1, q.Flush(mpTxn(2)))
	assert.Equal(t, 2, site.Size())
	assert.Equal(t, 0, q.Size())
}

func TestTransactionTaskQueueReleasesNextMP(t *testing.T) {
	site := tasker.NewQueue("ttq", tasker.DefaultPolicy())
	q := NewTransactionTaskQueue(replica1, site, nil)

	first := participantTask(q, mpTxn(1), spHandle(1, testPartition), nil)
	q.Offer(first)
	q.Offer(spTask(q, 2))
	second := participantTask(q, mpTxn(2), spHandle(3, testPartition), nil)
	q.Offer(second)
	q.Offer(participantTask(q, mpTxn(2), spHandle(4, testPartition), second.State()))
	q.Offer(spTask(q, 5))
	assert.Equal(t, 1, site.Size())
	assert.Equal(t, 5, q.Size())

	first.State().setDone()
	// The sp task, then both tasks of the second MP transaction.
	assert.Equal(t, 3, q.Flush(mpTxn(1)))
	assert.Equal(t, 4, site.Size())
	head, _ := q.Head()
	assert.Equal(t, mpTxn(2), head)

	second.State().setDone()
	assert.Equal(t, 1, q.Flush(mpTxn(2)))
	assert.Equal(t, 0, q.Size())
}

func testPoolFactory(name string) SiteFactory {
	return func(id int, catalog *Catalog) *Site {
		return NewSite(SiteConfig{
			HSID:        mpiHSID,
			PartitionID: txnego.MPInitPID,
			Queue:       tasker.NewQueue(fmt.Sprintf("%s-%d", name, id), tasker.DefaultPolicy()),
			Catalog:     catalog,
		})
	}
}

func noopTask() SiteTask {
	return newSiteFunc("noop", tasker.PriorityNormal, func(*Site) {})
}

func TestSitePoolCatalogEviction(t *testing.T) {
	catalog := NewCatalog(1)
	pool := NewSitePool("read", 3, catalog, testPoolFactory("read"))
	defer pool.Shutdown()

	for i := int64(1); i <= 3; i++ {
		pool.DoWork(mpTxn(i), noopTask())
	}
	assert.False(t, pool.CanAcceptWork())
	pool.CompleteWork(mpTxn(1))
	pool.CompleteWork(mpTxn(2))
	idle, busy := pool.Stats()
	assert.Equal(t, 2, idle)
	assert.Equal(t, 1, busy)
	assert.Len(t, pool.all, 3)

	// Idle contexts built from the old catalog go at once.
	pool.UpdateCatalog(NewCatalog(2))
	idle, busy = pool.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 1, busy)
	assert.Len(t, pool.all, 1)

	// The busy one goes when its work completes.
	pool.CompleteWork(mpTxn(3))
	idle, busy = pool.Stats()
	assert.Equal(t, 0, idle)
	assert.Equal(t, 0, busy)
	assert.Len(t, pool.all, 0)

	// New work gets a context built from the new catalog.
	pool.DoWork(mpTxn(4), noopTask())
	pool.CompleteWork(mpTxn(4))
	idle, _ = pool.Stats()
	assert.Equal(t, 1, idle)
	for ctx := range pool.all {
		assert.Equal(t, 2, ctx.catalogVersion)
	}
}

func mpQueueTask(seq int64, readOnly bool, nParts ...int) *TransactionTask {
	it := &message.InitiateTask{
		TxnInfo:     message.TxnInfo{TxnID: mpTxn(seq), SpHandle: mpTxn(seq), ReadOnly: readOnly},
		Invocation:  message.Invocation{ProcName: "Scan"},
		NPartitions: nParts,
	}
	state := newMpState(it, nil)
	// Done tasks return at once when a pool context runs them.
	state.setDone()
	return newMpProcedureTask(nil, nil, state, it, nil)
}

func newTestMpQueue(readPool int) (*MpTransactionTaskQueue, *tasker.Queue) {
	catalog := NewCatalog(1)
	site := tasker.NewQueue("mpi", tasker.DefaultPolicy())
	q := NewMpTransactionTaskQueue(site,
		NewSitePool("read", readPool, catalog, testPoolFactory("read")),
		NewSitePool("np", 2, catalog, testPoolFactory("np")))
	return q, site
}

func TestMpQueueReadPoolBacklog(t *testing.T) {
	q, _ := newTestMpQueue(3)
	defer q.Shutdown()

	for i := int64(1); i <= 4; i++ {
		q.Offer(mpQueueTask(i, true))
	}
	stats := q.Stats()
	assert.Equal(t, 3, stats.Reads)
	assert.Equal(t, 1, q.Size())

	assert.Equal(t, 1, q.Flush(mpTxn(2)))
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 3, q.Stats().Reads)
}

func TestMpQueueWriteWaitsForReads(t *testing.T) {
	q, site := newTestMpQueue(3)
	defer q.Shutdown()

	q.Offer(mpQueueTask(1, true))
	q.Offer(mpQueueTask(2, true))
	q.Offer(mpQueueTask(3, false))
	// A read behind the write waits too.
	q.Offer(mpQueueTask(4, true))
	assert.Equal(t, 2, q.Size())
	assert.Equal(t, 0, site.Size())

	assert.Equal(t, 0, q.Flush(mpTxn(1)))
	assert.Equal(t, 1, q.Flush(mpTxn(2)))
	assert.Equal(t, 1, site.Size())
	assert.Equal(t, 1, q.Size())

	assert.Equal(t, 1, q.Flush(mpTxn(3)))
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 1, q.Stats().Reads)
}

func TestMpQueueNPartitionOverlap(t *testing.T) {
	q, _ := newTestMpQueue(3)
	defer q.Shutdown()

	q.Offer(mpQueueTask(1, false, 0, 1))
	q.Offer(mpQueueTask(2, false, 2, 3))
	q.Offer(mpQueueTask(3, false, 1, 2))
	assert.Equal(t, 2, q.Stats().NPs)
	assert.Equal(t, 1, q.Size())

	// 3 still overlaps 2.
	assert.Equal(t, 0, q.Flush(mpTxn(1)))
	assert.Equal(t, 1, q.Flush(mpTxn(2)))
	assert.Equal(t, 1, q.Stats().NPs)
}

var (
	oldMasters = map[int]int64{0: master1, 1: master2}
	newMasters = map[int]int64{0: message.MakeHSID(3, 2), 1: master2}
)

// coordinatorTask is an MP task with a live coordinator state. The state is
// done, so a pool context that picks it up returns at once.
func coordinatorTask(seq int64, readOnly bool) *TransactionTask {
	it := &message.InitiateTask{
		TxnInfo:    message.TxnInfo{TxnID: mpTxn(seq), SpHandle: mpTxn(seq), ReadOnly: readOnly},
		Invocation: message.Invocation{ProcName: "Scan"},
	}
	mp := NewMpTransactionState(nil, &sync.Mutex{}, NewRestartSequenceGenerator(0, true), it, oldMasters, mpiHSID)
	state := newMpState(it, mp)
	state.setDone()
	return newMpProcedureTask(nil, nil, state, it, nil)
}

func hasPoison(task *TransactionTask) bool {
	mp := task.state.mp
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, resp := range mp.inbox {
		if resp.PartitionID == poisonPartition {
			return true
		}
	}
	return false
}

func TestMpQueueRepairPoisonsRunningReads(t *testing.T) {
	q, site := newTestMpQueue(3)
	defer q.Shutdown()

	r1, r2 := coordinatorTask(1, true), coordinatorTask(2, true)
	w3 := coordinatorTask(3, false)
	q.Offer(r1)
	q.Offer(r2)
	q.Offer(w3)
	waitFor(t, func() bool { return r1.started.Load() && r2.started.Load() })
	require.Equal(t, 1, q.Size())

	q.Repair(noopTask(), []int64{newMasters[0], master2}, newMasters, false)
	assert.True(t, hasPoison(r1))
	assert.True(t, hasPoison(r2))
	assert.False(t, hasPoison(w3))
	// Queued work follows the new masters too.
	for _, task := range []*TransactionTask{r1, r2, w3} {
		assert.Equal(t, []int64{newMasters[0], master2}, task.state.mp.Masters())
	}
	assert.Equal(t, 1, site.Size())

	// Hold every read context so the re-offered work stays visible.
	gate := make(chan struct{})
	var held sync.WaitGroup
	q.mu.Lock()
	ctx1, ctx2 := q.readPool.busy[r1.TxnID()], q.readPool.busy[r2.TxnID()]
	q.mu.Unlock()
	require.NotEqual(t, ctx1, ctx2)
	for _, ctx := range []*poolContext{ctx1, ctx2} {
		held.Add(1)
		ctx.queue().Offer(newSiteFunc("gate", tasker.PriorityNormal, func(*Site) {
			held.Done()
			<-gate
		}))
	}
	held.Wait()

	q.Restart()
	assert.Equal(t, 1, ctx1.queue().Size())
	assert.Equal(t, 1, ctx2.queue().Size())
	assert.False(t, r1.poisoned)

	// Nothing is left to restart.
	q.Restart()
	assert.Equal(t, 1, ctx1.queue().Size())
	assert.Equal(t, 1, ctx2.queue().Size())
	close(gate)
}

func TestMpQueueRepairWrites(t *testing.T) {
	q, site := newTestMpQueue(3)
	defer q.Shutdown()

	w1 := coordinatorTask(1, false)
	q.Offer(w1)
	require.Equal(t, 1, site.Size())

	// Still in the site queue: new masters, no poison, no second copy.
	q.Repair(noopTask(), []int64{newMasters[0], master2}, newMasters, false)
	assert.False(t, hasPoison(w1))
	assert.Equal(t, []int64{newMasters[0], master2}, w1.state.mp.Masters())
	q.Restart()
	assert.Equal(t, 2, site.Size())

	w1.started.Store(true)
	q.Repair(noopTask(), []int64{master1, master2}, oldMasters, false)
	assert.True(t, hasPoison(w1))
	assert.Equal(t, 3, site.Size())
	q.Restart()
	assert.Equal(t, 4, site.Size())
}

func TestMpQueueLeaderMigrationKeepsRunningWork(t *testing.T) {
	q, site := newTestMpQueue(3)
	defer q.Shutdown()

	r1 := coordinatorTask(1, true)
	w2 := coordinatorTask(2, false)
	q.Offer(r1)
	q.Offer(w2)
	waitFor(t, func() bool { return r1.started.Load() })

	q.Repair(noopTask(), []int64{newMasters[0], master2}, newMasters, true)
	assert.False(t, hasPoison(r1))
	assert.False(t, r1.poisoned)
	assert.Equal(t, []int64{newMasters[0], master2}, r1.state.mp.Masters())
	assert.Equal(t, []int64{newMasters[0], master2}, w2.state.mp.Masters())
	assert.Equal(t, 1, site.Size())
	assert.Equal(t, 1, q.Size())
}
