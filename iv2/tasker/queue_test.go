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

package tasker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTask struct {
	id  int
	pri Priority
}

func (t *testTask) Priority() Priority { return t.pri }

func (t *testTask) TxnID() int64 { return int64(t.id) }

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	q := NewQueue("prio", DefaultPolicy())
	q.Offer(&testTask{1, PriorityNormal})
	q.Offer(&testTask{2, PriorityLow})
	q.Offer(&testTask{3, PriorityHigh})
	q.Offer(&testTask{4, PriorityNormal})
	q.Offer(&testTask{5, PriorityHigh})
	require.Equal(t, 5, q.Size())
	require.Equal(t, 3, q.Peek().(*testTask).id)

	var order []int
	for !q.IsEmpty() {
		order = append(order, q.Poll().(*testTask).id)
	}
	assert.Equal(t, []int{3, 5, 1, 4, 2}, order)
	assert.Nil(t, q.Poll())
	assert.Nil(t, q.Peek())
}

func TestDepthTracking(t *testing.T) {
	q := NewQueue("depth", DefaultPolicy())
	q.Offer(&testTask{1, PriorityNormal})
	q.Offer(&testTask{2, PriorityNormal})
	q.Offer(&testTask{3, PriorityLow})
	tr := q.DepthTracker()
	assert.Equal(t, int64(2), tr.Depth(PriorityNormal))
	assert.Equal(t, int64(1), tr.Depth(PriorityLow))
	q.Poll()
	assert.Equal(t, int64(1), tr.Depth(PriorityNormal))
	snap := tr.Snapshot()
	assert.Equal(t, int64(1), snap.Polled)
	assert.Equal(t, int64(1), snap.Depth["normal"])
}

func TestTakeBlocksAndTracksStarvation(t *testing.T) {
	q := NewQueue("starve", DefaultPolicy())
	got := make(chan SiteTasker)
	go func() {
		got <- q.Take()
	}()
	waitFor(t, q.StarvationTracker().IsStarving)
	q.Offer(&testTask{7, PriorityNormal})
	select {
	case task := <-got:
		assert.Equal(t, 7, task.(*testTask).id)
	case <-time.After(5 * time.Second):
		t.Fatal("take did not return")
	}
	assert.False(t, q.StarvationTracker().IsStarving())
	snap := q.StarvationTracker().Snapshot()
	assert.True(t, snap.StarvedPercent > 0)
}

func TestCloseWakesTakers(t *testing.T) {
	q := NewQueue("close", DefaultPolicy())
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Nil(t, q.Take())
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	wg.Wait()
	assert.False(t, q.Offer(&testTask{1, PriorityNormal}))
}

func TestFairPolicyInterleavesClasses(t *testing.T) {
	q := NewQueue("fair", Policy{
		Fair:    true,
		Weights: map[Priority]float64{PriorityNormal: 4, PriorityLow: 1},
	})
	for i := 0; i < 8; i++ {
		q.Offer(&testTask{100 + i, PriorityLow})
	}
	for i := 0; i < 8; i++ {
		q.Offer(&testTask{i, PriorityNormal})
	}
	var lows, normals int
	for i := 0; i < 10; i++ {
		task := q.Poll().(*testTask)
		if task.pri == PriorityLow {
			lows++
		} else {
			normals++
		}
	}
	// Normal work gets four times the share but low work is not starved.
	assert.Equal(t, 8, normals)
	assert.Equal(t, 2, lows)
}

func TestFairVirtualTimeFormula(t *testing.T) {
	q := NewQueue("vt", Policy{Fair: true, Weights: map[Priority]float64{PriorityLow: 0.5}})
	assert.Equal(t, 2.0, q.nextVirtualTime(PriorityLow))
	assert.Equal(t, 4.0, q.nextVirtualTime(PriorityLow))
	assert.Equal(t, 1.0, q.nextVirtualTime(PriorityNormal))
	q.virtualNow = 10
	assert.Equal(t, 12.0, q.nextVirtualTime(PriorityLow))
	assert.Equal(t, 11.0, q.nextVirtualTime(PriorityNormal))
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
