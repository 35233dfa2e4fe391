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
	"testing"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loggedTask(h int64) *message.InitiateTask {
	return &message.InitiateTask{TxnInfo: message.TxnInfo{TxnID: h, SpHandle: h}}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestMemoryCommandLogSynchronousFlush(t *testing.T) {
	l := NewMemoryCommandLog(true, 0)
	defer l.Close()
	var durable []int64
	l.RegisterDurabilityListener(func(h int64) { durable = append(durable, h) })

	h1, h2 := spHandle(1, testPartition), spHandle(2, testPartition)
	ch1 := l.Log(loggedTask(h1), h1)
	ch2 := l.Log(loggedTask(h2), h2)
	require.NotNil(t, ch1)
	assert.False(t, closed(ch1))

	l.Flush()
	assert.True(t, closed(ch1))
	assert.True(t, closed(ch2))
	assert.Equal(t, []int64{h2}, durable)

	// Nothing pending, nobody told.
	l.Flush()
	assert.Len(t, durable, 1)
	assert.Len(t, l.Entries(), 2)
}

func TestMemoryCommandLogAsynchronous(t *testing.T) {
	l := NewMemoryCommandLog(false, time.Millisecond)
	durable := make(chan int64, 1)
	l.RegisterDurabilityListener(func(h int64) { durable <- h })

	h := spHandle(3, testPartition)
	assert.Nil(t, l.Log(loggedTask(h), h))
	select {
	case got := <-durable:
		assert.Equal(t, h, got)
	case <-time.After(5 * time.Second):
		t.Fatal("log was never flushed")
	}
	l.Close()
	// A closed log takes nothing.
	assert.Nil(t, l.Log(loggedTask(h+1), h+1))
	assert.Len(t, l.Entries(), 1)
}

func TestDiagnosticsDumpOnce(t *testing.T) {
	d := NewDiagnostics()
	assert.False(t, d.Dumped())
	assert.True(t, d.DumpOnce("test"))
	assert.False(t, d.DumpOnce("again"))
	assert.True(t, d.Dumped())

	var none *Diagnostics
	assert.False(t, none.DumpOnce("nil"))
}
