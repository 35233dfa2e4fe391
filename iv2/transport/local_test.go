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

package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) Deliver(msg message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
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

func TestSendPreservesOrder(t *testing.T) {
	l := NewLocal()
	defer l.Close()
	dest := message.MakeHSID(0, 1)
	c := &collector{}
	require.NoError(t, l.Register(dest, c))
	require.Error(t, l.Register(dest, c))

	for i := 0; i < 100; i++ {
		l.Send(dest, &message.DumpRequest{Reason: string(rune('a' + i%26))})
	}
	waitFor(t, func() bool { return c.len() == 100 })
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, msg := range c.msgs {
		assert.Equal(t, string(rune('a'+i%26)), msg.(*message.DumpRequest).Reason)
	}
}

func TestKillHostDropsSends(t *testing.T) {
	l := NewLocal()
	defer l.Close()
	alive, dead := message.MakeHSID(0, 0), message.MakeHSID(1, 0)
	ca, cd := &collector{}, &collector{}
	require.NoError(t, l.Register(alive, ca))
	require.NoError(t, l.Register(dead, cd))

	l.KillHost(1)
	assert.True(t, l.IsHostDown(1))
	assert.False(t, l.Registered(dead))
	require.Error(t, l.Register(message.MakeHSID(1, 5), cd))

	l.SendMulti([]int64{dead, alive}, &message.DumpRequest{})
	waitFor(t, func() bool { return ca.len() == 1 })
	assert.Equal(t, 0, cd.len())
}
