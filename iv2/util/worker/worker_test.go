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

package worker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordHandler struct {
	started bool
	got     []int
	self    *Worker
}

func (h *recordHandler) Start() {
	h.started = true
}

func (h *recordHandler) Handle(t Task) {
	v := t.(int)
	h.got = append(h.got, v)
	// Re-entrant sends must not block.
	if v < 0 {
		h.self.Send(-v)
	}
}

func TestWorkerOrderAndStop(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("test", wg)
	h := &recordHandler{self: w}
	for i := 0; i < 300; i++ {
		require.True(t, w.Send(i))
	}
	w.Start(h)
	w.Stop()
	wg.Wait()

	require.True(t, h.started)
	require.Len(t, h.got, 300)
	for i, v := range h.got {
		require.Equal(t, i, v)
	}
	require.False(t, w.Send(1))
}

func TestWorkerSelfSend(t *testing.T) {
	wg := new(sync.WaitGroup)
	w := NewWorker("self", wg)
	h := &recordHandler{self: w}
	w.Send(-7)
	w.Send(1)
	w.Send(2)
	w.Start(h)
	w.Stop()
	wg.Wait()
	// 7 is sent by the handler after -7, so it lands behind the earlier sends.
	require.Equal(t, []int{-7, 1, 2}, h.got[:3])
}
