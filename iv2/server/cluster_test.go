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

package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/config"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testCluster struct {
	*Cluster
	t *testing.T

	mu     sync.Mutex
	fatals []string
}

func newTestCluster(t *testing.T) *testCluster {
	tc := &testCluster{t: t}
	c, err := NewCluster(config.NewTestConfig(), WithFatal(func(msg string, _ ...zap.Field) {
		tc.mu.Lock()
		tc.fatals = append(tc.fatals, msg)
		tc.mu.Unlock()
	}))
	require.NoError(t, err)
	tc.Cluster = c
	require.NoError(t, c.Start(context.Background()))
	tc.waitReady()
	return tc
}

func (tc *testCluster) waitReady() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(tc.t, tc.WaitReady(ctx))
}

func (tc *testCluster) call(proc string, params ...interface{}) *message.ClientResponse {
	client, err := tc.Client()
	require.NoError(tc.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.Call(ctx, proc, params...)
	require.NoError(tc.t, err)
	return resp
}

func (tc *testCluster) mustSucceed(proc string, params ...interface{}) [][]byte {
	resp := tc.call(proc, params...)
	require.Equal(tc.t, message.StatusSuccess, resp.Status, resp.StatusString)
	return resp.Results
}

func (tc *testCluster) get(key string) []string {
	results := tc.mustSucceed(ProcGet, key)
	require.Len(tc.t, results, 1)
	var values []string
	require.NoError(tc.t, DecodeTable(results[0], &values))
	return values
}

func decodeInt(t *testing.T, results [][]byte) int {
	require.Len(t, results, 1)
	var n int
	require.NoError(t, DecodeTable(results[0], &n))
	return n
}

func TestClusterSinglePartition(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()

	tc.mustSucceed(ProcPut, "alpha", "1")
	assert.Equal(t, []string{"1"}, tc.get("alpha"))

	// Every replica applied the write before the client saw the response.
	pid := tc.Hashinator().PartitionFor("alpha")
	for _, h := range tc.Hosts() {
		e, ok := h.Engine(pid)
		require.True(t, ok)
		v, ok := e.Get("alpha")
		assert.True(t, ok)
		assert.Equal(t, "1", v)
	}

	tc.mustSucceed(ProcDelete, "alpha")
	assert.Empty(t, tc.get("alpha"))
}

func TestClusterAbortsRollBack(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()

	tc.mustSucceed(ProcInsert, "k", "v1")
	resp := tc.call(ProcInsert, "k", "v2")
	assert.Equal(t, message.StatusGracefulFailure, resp.Status)
	assert.Equal(t, []string{"v1"}, tc.get("k"))

	resp = tc.call(ProcPutThenAbort, "k", "v3")
	assert.Equal(t, message.StatusGracefulFailure, resp.Status)
	assert.Equal(t, []string{"v1"}, tc.get("k"))

	client, err := tc.Client()
	require.NoError(t, err)
	_, err = client.Call(context.Background(), ProcGet)
	assert.Error(t, err)
}

func TestClusterMultiPartition(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()

	var params []interface{}
	for i := 0; i < 10; i++ {
		params = append(params, fmt.Sprintf("key-%d", i), i)
	}
	assert.Equal(t, 10, decodeInt(t, tc.mustSucceed(ProcMultiPut, params...)))
	assert.Equal(t, 10, decodeInt(t, tc.mustSucceed(ProcCountAll)))
	assert.Equal(t, []string{"3"}, tc.get("key-3"))

	stats, err := DecodeStatistics(tc.mustSucceed(ProcStatistics))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	total := 0
	for i, s := range stats {
		assert.Equal(t, i, s.Partition)
		total += s.Rows
	}
	assert.Equal(t, 10, total)

	client, err := tc.Client()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := client.CallNPartition(ctx, []int{0}, ProcCountAll)
	require.NoError(t, err)
	require.Equal(t, message.StatusSuccess, resp.Status, resp.StatusString)
	assert.Equal(t, stats[0].Rows, decodeInt(t, resp.Results))

	_, err = client.CallNPartition(ctx, []int{0}, ProcGet, "key-3")
	assert.Error(t, err)
	_, err = client.Call(ctx, "NoSuchProc")
	assert.Equal(t, ErrUnknownProcedure, errors.Cause(err))
}

func TestClusterLeadersStartOnFirstReplicas(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()

	infos, err := tc.Partitions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, message.HSIDString(message.MakeHSID(0, 0)), infos[0].Leader)
	assert.Equal(t, message.HSIDString(message.MakeHSID(0, 1)), infos[1].Leader)
	assert.Equal(t, txnego.MPInitPID, infos[2].Partition)
	assert.Equal(t, message.HSIDString(message.MakeHSID(0, 2)), infos[2].Leader)
	for _, info := range infos {
		assert.Equal(t, info.Leader, info.Master)
		assert.Len(t, info.Replicas, 2)
	}

	stats := tc.QueueStats()
	require.Len(t, stats, 6)
	leaders := 0
	for _, s := range stats {
		if s.Leader {
			leaders++
		}
		if s.Partition == txnego.MPInitPID {
			assert.NotNil(t, s.MpQueue)
		}
	}
	assert.Equal(t, 3, leaders)
}

func TestClusterSurvivesHostFailure(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()

	tc.mustSucceed(ProcPut, "before", "1")
	tc.mustSucceed(ProcMultiPut, "m1", "a", "m2", "b")

	require.NoError(t, tc.KillHost(0))
	require.Error(t, tc.KillHost(0))
	tc.waitReady()

	assert.Equal(t, []string{"1"}, tc.get("before"))
	tc.mustSucceed(ProcPut, "after", "2")
	assert.Equal(t, []string{"2"}, tc.get("after"))
	assert.Equal(t, 4, decodeInt(t, tc.mustSucceed(ProcCountAll)))

	infos, err := tc.Partitions(context.Background())
	require.NoError(t, err)
	for _, info := range infos {
		assert.Len(t, info.Replicas, 1)
		hsid, err := message.ParseHSID(info.Master)
		require.NoError(t, err)
		assert.Equal(t, 1, message.HostID(hsid))
	}

	tc.mu.Lock()
	assert.Empty(t, tc.fatals)
	tc.mu.Unlock()
}

func TestClusterForcedMPIRepair(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()

	tc.mustSucceed(ProcMultiPut, "x", "1", "y", "2")
	require.NoError(t, tc.TriggerMPIRepair(context.Background()))
	tc.mustSucceed(ProcMultiPut, "x", "3", "z", "4")
	assert.Equal(t, 3, decodeInt(t, tc.mustSucceed(ProcCountAll)))
	assert.Equal(t, []string{"3"}, tc.get("x"))
}
