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
	"sync"
	"testing"

	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replicaUpdate struct {
	replicas   []int64
	masters    map[int]int64
	balanceSPI bool
}

type recordingListener struct {
	mu      sync.Mutex
	updates []replicaUpdate
}

func (l *recordingListener) UpdateReplicas(replicas []int64, masters map[int]int64, balanceSPI bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates = append(l.updates, replicaUpdate{replicas: replicas, masters: masters, balanceSPI: balanceSPI})
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.updates)
}

func (l *recordingListener) last() replicaUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.updates[len(l.updates)-1]
}

func TestSpTermFollowsReplicas(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := membership.NewStore()
	leader, other := store.NewSession(), store.NewSession()
	require.NoError(t, membership.RegisterReplica(ctx, leader, testPartition, replica1))
	require.NoError(t, membership.RegisterReplica(ctx, other, testPartition, replica2))

	l := &recordingListener{}
	term := NewSpTerm(leader, testPartition, replica1, l, []int64{replica2, replica1})
	require.NoError(t, term.Start(ctx))
	defer term.Shutdown()

	// The first snapshot matches the seed.
	assert.Equal(t, []int64{replica1, replica2}, term.Replicas())
	assert.Equal(t, 0, l.count())

	require.NoError(t, other.Close())
	waitFor(t, func() bool { return l.count() == 1 })
	assert.Equal(t, []int64{replica1}, l.last().replicas)
	assert.Nil(t, l.last().masters)
	assert.Equal(t, []int64{replica1}, term.Replicas())
}

func TestMpTermFollowsMasters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := membership.NewStore()
	s := store.NewSession()
	require.NoError(t, membership.PublishMaster(ctx, s, 0, master1))
	require.NoError(t, membership.PublishMaster(ctx, s, 1, master2))
	require.NoError(t, membership.PublishMaster(ctx, s, txnego.MPInitPID, mpiHSID))

	l := &recordingListener{}
	term := NewMpTerm(s, l, map[int]int64{0: master1, 1: master2})
	require.NoError(t, term.Start(ctx))
	defer term.Shutdown()
	assert.Equal(t, 0, l.count())

	// Master 2 died, partition 1 failed over to replica 3.
	require.NoError(t, membership.PublishMaster(ctx, s, 1, replica3))
	waitFor(t, func() bool { return l.count() == 1 })
	update := l.last()
	assert.Equal(t, map[int]int64{0: master1, 1: replica3}, update.masters)
	assert.Equal(t, []int64{master1, replica3}, update.replicas)
	assert.False(t, update.balanceSPI)

	// The old master of partition 0 is still a live replica: a migration.
	require.NoError(t, membership.RegisterReplica(ctx, s, 0, master1))
	require.NoError(t, membership.PublishMaster(ctx, s, 0, replica1))
	waitFor(t, func() bool { return l.count() == 2 })
	assert.True(t, l.last().balanceSPI)
	assert.Equal(t, map[int]int64{0: replica1, 1: replica3}, term.Masters())
}

func TestMpTermTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := membership.NewStore().NewSession()
	require.NoError(t, membership.PublishMaster(ctx, s, 0, master1))

	l := &recordingListener{}
	term := NewMpTerm(s, l, map[int]int64{0: master1})
	require.NoError(t, term.Start(ctx))
	defer term.Shutdown()

	require.NoError(t, s.PutEphemeral(ctx, membership.TriggerKey("repair"), ""))
	waitFor(t, func() bool { return l.count() == 1 })
	assert.Equal(t, map[int]int64{0: master1}, l.last().masters)
	assert.False(t, l.last().balanceSPI)
	waitFor(t, func() bool {
		children, err := s.Children(ctx, membership.TriggerDir)
		return err == nil && len(children) == 0
	})
}
