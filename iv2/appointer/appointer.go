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

package appointer

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const defaultRetryInterval = 100 * time.Millisecond

// FatalFunc halts the node. The default is log.Fatal.
type FatalFunc func(msg string, fields ...zap.Field)

// Config describes the partitions the appointer is responsible for.
type Config struct {
	// Replicas is the number of replicas each partition must have before
	// its first leader is appointed.
	Replicas map[int]int
	// Preferred names the leader a partition gets at startup when that
	// replica is present.
	Preferred map[int]int64
	// RetryInterval paces retries of failed registry writes.
	RetryInterval time.Duration
	Fatal         FatalFunc
}

// Validate checks the partition layout.
func (c *Config) Validate() error {
	if len(c.Replicas) == 0 {
		return errors.New("no partitions to appoint leaders for")
	}
	for pid, n := range c.Replicas {
		if n <= 0 {
			return errors.Errorf("partition %d expects %d replicas", pid, n)
		}
	}
	for pid := range c.Preferred {
		if _, ok := c.Replicas[pid]; !ok {
			return errors.Errorf("preferred leader for unknown partition %d", pid)
		}
	}
	return nil
}

type partitionState struct {
	id       int
	expected int
	replicas []int64
	leader   int64
	// appointed is false while the partition is still forming.
	appointed bool
}

// LeaderAppointer picks the leader of every partition. At startup it waits
// for each partition to reach its full replica count. Afterwards it
// replaces a leader that left the replica set with the first survivor.
type LeaderAppointer struct {
	registry membership.Registry
	cfg      Config

	mu         sync.Mutex
	partitions map[int]*partitionState
	forming    int
	started    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewLeaderAppointer(registry membership.Registry, cfg Config) (*LeaderAppointer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.Fatal == nil {
		cfg.Fatal = log.Fatal
	}
	a := &LeaderAppointer{
		registry:   registry,
		cfg:        cfg,
		partitions: make(map[int]*partitionState, len(cfg.Replicas)),
		started:    make(chan struct{}),
	}
	for pid, n := range cfg.Replicas {
		a.partitions[pid] = &partitionState{id: pid, expected: n}
	}
	return a, nil
}

// Start adopts the appointments already in the registry and watches the
// replicas of every partition.
func (a *LeaderAppointer) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	children, err := a.registry.Children(a.ctx, membership.LeadersDir)
	if err != nil {
		return errors.WithStack(err)
	}
	existing := membership.Leaders(children)

	a.mu.Lock()
	for pid, st := range a.partitions {
		if hsid, ok := existing[pid]; ok {
			st.leader = hsid
			st.appointed = true
			log.Info("adopting existing leader", zap.Int("partition", pid),
				zap.String("leader", message.HSIDString(hsid)))
			continue
		}
		a.forming++
	}
	if a.forming == 0 {
		close(a.started)
	}
	a.mu.Unlock()

	for _, pid := range a.partitionIDs() {
		pid := pid
		err := a.registry.Watch(a.ctx, membership.ReplicasPath(pid), func(children []membership.Child) {
			a.onReplicas(pid, membership.HSIDs(children))
		})
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (a *LeaderAppointer) partitionIDs() []int {
	pids := make([]int, 0, len(a.partitions))
	for pid := range a.partitions {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// onReplicas runs once per change of a partition's replica set. Calls for
// one partition never overlap.
func (a *LeaderAppointer) onReplicas(pid int, replicas []int64) {
	replicaGauge.WithLabelValues(strconv.Itoa(pid)).Set(float64(len(replicas)))

	a.mu.Lock()
	st := a.partitions[pid]
	// Until every partition has formed, losing any replica is fatal, even
	// in a partition that already has its leader.
	if a.forming > 0 && len(replicas) < len(st.replicas) {
		a.mu.Unlock()
		a.cfg.Fatal("node failure during startup", zap.Int("partition", pid),
			zap.String("before", message.HSIDsString(st.replicas)),
			zap.String("after", message.HSIDsString(replicas)))
		return
	}
	if !st.appointed {
		st.replicas = replicas
		if len(replicas) < st.expected {
			a.mu.Unlock()
			log.Debug("partition still forming", zap.Int("partition", pid),
				zap.Int("replicas", len(replicas)), zap.Int("expected", st.expected))
			return
		}
		leader := replicas[0]
		if preferred, ok := a.cfg.Preferred[pid]; ok && message.ContainsHSID(replicas, preferred) {
			leader = preferred
		}
		st.leader = leader
		st.appointed = true
		a.forming--
		done := a.forming == 0
		a.mu.Unlock()

		a.appoint(pid, leader, "startup")
		if done {
			log.Info("every partition has a leader")
			close(a.started)
		}
		return
	}

	st.replicas = replicas
	if message.ContainsHSID(replicas, st.leader) {
		a.mu.Unlock()
		return
	}
	if len(replicas) == 0 {
		a.mu.Unlock()
		a.cfg.Fatal("cluster unviable: partition lost every replica", zap.Int("partition", pid),
			zap.String("last-leader", message.HSIDString(st.leader)))
		return
	}
	old := st.leader
	st.leader = replicas[0]
	a.mu.Unlock()

	log.Info("leader left the partition, appointing a survivor", zap.Int("partition", pid),
		zap.String("old-leader", message.HSIDString(old)),
		zap.String("new-leader", message.HSIDString(replicas[0])))
	a.appoint(pid, replicas[0], "failover")
}

// appoint writes the appointment, retrying until it sticks or the
// appointer stops.
func (a *LeaderAppointer) appoint(pid int, hsid int64, reason string) {
	for {
		err := membership.AppointLeader(a.ctx, a.registry, pid, hsid)
		if err == nil {
			appointmentCounter.WithLabelValues(reason).Inc()
			log.Info("appointed leader", zap.Int("partition", pid),
				zap.String("leader", message.HSIDString(hsid)), zap.String("reason", reason))
			return
		}
		log.Warn("failed to write appointment", zap.Int("partition", pid), zap.Error(errors.WithStack(err)))
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(a.cfg.RetryInterval):
		}
	}
}

// WaitStartup blocks until every partition got its first leader.
func (a *LeaderAppointer) WaitStartup(ctx context.Context) error {
	select {
	case <-a.started:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

// Leaders returns the current appointments.
func (a *LeaderAppointer) Leaders() map[int]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	leaders := make(map[int]int64, len(a.partitions))
	for pid, st := range a.partitions {
		if st.appointed {
			leaders[pid] = st.leader
		}
	}
	return leaders
}

// Replicas returns the last replica set seen for pid.
func (a *LeaderAppointer) Replicas(pid int) []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.partitions[pid]
	if !ok {
		return nil
	}
	return append([]int64(nil), st.replicas...)
}

func (a *LeaderAppointer) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
}
