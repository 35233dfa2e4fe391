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
	"sort"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// replicaSetListener receives membership changes. InitiatorMailbox is one.
type replicaSetListener interface {
	UpdateReplicas(replicas []int64, partitionMasters map[int]int64, balanceSPI bool)
}

func equalHSIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SpTerm is the tenure of a partition leader. It follows the partition's
// live replicas and hands every change to the mailbox.
type SpTerm struct {
	partitionID int
	hsid        int64
	registry    membership.Registry
	listener    replicaSetListener

	mu       sync.Mutex
	replicas []int64
	started  bool
	cancel   context.CancelFunc
}

// NewSpTerm starts from the replica set the promotion repaired. Only sets
// that differ from it reach the listener.
func NewSpTerm(registry membership.Registry, partitionID int, hsid int64, listener replicaSetListener,
	replicas []int64) *SpTerm {
	return &SpTerm{
		partitionID: partitionID,
		hsid:        hsid,
		registry:    registry,
		listener:    listener,
		replicas:    message.SortHSIDs(append([]int64(nil), replicas...)),
	}
}

func (t *SpTerm) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()
	err := t.registry.Watch(ctx, membership.ReplicasPath(t.partitionID), t.onReplicas)
	return errors.Trace(err)
}

func (t *SpTerm) onReplicas(children []membership.Child) {
	replicas := membership.HSIDs(children)
	t.mu.Lock()
	defer t.mu.Unlock()
	if equalHSIDs(replicas, t.replicas) {
		return
	}
	log.Info("partition replicas changed", zap.Int("partition", t.partitionID),
		zap.String("leader", message.HSIDString(t.hsid)),
		zap.String("old", message.HSIDsString(t.replicas)),
		zap.String("new", message.HSIDsString(replicas)))
	t.replicas = replicas
	t.listener.UpdateReplicas(replicas, nil, false)
}

// Replicas returns the last replica set seen.
func (t *SpTerm) Replicas() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int64(nil), t.replicas...)
}

func (t *SpTerm) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}

// MpTerm is the tenure of the multi-partition coordinator. It follows the
// published partition masters and the repair trigger.
type MpTerm struct {
	registry membership.Registry
	listener replicaSetListener

	mu      sync.Mutex
	masters map[int]int64
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewMpTerm starts from the masters the coordinator's promotion repaired.
func NewMpTerm(registry membership.Registry, listener replicaSetListener, masters map[int]int64) *MpTerm {
	return &MpTerm{registry: registry, listener: listener, masters: copyMasters(masters)}
}

func (t *MpTerm) Start(ctx context.Context) error {
	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(ctx)
	ctx = t.ctx
	t.mu.Unlock()
	if err := t.registry.Watch(ctx, membership.MastersDir, t.onMasters); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(t.registry.Watch(ctx, membership.TriggerDir, t.onTrigger))
}

func masterHSIDs(masters map[int]int64) []int64 {
	hsids := make([]int64, 0, len(masters))
	for _, hsid := range masters {
		hsids = append(hsids, hsid)
	}
	return message.SortHSIDs(hsids)
}

func (t *MpTerm) onMasters(children []membership.Child) {
	masters := membership.Leaders(children)
	delete(masters, txnego.MPInitPID)

	t.mu.Lock()
	defer t.mu.Unlock()
	var changed []int
	for pid, hsid := range masters {
		if old, ok := t.masters[pid]; !ok || old != hsid {
			changed = append(changed, pid)
		}
	}
	for pid := range t.masters {
		if _, ok := masters[pid]; !ok {
			changed = append(changed, pid)
		}
	}
	if len(changed) == 0 {
		return
	}
	sort.Ints(changed)
	balanceSPI := t.isMigrationLocked(changed, masters)
	log.Info("partition masters changed", zap.Ints("partitions", changed), zap.Bool("balance-spi", balanceSPI),
		zap.String("masters", message.HSIDsString(masterHSIDs(masters))))
	t.masters = masters
	t.listener.UpdateReplicas(masterHSIDs(masters), copyMasters(masters), balanceSPI)
}

// isMigrationLocked reports whether every changed partition still has its
// previous master alive, which means leadership moved on purpose.
func (t *MpTerm) isMigrationLocked(changed []int, masters map[int]int64) bool {
	for _, pid := range changed {
		old, hadOld := t.masters[pid]
		_, hasNew := masters[pid]
		if !hadOld || !hasNew {
			return false
		}
		children, err := t.registry.Children(t.ctx, membership.ReplicasPath(pid))
		if err != nil {
			log.Warn("failed to read replicas, assuming a failure", zap.Int("partition", pid), zap.Error(err))
			return false
		}
		if !message.ContainsHSID(membership.HSIDs(children), old) {
			return false
		}
	}
	return true
}

// onTrigger forces a restart repair of the MP work and removes the trigger.
func (t *MpTerm) onTrigger(children []membership.Child) {
	if len(children) == 0 {
		return
	}
	t.mu.Lock()
	masters := copyMasters(t.masters)
	ctx := t.ctx
	log.Info("mp repair triggered", zap.Int("triggers", len(children)),
		zap.String("masters", message.HSIDsString(masterHSIDs(masters))))
	t.listener.UpdateReplicas(masterHSIDs(masters), masters, false)
	t.mu.Unlock()
	for _, c := range children {
		if err := t.registry.Delete(ctx, membership.TriggerKey(c.Name)); err != nil {
			log.Warn("failed to remove repair trigger", zap.String("trigger", c.Name), zap.Error(err))
		}
	}
}

// Masters returns the masters the coordinator currently sends to.
func (t *MpTerm) Masters() map[int]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyMasters(t.masters)
}

func (t *MpTerm) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
}
