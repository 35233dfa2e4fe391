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

// Package membership is the change-notified view of which replicas and
// leaders are alive. Initiators only rely on "children of a watched path"
// semantics with at-least-once, order-preserving notifications.
package membership

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	ReplicasDir = "replicas"
	// LeadersDir holds appointments. A leader is appointed before it has
	// repaired its replicas.
	LeadersDir = "leaders"
	// MastersDir holds the leaders that finished their promotion.
	MastersDir = "masters"
	// TriggerDir holds the ephemeral node that forces an MPI repair.
	TriggerDir = "mpi-trigger"
)

// Child is one direct child of a watched directory.
type Child struct {
	Name  string
	Value string
}

// Registry is a session against the membership service. Ephemeral keys
// disappear when the session is closed or lost.
type Registry interface {
	Put(ctx context.Context, key, value string) error
	PutEphemeral(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	// Children returns the direct children of dir sorted by name.
	Children(ctx context.Context, dir string) ([]Child, error)
	// Watch calls fn with the children of dir once now and again after
	// every change, one call at a time, until ctx is done.
	Watch(ctx context.Context, dir string, fn func([]Child)) error
	Close() error
}

// ReplicasPath is the directory of a partition's live replicas.
func ReplicasPath(partitionID int) string {
	return path.Join(ReplicasDir, strconv.Itoa(partitionID))
}

// ReplicaKey is the node a replica registers for itself.
func ReplicaKey(partitionID int, hsid int64) string {
	return path.Join(ReplicasPath(partitionID), message.HSIDString(hsid))
}

// LeaderKey holds the appointed leader of a partition.
func LeaderKey(partitionID int) string {
	return path.Join(LeadersDir, strconv.Itoa(partitionID))
}

// MasterKey is published by a leader once its promotion completed.
func MasterKey(partitionID int) string {
	return path.Join(MastersDir, strconv.Itoa(partitionID))
}

// TriggerKey is the node that forces an MPI repair when it appears.
func TriggerKey(name string) string {
	return path.Join(TriggerDir, name)
}

func childKey(dir, name string) string {
	return path.Join(dir, name)
}

func parentDir(key string) string {
	return path.Dir(key)
}

func sortChildren(children []Child) []Child {
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children
}

// HSIDs parses children whose names are hsids and returns them in ascending
// order. Malformed names are skipped.
func HSIDs(children []Child) []int64 {
	hsids := make([]int64, 0, len(children))
	for _, c := range children {
		hsid, err := message.ParseHSID(c.Name)
		if err != nil {
			log.Warn("skip malformed replica node", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		hsids = append(hsids, hsid)
	}
	return message.SortHSIDs(hsids)
}

// Leaders parses the children of LeadersDir or MastersDir into partition id -> leader hsid.
func Leaders(children []Child) map[int]int64 {
	leaders := make(map[int]int64, len(children))
	for _, c := range children {
		pid, err := strconv.Atoi(c.Name)
		if err != nil {
			continue
		}
		hsid, err := message.ParseHSID(strings.TrimSpace(c.Value))
		if err != nil {
			log.Warn("skip malformed leader node", zap.String("name", c.Name), zap.Error(err))
			continue
		}
		leaders[pid] = hsid
	}
	return leaders
}

// RegisterReplica publishes hsid as a live replica of partitionID.
func RegisterReplica(ctx context.Context, r Registry, partitionID int, hsid int64) error {
	return r.PutEphemeral(ctx, ReplicaKey(partitionID, hsid), message.HSIDString(hsid))
}

// AppointLeader records hsid as the leader of partitionID.
func AppointLeader(ctx context.Context, r Registry, partitionID int, hsid int64) error {
	return r.Put(ctx, LeaderKey(partitionID), message.HSIDString(hsid))
}

// PublishMaster announces that hsid completed its promotion for partitionID.
func PublishMaster(ctx context.Context, r Registry, partitionID int, hsid int64) error {
	return r.Put(ctx, MasterKey(partitionID), message.HSIDString(hsid))
}
