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
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/dgryski/go-farm"
)

// UndoAction is a side effect of a transaction that is either undone on
// rollback or released on commit.
type UndoAction interface {
	Undo()
	Release()
}

// ExecutionEngine is the storage and execution layer of one site. A site
// calls it from its own goroutine only.
type ExecutionEngine interface {
	// ExecutePlanFragments runs fragments in order and returns one
	// dependency per fragment, tagged with the fragment's OutputDepID.
	// Changes are recorded under undoToken.
	ExecutePlanFragments(fragments []message.Fragment, inputDeps map[int][][]byte,
		txnID, spHandle, undoToken int64, readOnly bool) ([]message.Dependency, error)
	// TruncateUndoLog rolls back or commits everything recorded at or after
	// beginToken, then undoes or releases undoLog. isEmptyMarker is set when
	// the transaction recorded nothing.
	TruncateUndoLog(rollback, isEmptyMarker bool, beginToken, spHandle int64, undoLog []UndoAction)
	Tick(now time.Time)
	DoSnapshotWork() error
}

// EngineError wraps an unexpected failure of the execution engine. Expected
// failures are reported as UserAbortError instead.
type EngineError struct {
	Err error
}

func (e *EngineError) Error() string {
	return "engine error: " + e.Err.Error()
}

// ProcedureFunc is the body of a stored procedure. It returns encoded
// result tables.
type ProcedureFunc func(ctx *ProcedureContext, params []interface{}) ([][]byte, error)

// ProcedureInfo describes a stored procedure in the catalog.
type ProcedureInfo struct {
	Name            string
	SinglePartition bool
	// PartitionParam is the index of the parameter hashed to route the
	// call, or -1.
	PartitionParam int
	ReadOnly       bool
	// EveryPartition procedures run once on every partition.
	EveryPartition bool
	Run            ProcedureFunc
}

// IsSystem reports whether the procedure is a system procedure.
func (p *ProcedureInfo) IsSystem() bool {
	return len(p.Name) > 0 && p.Name[0] == '@'
}

// Catalog is the set of procedures a site was built against.
type Catalog struct {
	Version    int
	CRC        uint64
	Procedures map[string]*ProcedureInfo
}

// NewCatalog builds a catalog and derives its CRC from the procedure
// definitions.
func NewCatalog(version int, procs ...*ProcedureInfo) *Catalog {
	c := &Catalog{Version: version, Procedures: make(map[string]*ProcedureInfo, len(procs))}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		c.Procedures[p.Name] = p
		names = append(names, p.Name)
	}
	sort.Strings(names)
	var buf []byte
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(version))
	buf = append(buf, v[:]...)
	for _, name := range names {
		p := c.Procedures[name]
		buf = append(buf, fmt.Sprintf("%s/%v/%d/%v/%v;", p.Name, p.SinglePartition, p.PartitionParam,
			p.ReadOnly, p.EveryPartition)...)
	}
	c.CRC = farm.Fingerprint64(buf)
	return c
}

func (c *Catalog) Procedure(name string) (*ProcedureInfo, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := c.Procedures[name]
	return p, ok
}

// Matches reports whether c and other describe the same catalog.
func (c *Catalog) Matches(other *Catalog) bool {
	return c != nil && other != nil && c.Version == other.Version && c.CRC == other.CRC
}

// Hashinator maps partitioning values to partitions.
type Hashinator struct {
	version    int64
	partitions int
}

func NewHashinator(version int64, partitions int) *Hashinator {
	return &Hashinator{version: version, partitions: partitions}
}

func (h *Hashinator) Partitions() int {
	return h.partitions
}

// PartitionForKey hashes raw bytes.
func (h *Hashinator) PartitionForKey(key []byte) int {
	return int(farm.Fingerprint64(key) % uint64(h.partitions))
}

// PartitionFor hashes a decoded parameter value.
func (h *Hashinator) PartitionFor(v interface{}) int {
	return h.PartitionForKey([]byte(fmt.Sprint(v)))
}

// Config returns the version and encoded configuration shipped in repair
// log headers.
func (h *Hashinator) Config() (int64, []byte) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(h.partitions))
	return h.version, b[:]
}

// CheckPartition reports whether the partitioning parameter of a call
// hashes to partitionID. Procedures without a partitioning parameter always
// pass.
func (h *Hashinator) CheckPartition(info *ProcedureInfo, params []interface{}, partitionID int) bool {
	if h == nil || info.PartitionParam < 0 || info.EveryPartition {
		return true
	}
	if info.PartitionParam >= len(params) {
		return false
	}
	return h.PartitionFor(params[info.PartitionParam]) == partitionID
}
