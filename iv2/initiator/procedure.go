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
	"fmt"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ProcedureContext is what a running procedure sees of its transaction.
type ProcedureContext struct {
	site  *Site
	state *TransactionState
	hash  *DeterminismHash
}

func (c *ProcedureContext) TxnID() int64 { return c.state.txnID }

func (c *ProcedureContext) SpHandle() int64 { return c.state.spHandle }

func (c *ProcedureContext) UniqueID() int64 { return c.state.uniqueID }

func (c *ProcedureContext) PartitionID() int { return c.site.partitionID }

func (c *ProcedureContext) ReadOnly() bool { return c.state.readOnly }

// Partitions returns the partitions a multi-partition procedure can reach.
func (c *ProcedureContext) Partitions() []int {
	if c.state.mp == nil {
		return []int{c.site.partitionID}
	}
	return c.state.mp.Partitions()
}

// PartitionFor returns the partition a partitioning value hashes to.
func (c *ProcedureContext) PartitionFor(v interface{}) int {
	return c.site.hashinator.PartitionFor(v)
}

// ExecuteLocal runs fragments on the site's own engine.
func (c *ProcedureContext) ExecuteLocal(fragments ...message.Fragment) ([]message.Dependency, error) {
	if c.state.mp != nil {
		return nil, errors.New("multi-partition procedures run fragments through ExecuteDistributed")
	}
	for _, f := range fragments {
		c.hash.Offer(farm.Fingerprint64([]byte(f.PlanName)), f.Params)
	}
	deps, err := c.site.engine.ExecutePlanFragments(fragments, nil, c.state.txnID, c.state.spHandle,
		c.site.undoTokenFor(c.state), c.state.readOnly)
	if err != nil {
		if IsUserAbort(err) {
			return nil, err
		}
		if _, ok := errors.Cause(err).(*EngineError); ok {
			return nil, err
		}
		return nil, &EngineError{Err: err}
	}
	return deps, nil
}

// ExecuteDistributed sends fragments to partitions and returns their
// dependencies by partition. final marks the last batch.
func (c *ProcedureContext) ExecuteDistributed(work map[int][]message.Fragment, inputDeps map[int][][]byte,
	final bool) (map[int][]message.Dependency, error) {
	if c.state.mp == nil {
		return nil, errors.New("single-partition procedures cannot distribute work")
	}
	return c.state.mp.ExecuteFragments(c.state, work, inputDeps, final)
}

// ExecuteEverywhere sends the same fragments to every partition.
func (c *ProcedureContext) ExecuteEverywhere(fragments []message.Fragment, final bool) (map[int][]message.Dependency, error) {
	work := make(map[int][]message.Fragment)
	for _, pid := range c.Partitions() {
		work[pid] = fragments
	}
	return c.ExecuteDistributed(work, nil, final)
}

// ExecuteReplicatedRead reads replicated data on the coordinator's local site.
func (c *ProcedureContext) ExecuteReplicatedRead(fragments ...message.Fragment) ([]message.Dependency, error) {
	if c.state.mp == nil {
		return c.ExecuteLocal(fragments...)
	}
	return c.state.mp.Borrow(c.state, fragments, nil)
}

// AddUndoAction registers a side effect undone on rollback.
func (c *ProcedureContext) AddUndoAction(a UndoAction) {
	c.state.undoLog = append(c.state.undoLog, a)
}

// ProcedureRunner runs one procedure of the loaded catalog.
type ProcedureRunner struct {
	info           *ProcedureInfo
	catalogVersion int
	invocations    atomic.Int64
	failures       atomic.Int64
}

func newProcedureRunner(info *ProcedureInfo, catalogVersion int) *ProcedureRunner {
	return &ProcedureRunner{info: info, catalogVersion: catalogVersion}
}

func (r *ProcedureRunner) Info() *ProcedureInfo { return r.info }

func (r *ProcedureRunner) Invocations() int64 { return r.invocations.Load() }

// call runs one invocation. checkPartition is set for single-partition
// work, which must hash to the running partition.
func (r *ProcedureRunner) call(ctx *ProcedureContext, inv message.Invocation, checkPartition bool) *message.ClientResponse {
	r.invocations.Inc()
	params, err := message.DecodeParams(inv.Params)
	if err != nil {
		r.failures.Inc()
		return message.NewClientResponse(message.StatusGracefulFailure,
			fmt.Sprintf("failed to decode parameters of %s: %v", inv.ProcName, err), nil)
	}
	if checkPartition && !ctx.site.hashinator.CheckPartition(r.info, params, ctx.site.partitionID) {
		r.failures.Inc()
		return message.NewClientResponse(message.StatusMispartitioned,
			fmt.Sprintf("%s is not partitioned to partition %d", inv.ProcName, ctx.site.partitionID), nil)
	}
	results, err := r.info.Run(ctx, params)
	if err == nil {
		return message.NewClientResponse(message.StatusSuccess, "", results)
	}
	r.failures.Inc()
	if IsRestart(err) {
		return message.NewClientResponse(message.StatusTxnRestart, err.Error(), nil)
	}
	if ee, ok := errors.Cause(err).(*EngineError); ok {
		if ctx.state.mp == nil {
			crashLocal("unexpected engine failure in single-partition procedure",
				zap.String("proc", inv.ProcName), zap.String("txn", txnego.TxnIDString(ctx.state.txnID)),
				zap.Error(ee))
		}
		return message.NewClientResponse(message.StatusUnexpectedFailure, ee.Error(), nil)
	}
	return message.NewClientResponse(message.StatusGracefulFailure, err.Error(), nil)
}
