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
	"sort"

	"github.com/VoltDB/voltdb-sub041/iv2/initiator"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/errors"
)

// Procedures of the demo catalog.
const (
	ProcPut          = "Put"
	ProcInsert       = "Insert"
	ProcGet          = "Get"
	ProcDelete       = "Delete"
	ProcPutThenAbort = "PutThenAbort"
	ProcMultiPut     = "MultiPut"
	ProcCountAll     = "CountAll"
	ProcStatistics   = "@Statistics"
)

const catalogVersion = 1

func fragment(plan string, params ...interface{}) message.Fragment {
	return message.Fragment{PlanName: plan, Params: message.MustEncodeParams(params...), OutputDepID: 1}
}

func singleTable(deps []message.Dependency) [][]byte {
	results := make([][]byte, 0, len(deps))
	for _, d := range deps {
		results = append(results, d.Table)
	}
	return results
}

func runLocal(plan string, nparams int) initiator.ProcedureFunc {
	return func(ctx *initiator.ProcedureContext, params []interface{}) ([][]byte, error) {
		if len(params) != nparams {
			return nil, errors.Errorf("%s takes %d parameters, got %d", plan, nparams, len(params))
		}
		deps, err := ctx.ExecuteLocal(fragment(plan, params...))
		if err != nil {
			return nil, err
		}
		return singleTable(deps), nil
	}
}

func putThenAbort(ctx *initiator.ProcedureContext, params []interface{}) ([][]byte, error) {
	if _, err := ctx.ExecuteLocal(fragment(PlanPut, params...)); err != nil {
		return nil, err
	}
	return nil, initiator.NewUserAbort("aborted after writing %v", params[0])
}

// multiPut writes key/value pairs spread over any number of partitions in
// one transaction.
func multiPut(ctx *initiator.ProcedureContext, params []interface{}) ([][]byte, error) {
	if len(params) == 0 || len(params)%2 != 0 {
		return nil, initiator.NewUserAbort("%s takes key/value pairs", ProcMultiPut)
	}
	work := make(map[int][]message.Fragment)
	for i := 0; i < len(params); i += 2 {
		pid := ctx.PartitionFor(params[i])
		f := fragment(PlanPut, params[i], params[i+1])
		f.OutputDepID = len(work[pid]) + 1
		work[pid] = append(work[pid], f)
	}
	deps, err := ctx.ExecuteDistributed(work, nil, true)
	if err != nil {
		return nil, err
	}
	written := 0
	for _, ds := range deps {
		for _, d := range ds {
			var n int
			if err := DecodeTable(d.Table, &n); err != nil {
				return nil, &initiator.EngineError{Err: err}
			}
			written += n
		}
	}
	return [][]byte{encodeTable(written)}, nil
}

func countAll(ctx *initiator.ProcedureContext, params []interface{}) ([][]byte, error) {
	deps, err := ctx.ExecuteEverywhere([]message.Fragment{fragment(PlanCount)}, true)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, ds := range deps {
		for _, d := range ds {
			var n int
			if err := DecodeTable(d.Table, &n); err != nil {
				return nil, &initiator.EngineError{Err: err}
			}
			total += n
		}
	}
	return [][]byte{encodeTable(total)}, nil
}

// PartitionStats is one row of @Statistics.
type PartitionStats struct {
	Partition int `json:"partition"`
	Rows      int `json:"rows"`
}

func statistics(ctx *initiator.ProcedureContext, params []interface{}) ([][]byte, error) {
	deps, err := ctx.ExecuteLocal(fragment(PlanCount))
	if err != nil {
		return nil, err
	}
	var n int
	if err := DecodeTable(deps[0].Table, &n); err != nil {
		return nil, &initiator.EngineError{Err: err}
	}
	return [][]byte{encodeTable(PartitionStats{Partition: ctx.PartitionID(), Rows: n})}, nil
}

// DemoCatalog is the catalog every node of the demo cluster loads.
func DemoCatalog() *initiator.Catalog {
	return initiator.NewCatalog(catalogVersion,
		&initiator.ProcedureInfo{Name: ProcPut, SinglePartition: true, PartitionParam: 0, Run: runLocal(PlanPut, 2)},
		&initiator.ProcedureInfo{Name: ProcInsert, SinglePartition: true, PartitionParam: 0, Run: runLocal(PlanInsert, 2)},
		&initiator.ProcedureInfo{Name: ProcGet, SinglePartition: true, PartitionParam: 0, ReadOnly: true, Run: runLocal(PlanGet, 1)},
		&initiator.ProcedureInfo{Name: ProcDelete, SinglePartition: true, PartitionParam: 0, Run: runLocal(PlanDelete, 1)},
		&initiator.ProcedureInfo{Name: ProcPutThenAbort, SinglePartition: true, PartitionParam: 0, Run: putThenAbort},
		&initiator.ProcedureInfo{Name: ProcMultiPut, PartitionParam: -1, Run: multiPut},
		&initiator.ProcedureInfo{Name: ProcCountAll, PartitionParam: -1, ReadOnly: true, Run: countAll},
		&initiator.ProcedureInfo{Name: ProcStatistics, PartitionParam: -1, ReadOnly: true, EveryPartition: true, Run: statistics},
	)
}

// DecodeStatistics merges the per-partition rows of an @Statistics
// response, sorted by partition.
func DecodeStatistics(results [][]byte) ([]PartitionStats, error) {
	stats := make([]PartitionStats, 0, len(results))
	for _, r := range results {
		var s PartitionStats
		if err := DecodeTable(r, &s); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Partition < stats[j].Partition })
	return stats, nil
}
