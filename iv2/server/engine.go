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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/initiator"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Plan fragments the memory engine understands.
const (
	PlanPut    = "put"
	PlanInsert = "insert"
	PlanGet    = "get"
	PlanDelete = "delete"
	PlanCount  = "count"
	PlanScan   = "scan"
)

const btreeDegree = 32

type row struct {
	key   string
	value string
}

func (r *row) Less(than btree.Item) bool {
	return r.key < than.(*row).key
}

type undoEntry struct {
	token   int64
	key     string
	prev    string
	existed bool
}

// MemoryEngine is an ordered key-value table with an undo log. It runs the
// plan fragments of the demo procedures.
type MemoryEngine struct {
	name string

	mu    sync.RWMutex
	rows  *btree.BTree
	undo  []undoEntry
	ticks atomic.Int64
}

func NewMemoryEngine(name string) *MemoryEngine {
	return &MemoryEngine{name: name, rows: btree.New(btreeDegree)}
}

func encodeTable(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatal("encode table", zap.Error(err))
	}
	return b
}

// DecodeTable decodes a table produced by the engine or a demo procedure.
func DecodeTable(b []byte, v interface{}) error {
	return errors.Trace(json.Unmarshal(b, v))
}

func stringParam(params []interface{}, i int) (string, error) {
	if i >= len(params) {
		return "", errors.Errorf("missing parameter %d", i)
	}
	return fmt.Sprint(params[i]), nil
}

func (e *MemoryEngine) ExecutePlanFragments(fragments []message.Fragment, inputDeps map[int][][]byte,
	txnID, spHandle, undoToken int64, readOnly bool) ([]message.Dependency, error) {
	deps := make([]message.Dependency, 0, len(fragments))
	for _, f := range fragments {
		table, err := e.execute(f, undoToken, readOnly)
		if err != nil {
			return nil, err
		}
		deps = append(deps, message.Dependency{ID: f.OutputDepID, Table: table})
	}
	return deps, nil
}

func (e *MemoryEngine) execute(f message.Fragment, undoToken int64, readOnly bool) ([]byte, error) {
	params, err := message.DecodeParams(f.Params)
	if err != nil {
		return nil, err
	}
	switch f.PlanName {
	case PlanGet:
		key, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		e.mu.RLock()
		defer e.mu.RUnlock()
		if item := e.rows.Get(&row{key: key}); item != nil {
			return encodeTable([]string{item.(*row).value}), nil
		}
		return encodeTable([]string{}), nil
	case PlanCount:
		e.mu.RLock()
		defer e.mu.RUnlock()
		return encodeTable(e.rows.Len()), nil
	case PlanScan:
		prefix, err := stringParam(params, 0)
		if err != nil {
			return nil, err
		}
		var keys []string
		e.mu.RLock()
		e.rows.AscendGreaterOrEqual(&row{key: prefix}, func(i btree.Item) bool {
			r := i.(*row)
			if !strings.HasPrefix(r.key, prefix) {
				return false
			}
			keys = append(keys, r.key)
			return true
		})
		e.mu.RUnlock()
		return encodeTable(keys), nil
	}

	if readOnly {
		return nil, &initiator.EngineError{Err: errors.Errorf("plan %s writes in a read-only transaction", f.PlanName)}
	}
	key, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch f.PlanName {
	case PlanPut, PlanInsert:
		value, err := stringParam(params, 1)
		if err != nil {
			return nil, err
		}
		old := e.rows.Get(&row{key: key})
		if old != nil && f.PlanName == PlanInsert {
			return nil, initiator.NewUserAbort("key %q already exists", key)
		}
		e.recordLocked(undoToken, key, old)
		e.rows.ReplaceOrInsert(&row{key: key, value: value})
		return encodeTable(1), nil
	case PlanDelete:
		old := e.rows.Delete(&row{key: key})
		if old == nil {
			return encodeTable(0), nil
		}
		e.recordLocked(undoToken, key, old)
		return encodeTable(1), nil
	}
	return nil, &initiator.EngineError{Err: errors.Errorf("unknown plan %s", f.PlanName)}
}

func (e *MemoryEngine) recordLocked(token int64, key string, old btree.Item) {
	entry := undoEntry{token: token, key: key}
	if old != nil {
		entry.existed = true
		entry.prev = old.(*row).value
	}
	e.undo = append(e.undo, entry)
}

func (e *MemoryEngine) TruncateUndoLog(rollback, isEmptyMarker bool, beginToken, spHandle int64,
	undoLog []initiator.UndoAction) {
	if !isEmptyMarker {
		e.mu.Lock()
		i := len(e.undo)
		for i > 0 && e.undo[i-1].token >= beginToken {
			i--
		}
		if rollback {
			for j := len(e.undo) - 1; j >= i; j-- {
				u := e.undo[j]
				if u.existed {
					e.rows.ReplaceOrInsert(&row{key: u.key, value: u.prev})
				} else {
					e.rows.Delete(&row{key: u.key})
				}
			}
		}
		// Everything before beginToken belongs to transactions already ended.
		e.undo = e.undo[:0]
		e.mu.Unlock()
	}
	for j := len(undoLog) - 1; j >= 0; j-- {
		if rollback {
			undoLog[j].Undo()
		} else {
			undoLog[j].Release()
		}
	}
}

func (e *MemoryEngine) Tick(now time.Time) {
	e.ticks.Inc()
}

func (e *MemoryEngine) DoSnapshotWork() error {
	return nil
}

// Len returns the number of rows.
func (e *MemoryEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rows.Len()
}

// Get reads a row outside any transaction.
func (e *MemoryEngine) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	item := e.rows.Get(&row{key: key})
	if item == nil {
		return "", false
	}
	return item.(*row).value, true
}

func (e *MemoryEngine) String() string {
	return e.name
}
