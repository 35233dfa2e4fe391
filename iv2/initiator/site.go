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
	"strings"
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	siteRunning int32 = iota
	// siteRejoining journals work until the snapshot is loaded.
	siteRejoining
	// siteReplaying drains the journal on top of the snapshot.
	siteReplaying
)

const (
	defaultReplayBatch   = 10
	defaultProcWarnEvery = 10 * time.Second
	rejoinIdleWait       = time.Millisecond
	adHocProc            = "@AdHoc"
	sysprocPrefix        = "@"
)

// SiteConfig holds what a Site is built from.
type SiteConfig struct {
	HSID        int64
	PartitionID int
	Queue       *tasker.Queue
	Engine      ExecutionEngine
	Catalog     *Catalog
	Hashinator  *Hashinator
	// ReplayBatch is the number of journaled tasks replayed per loop.
	ReplayBatch int
	// ProcWarnInterval rate limits procedure-not-found warnings.
	ProcWarnInterval time.Duration
}

// Site executes the tasks of one queue on one goroutine.
type Site struct {
	hsid        int64
	partitionID int
	queue       *tasker.Queue
	engine      ExecutionEngine
	hashinator  *Hashinator
	replayBatch int

	catalogMu sync.RWMutex
	catalog   *Catalog
	runners   map[string]*ProcedureRunner

	notFoundLimiter *rate.Limiter

	rejoinState      atomic.Int32
	taskLog          TaskLog
	snapshotSpHandle int64
	replayStates     map[int64]*TransactionState
	onReplayDone     func()

	nextUndoToken         int64
	lastCommittedTxnID    atomic.Int64
	lastCommittedSpHandle atomic.Int64
	currentTxnID          atomic.Int64

	stopped      atomic.Bool
	shutdownOnce sync.Once
}

func NewSite(cfg SiteConfig) *Site {
	if cfg.ReplayBatch <= 0 {
		cfg.ReplayBatch = defaultReplayBatch
	}
	if cfg.ProcWarnInterval <= 0 {
		cfg.ProcWarnInterval = defaultProcWarnEvery
	}
	s := &Site{
		hsid:            cfg.HSID,
		partitionID:     cfg.PartitionID,
		queue:           cfg.Queue,
		engine:          cfg.Engine,
		hashinator:      cfg.Hashinator,
		replayBatch:     cfg.ReplayBatch,
		catalog:         cfg.Catalog,
		runners:         make(map[string]*ProcedureRunner),
		notFoundLimiter: rate.NewLimiter(rate.Every(cfg.ProcWarnInterval), 1),
		nextUndoToken:   1,
	}
	zero := txnego.MakeZero(cfg.PartitionID).TxnID()
	s.lastCommittedTxnID.Store(zero)
	s.lastCommittedSpHandle.Store(zero)
	return s
}

func (s *Site) HSID() int64 { return s.hsid }

func (s *Site) PartitionID() int { return s.partitionID }

func (s *Site) Queue() *tasker.Queue { return s.queue }

func (s *Site) LastCommittedTxnID() int64 { return s.lastCommittedTxnID.Load() }

func (s *Site) LastCommittedSpHandle() int64 { return s.lastCommittedSpHandle.Load() }

// CurrentTxnID is the transaction the site last started running.
func (s *Site) CurrentTxnID() int64 { return s.currentTxnID.Load() }

func (s *Site) IsRejoining() bool { return s.rejoinState.Load() != siteRunning }

func (s *Site) Catalog() *Catalog {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	return s.catalog
}

// Start runs the site on a new goroutine tracked by wg.
func (s *Site) Start(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Run()
	}()
}

// Run is the site loop. It returns after Shutdown.
func (s *Site) Run() {
	log.Info("site started", zap.String("hsid", message.HSIDString(s.hsid)), zap.Int("partition", s.partitionID))
	for !s.stopped.Load() {
		if s.rejoinState.Load() == siteRunning {
			t := s.queue.Take()
			if t == nil {
				break
			}
			s.runTask(t)
			continue
		}
		t := s.queue.Poll()
		if t != nil {
			s.runTaskForRejoin(t)
		}
		replayed := s.replayFromTaskLog()
		if t == nil && replayed == 0 {
			time.Sleep(rejoinIdleWait)
		}
	}
	log.Info("site stopped", zap.String("hsid", message.HSIDString(s.hsid)))
}

func (s *Site) runTask(t tasker.SiteTasker) {
	task, ok := t.(SiteTask)
	if !ok {
		crashLocal("site received a task it cannot run", zap.String("hsid", message.HSIDString(s.hsid)),
			zap.String("task", fmt.Sprintf("%T", t)))
		return
	}
	if tt, ok := t.(*TransactionTask); ok {
		s.currentTxnID.Store(tt.TxnID())
	}
	task.Run(s)
}

func (s *Site) runTaskForRejoin(t tasker.SiteTasker) {
	task, ok := t.(SiteTask)
	if !ok {
		crashLocal("site received a task it cannot run", zap.String("hsid", message.HSIDString(s.hsid)),
			zap.String("task", fmt.Sprintf("%T", t)))
		return
	}
	task.RunForRejoin(s, s.taskLog)
}

// Shutdown stops the loop and wakes it. It does not wait.
func (s *Site) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.stopped.Store(true)
		s.queue.Close()
	})
}

// StartRejoin switches the site to journaling. It must be called before
// Start.
func (s *Site) StartRejoin(taskLog TaskLog, onReplayDone func()) {
	s.taskLog = taskLog
	s.onReplayDone = onReplayDone
	s.replayStates = make(map[int64]*TransactionState)
	s.rejoinState.Store(siteRejoining)
	log.Info("site rejoining", zap.String("hsid", message.HSIDString(s.hsid)))
}

// SnapshotFinished moves a rejoining site to replay. Journaled work at or
// below spHandle is already part of the snapshot.
func (s *Site) SnapshotFinished(spHandle int64) {
	if s.rejoinState.Load() != siteRejoining {
		log.Warn("snapshot finished on a site that is not rejoining", zap.String("hsid", message.HSIDString(s.hsid)))
		return
	}
	s.snapshotSpHandle = spHandle
	s.taskLog.SetEarliestTxnID(spHandle)
	s.setLastCommitted(spHandle, spHandle)
	s.rejoinState.Store(siteReplaying)
	log.Info("site replaying task log", zap.String("hsid", message.HSIDString(s.hsid)),
		zap.String("snapshot-sp-handle", txnego.TxnIDString(spHandle)))
}

// HandleRejoin applies a rejoin message on the site goroutine.
func (s *Site) HandleRejoin(msg *message.Rejoin) {
	switch msg.Kind {
	case message.RejoinSnapshotFinished:
		s.SnapshotFinished(msg.SnapshotSpHandle)
	default:
		log.Debug("ignoring rejoin message", zap.Int8("kind", int8(msg.Kind)))
	}
}

func (s *Site) replayFromTaskLog() int {
	if s.rejoinState.Load() != siteReplaying {
		return 0
	}
	n := 0
	for ; n < s.replayBatch; n++ {
		msg := s.taskLog.NextMessage()
		if msg == nil {
			s.finishReplay()
			return n
		}
		if s.filterReplay(msg) {
			continue
		}
		s.replay(msg)
	}
	return n
}

func (s *Site) finishReplay() {
	if err := s.taskLog.Close(); err != nil {
		log.Warn("closing task log failed", zap.Error(err))
	}
	s.replayStates = nil
	s.rejoinState.Store(siteRunning)
	log.Info("site rejoined", zap.String("hsid", message.HSIDString(s.hsid)),
		zap.String("last-sp-handle", txnego.TxnIDString(s.LastCommittedSpHandle())))
	if s.onReplayDone != nil {
		s.onReplayDone()
	}
}

func replayableProc(name string) bool {
	return !strings.HasPrefix(name, sysprocPrefix) || name == adHocProc
}

// filterReplay reports whether a journaled message must be skipped.
func (s *Site) filterReplay(msg message.TransactionMessage) bool {
	if msg.Info().SpHandle <= s.snapshotSpHandle {
		return true
	}
	switch m := msg.(type) {
	case *message.InitiateTask:
		return !replayableProc(m.ProcName)
	case *message.FragmentTask:
		if m.SysProc {
			return true
		}
		return m.InitiateTask != nil && !replayableProc(m.InitiateTask.ProcName)
	}
	return false
}

func (s *Site) replay(msg message.TransactionMessage) {
	switch m := msg.(type) {
	case *message.InitiateTask:
		state := newSpTransactionState(m)
		cr, _ := s.callProcedure(state, m)
		s.truncateUndoLog(!cr.Succeeded(), state, m.SpHandle)
	case *message.FragmentTask:
		state, ok := s.replayStates[m.TxnID]
		if !ok {
			state = newParticipantState(m.SpHandle, m)
			s.replayStates[m.TxnID] = state
		}
		if _, err := s.executeFragment(state, m, nil); err != nil {
			log.Debug("replayed fragment failed", zap.String("txn", txnego.TxnIDString(m.TxnID)), zap.Error(err))
		}
	case *message.CompleteTransaction:
		state, ok := s.replayStates[m.TxnID]
		if !ok {
			return
		}
		if m.Restart {
			s.truncateUndoLog(true, state, m.SpHandle)
			state.resetForRestart()
			return
		}
		s.truncateUndoLog(m.Rollback, state, m.SpHandle)
		delete(s.replayStates, m.TxnID)
	}
}

func (s *Site) journal(taskLog TaskLog, msg message.TransactionMessage) {
	if taskLog == nil {
		return
	}
	if err := taskLog.Log(msg); err != nil {
		log.Warn("journaling rejoin task failed", zap.String("hsid", message.HSIDString(s.hsid)), zap.Error(err))
	}
}

func (s *Site) undoTokenFor(state *TransactionState) int64 {
	if state.beginUndoToken == invalidUndoToken {
		state.beginUndoToken = s.nextUndoToken
		s.nextUndoToken++
	}
	return state.beginUndoToken
}

func (s *Site) setLastCommitted(txnID, spHandle int64) {
	s.lastCommittedTxnID.Store(txnID)
	s.lastCommittedSpHandle.Store(spHandle)
}

// truncateUndoLog commits or rolls back the work of state and advances
// the last committed handles.
func (s *Site) truncateUndoLog(rollback bool, state *TransactionState, spHandle int64) {
	if last := s.lastCommittedSpHandle.Load(); txnego.PartitionID(last) != txnego.PartitionID(spHandle) {
		crashLocal("sp handle of another partition at undo truncation",
			zap.String("hsid", message.HSIDString(s.hsid)), zap.String("last", txnego.TxnIDString(last)),
			zap.String("sp-handle", txnego.TxnIDString(spHandle)))
		return
	}
	empty := state.beginUndoToken == invalidUndoToken
	if s.engine != nil {
		s.engine.TruncateUndoLog(rollback, empty, state.beginUndoToken, spHandle, state.undoLog)
	} else {
		for i := len(state.undoLog) - 1; i >= 0; i-- {
			if rollback {
				state.undoLog[i].Undo()
			} else {
				state.undoLog[i].Release()
			}
		}
	}
	state.undoLog = nil
	if !rollback || !empty {
		s.setLastCommitted(state.txnID, spHandle)
	}
}

// callProcedure runs an invocation, or every invocation of a batch, as one
// transaction. The first failure ends the batch.
func (s *Site) callProcedure(state *TransactionState, task *message.InitiateTask) (*message.ClientResponse, []int32) {
	invocations := task.Batch
	if len(invocations) == 0 {
		invocations = []message.Invocation{task.Invocation}
	}
	catalog := s.Catalog()
	version := 0
	if catalog != nil {
		version = catalog.Version
	}
	hash := NewDeterminismHash(version)
	ctx := &ProcedureContext{site: s, state: state, hash: hash}
	var results [][]byte
	for _, inv := range invocations {
		runner := s.procedureRunner(inv.ProcName)
		if runner == nil {
			procNotFoundCounter.Inc()
			if s.notFoundLimiter.Allow() {
				log.Warn("procedure not found", zap.String("proc", inv.ProcName),
					zap.String("hsid", message.HSIDString(s.hsid)))
			}
			return message.NewClientResponse(message.StatusUnexpectedFailure,
				fmt.Sprintf("procedure %s was not found", inv.ProcName), nil), hash.Get()
		}
		cr := runner.call(ctx, inv, state.Kind == StateSp)
		if !cr.Succeeded() {
			return cr, hash.Get()
		}
		results = append(results, cr.Results...)
	}
	return message.NewClientResponse(message.StatusSuccess, "", results), hash.Get()
}

func (s *Site) procedureRunner(name string) *ProcedureRunner {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	if r, ok := s.runners[name]; ok {
		return r
	}
	info, ok := s.catalog.Procedure(name)
	if !ok {
		return nil
	}
	r := newProcedureRunner(info, s.catalog.Version)
	s.runners[name] = r
	return r
}

// UpdateCatalog switches procedures. Call it from the site goroutine.
func (s *Site) UpdateCatalog(catalog *Catalog) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.catalog = catalog
	s.runners = make(map[string]*ProcedureRunner)
}

// executeFragment runs the fragments of one FragmentTask.
func (s *Site) executeFragment(state *TransactionState, task *message.FragmentTask,
	inputDeps map[int][][]byte) ([]message.Dependency, error) {
	if task.IsEmpty() {
		return nil, nil
	}
	if s.engine == nil {
		return nil, &EngineError{Err: fmt.Errorf("site %s has no engine", message.HSIDString(s.hsid))}
	}
	deps := task.InputDeps
	if len(inputDeps) > 0 {
		deps = make(map[int][][]byte, len(task.InputDeps)+len(inputDeps))
		for k, v := range task.InputDeps {
			deps[k] = v
		}
		for k, v := range inputDeps {
			deps[k] = append(deps[k], v...)
		}
	}
	out, err := s.engine.ExecutePlanFragments(task.Fragments, deps, state.txnID, state.spHandle,
		s.undoTokenFor(state), task.ReadOnly)
	if err != nil && !IsUserAbort(err) {
		if _, ok := err.(*EngineError); !ok {
			err = &EngineError{Err: err}
		}
	}
	return out, err
}

// Tick lets the engine do periodic work.
func (s *Site) Tick() {
	if s.engine != nil {
		s.engine.Tick(time.Now())
	}
}

// DoSnapshotWork runs one step of snapshot work on the engine.
func (s *Site) DoSnapshotWork() error {
	if s.engine == nil {
		return nil
	}
	return s.engine.DoSnapshotWork()
}

func (s *Site) String() string {
	return fmt.Sprintf("Site %s partition %d last sp %s rejoining %v", message.HSIDString(s.hsid),
		s.partitionID, txnego.TxnIDString(s.LastCommittedSpHandle()), s.IsRejoining())
}
