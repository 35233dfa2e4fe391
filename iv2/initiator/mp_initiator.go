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
	"fmt"
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/repairlog"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultReadPoolSize = 4
	defaultNpPoolSize   = 2
)

// EngineFactory builds the engine of one MPI execution context. id is -1
// for the MPI site itself.
type EngineFactory func(id int) ExecutionEngine

// MpInitiatorConfig assembles the multi-partition initiator.
type MpInitiatorConfig struct {
	HSID int64
	// BuddyHSID is the local partition site that executes the MPI's
	// every-partition work when needed.
	BuddyHSID int64
	// LeaderID seeds the restart stamps. It must differ between
	// incarnations of the MPI.
	LeaderID      int
	Endpoints     Endpoints
	Registry      membership.Registry
	EngineFactory EngineFactory
	Catalog       *Catalog
	Hashinator    *Hashinator
	CommandLog    CommandLog
	Diagnostics   *Diagnostics
	QueuePolicy   tasker.Policy

	ReadPoolSize   int
	NpPoolSize     int
	TickInterval   time.Duration
	PromotionRetry time.Duration
}

// MpInitiator coordinates multi-partition transactions. It owns the MPI
// site, where writes run one at a time, and two pools of contexts for reads
// and N-partition transactions.
type MpInitiator struct {
	initiatorBase

	repairLog *repairlog.RepairLog
	mpQueue   *MpTransactionTaskQueue
	scheduler *MpScheduler

	termMu sync.Mutex
	term   *MpTerm
}

func NewMpInitiator(cfg MpInitiatorConfig) *MpInitiator {
	if cfg.ReadPoolSize <= 0 {
		cfg.ReadPoolSize = defaultReadPoolSize
	}
	if cfg.NpPoolSize <= 0 {
		cfg.NpPoolSize = defaultNpPoolSize
	}
	queue := tasker.NewQueue(fmt.Sprintf("mpi-%s", message.HSIDString(cfg.HSID)), cfg.QueuePolicy)
	site := NewSite(SiteConfig{
		HSID:        cfg.HSID,
		PartitionID: txnego.MPInitPID,
		Queue:       queue,
		Engine:      cfg.EngineFactory(-1),
		Catalog:     cfg.Catalog,
		Hashinator:  cfg.Hashinator,
	})
	poolFactory := func(pool string) SiteFactory {
		return func(id int, catalog *Catalog) *Site {
			return NewSite(SiteConfig{
				HSID:        cfg.HSID,
				PartitionID: txnego.MPInitPID,
				Queue:       tasker.NewQueue(fmt.Sprintf("mpi-%s-%d", pool, id), cfg.QueuePolicy),
				Engine:      cfg.EngineFactory(id),
				Catalog:     catalog,
				Hashinator:  cfg.Hashinator,
			})
		}
	}
	readPool := NewSitePool("read", cfg.ReadPoolSize, cfg.Catalog, poolFactory("read"))
	npPool := NewSitePool("np", cfg.NpPoolSize, cfg.Catalog, poolFactory("np"))
	mpQueue := NewMpTransactionTaskQueue(queue, readPool, npPool)

	repairLog := repairlog.NewRepairLog("mpi")
	mailbox := NewInitiatorMailbox(txnego.MPInitPID, cfg.HSID, cfg.Endpoints, repairLog)
	scheduler := NewMpScheduler(mailbox, mpQueue, cfg.BuddyHSID, cfg.LeaderID, cfg.CommandLog, cfg.Diagnostics)
	mailbox.SetScheduler(scheduler)

	i := &MpInitiator{
		initiatorBase: initiatorBase{
			kind:          "mp",
			partitionID:   txnego.MPInitPID,
			hsid:          cfg.HSID,
			registry:      cfg.Registry,
			endpoints:     cfg.Endpoints,
			mailbox:       mailbox,
			site:          site,
			tickInterval:  cfg.TickInterval,
			retryInterval: cfg.PromotionRetry,
		},
		repairLog: repairLog,
		mpQueue:   mpQueue,
		scheduler: scheduler,
	}
	i.promote = i.promoteLoop
	return i
}

func (i *MpInitiator) Start(ctx context.Context) error {
	return i.start(ctx)
}

func (i *MpInitiator) Scheduler() *MpScheduler { return i.scheduler }

func (i *MpInitiator) Queue() *MpTransactionTaskQueue { return i.mpQueue }

func (i *MpInitiator) IsLeader() bool { return i.scheduler.IsLeader() }

func (i *MpInitiator) promoteLoop(ctx context.Context) {
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("iv2.mp_promote", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		masters, result, err := i.repairOnce(ctx)
		if err == nil {
			i.becomeLeader(ctx, masters, result)
			log.Info("mp promotion finished", zap.String("hsid", message.HSIDString(i.hsid)),
				zap.Int("attempts", attempt), zap.Int("resubmitted", len(result.Interrupted)),
				zap.Duration("took", time.Since(start)))
			return
		}
		if ctx.Err() != nil {
			return
		}
		outcome := "error"
		if errors.Cause(err) == ErrPromotionCancelled {
			outcome = "cancelled"
		}
		promotionCounter.WithLabelValues("mp", outcome).Inc()
		log.Info("mp promotion attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if !i.waitRetry(ctx) {
			return
		}
	}
}

// repairOnce settles the MP work the partition masters hold from the
// previous coordinator.
func (i *MpInitiator) repairOnce(ctx context.Context) (map[int]int64, *RepairResult, error) {
	children, err := i.registry.Children(ctx, membership.MastersDir)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	masters := membership.Leaders(children)
	delete(masters, txnego.MPInitPID)
	hsids := masterHSIDs(masters)
	i.mailbox.UpdateReplicas(hsids, masters, false)
	i.startTerm(ctx, masters)

	s := i.scheduler
	algo := NewMpPromoteAlgo(hsids, i.mailbox, s.restartGen, s.repairGen, false, nil)
	i.mailbox.SetRepairAlgo(algo)
	if !equalMasters(s.Masters(), masters) {
		algo.Cancel()
	}
	result, err := algo.Start().Wait(ctx)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return masters, result, nil
}

func equalMasters(a, b map[int]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for pid, hsid := range a {
		if other, ok := b[pid]; !ok || other != hsid {
			return false
		}
	}
	return true
}

func (i *MpInitiator) startTerm(ctx context.Context, masters map[int]int64) {
	i.termMu.Lock()
	defer i.termMu.Unlock()
	if i.term != nil {
		return
	}
	i.term = NewMpTerm(i.registry, i.mailbox, masters)
	if err := i.term.Start(ctx); err != nil {
		log.Warn("failed to watch partition masters", zap.Error(err))
	}
}

func (i *MpInitiator) becomeLeader(ctx context.Context, masters map[int]int64, result *RepairResult) {
	s := i.scheduler
	i.mailbox.Execute(func() {
		s.applyRepair(result)
		i.repairLog.SetLeaderState(true)
		s.SetLeaderState(true)
		// Masters that changed after the repair finished were only
		// recorded. Repair them now that the scheduler leads.
		if current := s.Masters(); !equalMasters(current, masters) {
			s.UpdateReplicas(masterHSIDs(current), current, false)
		}
	})
	for _, task := range result.Interrupted {
		i.mailbox.Deliver(task.Copy())
	}
	i.publishMaster(ctx)
	promotionCounter.WithLabelValues("mp", "ok").Inc()
	i.becameLeader()
}

func (i *MpInitiator) Shutdown() {
	i.termMu.Lock()
	if i.term != nil {
		i.term.Shutdown()
	}
	i.termMu.Unlock()
	i.scheduler.Shutdown()
	i.mpQueue.Shutdown()
	i.shutdown()
}
