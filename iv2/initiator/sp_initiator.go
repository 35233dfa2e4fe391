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
	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SpInitiatorConfig assembles one partition replica.
type SpInitiatorConfig struct {
	PartitionID int
	HSID        int64
	Endpoints   Endpoints
	Registry    membership.Registry
	Engine      ExecutionEngine
	Catalog     *Catalog
	Hashinator  *Hashinator
	// Scoreboards is shared by every partition replica of the node.
	Scoreboards *ScoreboardGroup
	CommandLog  CommandLog
	Diagnostics *Diagnostics
	QueuePolicy tasker.Policy

	TickInterval     time.Duration
	PromotionRetry   time.Duration
	ReplayBatch      int
	ProcWarnInterval time.Duration
}

// SpInitiator is one replica of a partition: its mailbox, scheduler, repair
// log and site. It becomes the partition leader when appointed.
type SpInitiator struct {
	initiatorBase

	scoreboards *ScoreboardGroup
	repairLog   *repairlog.RepairLog
	pending     *TransactionTaskQueue
	scheduler   *SpScheduler

	termMu sync.Mutex
	term   *SpTerm
}

func NewSpInitiator(cfg SpInitiatorConfig) *SpInitiator {
	queue := tasker.NewQueue(fmt.Sprintf("site-%s", message.HSIDString(cfg.HSID)), cfg.QueuePolicy)
	site := NewSite(SiteConfig{
		HSID:             cfg.HSID,
		PartitionID:      cfg.PartitionID,
		Queue:            queue,
		Engine:           cfg.Engine,
		Catalog:          cfg.Catalog,
		Hashinator:       cfg.Hashinator,
		ReplayBatch:      cfg.ReplayBatch,
		ProcWarnInterval: cfg.ProcWarnInterval,
	})
	repairLog := repairlog.NewRepairLog(message.HSIDString(cfg.HSID))
	if cfg.Hashinator != nil {
		repairLog.SetHashinator(cfg.Hashinator.Config)
	}
	mailbox := NewInitiatorMailbox(cfg.PartitionID, cfg.HSID, cfg.Endpoints, repairLog)
	pending := NewTransactionTaskQueue(cfg.HSID, queue, cfg.Scoreboards)
	scheduler := NewSpScheduler(cfg.PartitionID, mailbox, pending, cfg.CommandLog, cfg.Diagnostics)
	mailbox.SetScheduler(scheduler)

	i := &SpInitiator{
		initiatorBase: initiatorBase{
			kind:          "sp",
			partitionID:   cfg.PartitionID,
			hsid:          cfg.HSID,
			registry:      cfg.Registry,
			endpoints:     cfg.Endpoints,
			mailbox:       mailbox,
			site:          site,
			tickInterval:  cfg.TickInterval,
			retryInterval: cfg.PromotionRetry,
		},
		scoreboards: cfg.Scoreboards,
		repairLog:   repairLog,
		pending:     pending,
		scheduler:   scheduler,
	}
	i.promote = i.promoteLoop
	return i
}

func (i *SpInitiator) Start(ctx context.Context) error {
	return i.start(ctx)
}

func (i *SpInitiator) Scheduler() *SpScheduler { return i.scheduler }

func (i *SpInitiator) RepairLog() *repairlog.RepairLog { return i.repairLog }

func (i *SpInitiator) IsLeader() bool { return i.scheduler.IsLeader() }

// promoteLoop repairs the replicas until one attempt completes without a
// membership change interrupting it.
func (i *SpInitiator) promoteLoop(ctx context.Context) {
	if span := opentracing.SpanFromContext(ctx); span != nil {
		span = opentracing.StartSpan("iv2.sp_promote", opentracing.ChildOf(span.Context()))
		defer span.Finish()
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		result, err := i.repairOnce(ctx)
		if err == nil {
			i.becomeLeader(ctx, result)
			log.Info("sp promotion finished", zap.Int("partition", i.partitionID),
				zap.String("hsid", message.HSIDString(i.hsid)), zap.Int("attempts", attempt),
				zap.Duration("took", time.Since(start)))
			return
		}
		if ctx.Err() != nil {
			return
		}
		result2 := "error"
		if errors.Cause(err) == ErrPromotionCancelled {
			result2 = "cancelled"
		}
		promotionCounter.WithLabelValues("sp", result2).Inc()
		log.Info("sp promotion attempt failed, retrying", zap.Int("partition", i.partitionID),
			zap.Int("attempt", attempt), zap.Error(err))
		if !i.waitRetry(ctx) {
			return
		}
	}
}

func (i *SpInitiator) repairOnce(ctx context.Context) (*RepairResult, error) {
	children, err := i.registry.Children(ctx, membership.ReplicasPath(i.partitionID))
	if err != nil {
		return nil, errors.Trace(err)
	}
	survivors := membership.HSIDs(children)
	if !message.ContainsHSID(survivors, i.hsid) {
		survivors = message.SortHSIDs(append(survivors, i.hsid))
	}
	i.mailbox.UpdateReplicas(survivors, nil, false)
	term := i.startTerm(ctx, survivors)

	algo := NewSpPromoteAlgo(survivors, i.mailbox, i.partitionID)
	i.mailbox.SetRepairAlgo(algo)
	// A change the term saw before the algorithm was installed did not
	// cancel it.
	if !equalHSIDs(term.Replicas(), survivors) {
		algo.Cancel()
	}
	result, err := algo.Start().Wait(ctx)
	return result, errors.Trace(err)
}

func (i *SpInitiator) startTerm(ctx context.Context, survivors []int64) *SpTerm {
	i.termMu.Lock()
	defer i.termMu.Unlock()
	if i.term == nil {
		i.term = NewSpTerm(i.registry, i.partitionID, i.hsid, i.mailbox, survivors)
		if err := i.term.Start(ctx); err != nil {
			log.Warn("failed to watch replicas", zap.Int("partition", i.partitionID), zap.Error(err))
		}
	}
	return i.term
}

func (i *SpInitiator) becomeLeader(ctx context.Context, result *RepairResult) {
	i.mailbox.SetMaxSeenTxnID(result.MaxSeenTxnID)
	i.mailbox.SetLeaderState(true)
	i.mailbox.Execute(i.scheduler.EnableWritingIv2FaultLog)
	// The first sp handle of the new leader reaches every replica.
	i.mailbox.Deliver(&message.DummyTransactionTask{
		TxnInfo: message.TxnInfo{InitiatorHSID: i.hsid, CoordinatorHSID: i.hsid},
	})
	i.publishMaster(ctx)
	promotionCounter.WithLabelValues("sp", "ok").Inc()
	i.becameLeader()
}

func (i *SpInitiator) Shutdown() {
	i.termMu.Lock()
	if i.term != nil {
		i.term.Shutdown()
	}
	i.termMu.Unlock()
	i.shutdown()
	if i.scoreboards != nil {
		i.scoreboards.Unregister(i.hsid)
	}
}
