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
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/opentracing/opentracing-go"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// MpRepairTask settles the MP work of the masters after a leader change
// and re-drives the transactions repair poisoned. It runs on the MPI site,
// so no write runs while it does.
type MpRepairTask struct {
	scheduler  *MpScheduler
	masters    []int64
	balanceSPI bool
	epoch      int64
}

func newMpRepairTask(s *MpScheduler, masters []int64, balanceSPI bool, epoch int64) *MpRepairTask {
	return &MpRepairTask{scheduler: s, masters: masters, balanceSPI: balanceSPI, epoch: epoch}
}

func (t *MpRepairTask) Priority() tasker.Priority { return tasker.PriorityHigh }

func (t *MpRepairTask) Run(site *Site) {
	s := t.scheduler
	if current := s.repairEpoch.Load(); current != t.epoch {
		log.Info("skipping superseded mp repair", zap.Int64("epoch", t.epoch), zap.Int64("current", current))
		return
	}
	// A leader migration keeps running work. Nothing to settle or re-drive.
	if t.balanceSPI {
		log.Info("mp repair for leader migration", zap.String("masters", message.HSIDsString(t.masters)))
		return
	}
	span := opentracing.StartSpan("iv2.mp_repair")
	defer span.Finish()
	span.SetTag("masters", len(t.masters))

	algo := NewMpPromoteAlgo(t.masters, s.mailbox, s.restartGen, s.repairGen, true, s.outcome)
	s.mailbox.SetRepairAlgo(algo)
	result, err := algo.Start().Wait(s.ctx)
	if err != nil {
		promotionCounter.WithLabelValues("mp-repair", "cancelled").Inc()
		log.Info("mp repair did not finish", zap.Int64("epoch", t.epoch), zap.Error(err))
		return
	}
	s.applyRepair(result)
	promotionCounter.WithLabelValues("mp-repair", "ok").Inc()
	s.mpQueue.Restart()
}

func (t *MpRepairTask) RunForRejoin(site *Site, _ TaskLog) {
	t.Run(site)
}

func (t *MpRepairTask) String() string {
	return fmt.Sprintf("MpRepairTask{epoch %d masters %s balance %v}", t.epoch,
		message.HSIDsString(t.masters), t.balanceSPI)
}
