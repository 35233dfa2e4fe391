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
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/transport"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultPromotionRetry = 10 * time.Millisecond

// Endpoints hosts mailboxes. transport.Local implements it.
type Endpoints interface {
	Messenger
	Register(hsid int64, h transport.Handler) error
	Unregister(hsid int64)
}

// initiatorBase is the lifecycle shared by both initiators: a mailbox on
// the transport, a site, a replica registration and a promotion that runs
// once the initiator is appointed leader.
type initiatorBase struct {
	kind        string
	partitionID int
	hsid        int64
	registry    membership.Registry
	endpoints   Endpoints
	mailbox     *InitiatorMailbox
	site        *Site

	tickInterval  time.Duration
	retryInterval time.Duration
	promote       func(ctx context.Context)

	// promoted is 0 while a replica, 1 once promotion started.
	promoted atomic.Int32
	leader   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (b *initiatorBase) String() string {
	return b.kind + " initiator " + message.HSIDString(b.hsid)
}

func (b *initiatorBase) start(ctx context.Context) error {
	if b.retryInterval <= 0 {
		b.retryInterval = defaultPromotionRetry
	}
	b.leader = make(chan struct{})
	b.ctx, b.cancel = context.WithCancel(ctx)
	if err := b.endpoints.Register(b.hsid, b.mailbox); err != nil {
		return errors.Trace(err)
	}
	b.site.Start(&b.wg)
	if b.tickInterval > 0 {
		b.wg.Add(1)
		go b.tickLoop()
	}
	if err := membership.RegisterReplica(b.ctx, b.registry, b.partitionID, b.hsid); err != nil {
		return errors.Annotatef(err, "register %s", b)
	}
	log.Info("initiator started", zap.String("kind", b.kind), zap.Int("partition", b.partitionID),
		zap.String("hsid", message.HSIDString(b.hsid)))
	return errors.Trace(b.registry.Watch(b.ctx, membership.LeadersDir, b.onAppointments))
}

// onAppointments starts the promotion the first time this initiator is the
// appointed leader. Leadership is only given up by failing.
func (b *initiatorBase) onAppointments(children []membership.Child) {
	leaders := membership.Leaders(children)
	if hsid, ok := leaders[b.partitionID]; !ok || hsid != b.hsid {
		return
	}
	if !b.promoted.CAS(0, 1) {
		return
	}
	log.Info("appointed leader", zap.String("kind", b.kind), zap.Int("partition", b.partitionID),
		zap.String("hsid", message.HSIDString(b.hsid)))
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.promote(b.ctx)
	}()
}

// becameLeader wakes WaitLeader callers.
func (b *initiatorBase) becameLeader() {
	close(b.leader)
}

// WaitLeader blocks until the promotion finished or ctx is done.
func (b *initiatorBase) WaitLeader(ctx context.Context) error {
	select {
	case <-b.leader:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// waitRetry sleeps between promotion attempts. It reports false once the
// initiator is shutting down.
func (b *initiatorBase) waitRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(b.retryInterval):
		return true
	}
}

// publishMaster retries until the registry takes the publication.
func (b *initiatorBase) publishMaster(ctx context.Context) {
	for {
		err := membership.PublishMaster(ctx, b.registry, b.partitionID, b.hsid)
		if err == nil {
			return
		}
		log.Warn("failed to publish leadership", zap.String("hsid", message.HSIDString(b.hsid)), zap.Error(err))
		if !b.waitRetry(ctx) {
			return
		}
	}
}

func (b *initiatorBase) tickLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.site.Queue().Offer(newSiteFunc("tick", tasker.PriorityLow, func(site *Site) {
				site.Tick()
			}))
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *initiatorBase) Mailbox() *InitiatorMailbox { return b.mailbox }

func (b *initiatorBase) Site() *Site { return b.site }

func (b *initiatorBase) HSID() int64 { return b.hsid }

func (b *initiatorBase) PartitionID() int { return b.partitionID }

// shutdown stops the goroutines of the base. Subtypes stop their own
// parts first.
func (b *initiatorBase) shutdown() {
	if b.cancel != nil {
		b.cancel()
	}
	b.endpoints.Unregister(b.hsid)
	b.site.Shutdown()
	b.wg.Wait()
	log.Info("initiator stopped", zap.String("kind", b.kind), zap.String("hsid", message.HSIDString(b.hsid)))
}
