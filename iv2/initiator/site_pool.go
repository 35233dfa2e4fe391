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
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// SiteFactory builds the execution context with the given id.
type SiteFactory func(id int, catalog *Catalog) *Site

type poolContext struct {
	id             int
	site           *Site
	catalogCRC     uint64
	catalogVersion int
}

func (c *poolContext) queue() *tasker.Queue { return c.site.queue }

func (c *poolContext) matches(catalog *Catalog) bool {
	return catalog != nil && c.catalogVersion == catalog.Version && c.catalogCRC == catalog.CRC
}

// SitePool is a bounded set of execution contexts the MPI runs concurrent
// read-only (or N-partition) transactions on. It has no lock of its own:
// the owning MpTransactionTaskQueue serializes every call.
type SitePool struct {
	name         string
	maxSize      int
	factory      SiteFactory
	catalog      *Catalog
	nextID       int
	idle         []*poolContext
	busy         map[int64]*poolContext
	all          map[*poolContext]struct{}
	wg           sync.WaitGroup
	shuttingDown bool
}

func NewSitePool(name string, maxSize int, catalog *Catalog, factory SiteFactory) *SitePool {
	return &SitePool{
		name:    name,
		maxSize: maxSize,
		factory: factory,
		catalog: catalog,
		busy:    make(map[int64]*poolContext),
		all:     make(map[*poolContext]struct{}),
	}
}

func (p *SitePool) MaxPoolSize() int { return p.maxSize }

func (p *SitePool) newContext() *poolContext {
	id := p.nextID
	p.nextID++
	site := p.factory(id, p.catalog)
	ctx := &poolContext{id: id, site: site, catalogCRC: p.catalog.CRC, catalogVersion: p.catalog.Version}
	p.all[ctx] = struct{}{}
	site.Start(&p.wg)
	poolContextGauge.WithLabelValues(p.name).Inc()
	return ctx
}

func (p *SitePool) retire(ctx *poolContext) {
	delete(p.all, ctx)
	ctx.site.Shutdown()
	poolContextGauge.WithLabelValues(p.name).Dec()
}

// CanAcceptWork reports whether a context is free or can be created.
func (p *SitePool) CanAcceptWork() bool {
	if p.shuttingDown {
		return false
	}
	return len(p.busy) < p.maxSize
}

// DoWork runs task on an idle context, creating one if needed.
func (p *SitePool) DoWork(txnID int64, task SiteTask) {
	var ctx *poolContext
	if n := len(p.idle); n > 0 {
		ctx = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	} else {
		ctx = p.newContext()
	}
	p.busy[txnID] = ctx
	ctx.queue().Offer(task)
}

// Repair offers a repair task to the context running txnID.
func (p *SitePool) Repair(txnID int64, task SiteTask) {
	ctx, ok := p.busy[txnID]
	if !ok {
		crashLocal("repair for a transaction the pool does not run", zap.String("pool", p.name),
			zap.String("txn", txnego.TxnIDString(txnID)))
		return
	}
	ctx.queue().Offer(task)
}

// CompleteWork returns the context of txnID to the idle stack, or retires
// it when the catalog changed under it.
func (p *SitePool) CompleteWork(txnID int64) {
	ctx, ok := p.busy[txnID]
	if !ok {
		crashLocal("completed a transaction the pool does not run", zap.String("pool", p.name),
			zap.String("txn", txnego.TxnIDString(txnID)))
		return
	}
	delete(p.busy, txnID)
	if !ctx.matches(p.catalog) || p.shuttingDown {
		p.retire(ctx)
		return
	}
	p.idle = append(p.idle, ctx)
}

// UpdateCatalog makes new contexts use catalog and retires idle contexts
// built from another one. Busy contexts are retired as they complete.
func (p *SitePool) UpdateCatalog(catalog *Catalog) {
	p.catalog = catalog
	kept := p.idle[:0]
	for _, ctx := range p.idle {
		if ctx.matches(catalog) {
			kept = append(kept, ctx)
			continue
		}
		p.retire(ctx)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	log.Info("pool catalog updated", zap.String("pool", p.name), zap.Int("catalog-version", catalog.Version),
		zap.Int("idle", len(p.idle)), zap.Int("busy", len(p.busy)))
}

// Shutdown stops every context and waits for their goroutines.
func (p *SitePool) Shutdown() {
	p.beginShutdown()
	p.Join()
}

func (p *SitePool) beginShutdown() {
	p.shuttingDown = true
	for ctx := range p.all {
		ctx.site.Shutdown()
	}
	p.idle = nil
}

// Join waits for the goroutines of every context ever started. It needs no
// lock, so the owner can call it after releasing its own.
func (p *SitePool) Join() {
	p.wg.Wait()
}

// Stats returns idle and busy counts.
func (p *SitePool) Stats() (idle, busy int) {
	return len(p.idle), len(p.busy)
}

func (p *SitePool) String() string {
	return fmt.Sprintf("SitePool %s idle %d busy %d max %d", p.name, len(p.idle), len(p.busy), p.maxSize)
}
