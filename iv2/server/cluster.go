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
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/appointer"
	"github.com/VoltDB/voltdb-sub041/iv2/config"
	"github.com/VoltDB/voltdb-sub041/iv2/initiator"
	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/tasker"
	"github.com/VoltDB/voltdb-sub041/iv2/transport"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/clientv3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Host is one node of the cluster: a membership session, the partition
// replicas placed on it, an optional MPI candidate and a client interface.
type Host struct {
	ID int

	registry    membership.Registry
	scoreboards *initiator.ScoreboardGroup
	commandLog  *initiator.MemoryCommandLog
	engines     map[int]*MemoryEngine
	sps         []*initiator.SpInitiator
	mpi         *initiator.MpInitiator
	client      *Client

	down atomic.Bool
}

// Client returns the host's client interface.
func (h *Host) Client() *Client { return h.client }

// Engine returns the engine of the host's replica of pid.
func (h *Host) Engine(pid int) (*MemoryEngine, bool) {
	e, ok := h.engines[pid]
	return e, ok
}

// CommandLog returns the host's command log.
func (h *Host) CommandLog() *initiator.MemoryCommandLog { return h.commandLog }

func (h *Host) IsDown() bool { return h.down.Load() }

func (h *Host) mpiSiteID() int { return len(h.sps) }

func (h *Host) clientSiteID() int { return len(h.sps) + 1 }

// Option customizes a cluster.
type Option func(*Cluster)

// WithFatal replaces log.Fatal for unrecoverable membership states.
func WithFatal(fn appointer.FatalFunc) Option {
	return func(c *Cluster) { c.fatal = fn }
}

// Cluster runs every host of the configured topology in one process, wired
// through a local transport and a shared membership service.
type Cluster struct {
	cfg         *config.Config
	transport   *transport.Local
	catalog     *initiator.Catalog
	hashinator  *initiator.Hashinator
	diagnostics *initiator.Diagnostics
	fatal       appointer.FatalFunc

	store     *membership.Store
	etcd      *clientv3.Client
	admin     membership.Registry
	appointer *appointer.LeaderAppointer

	mu    sync.Mutex
	hosts []*Host

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCluster(cfg *config.Config, opts ...Option) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	c := &Cluster{
		cfg:         cfg,
		transport:   transport.NewLocal(),
		catalog:     DemoCatalog(),
		hashinator:  initiator.NewHashinator(1, cfg.Cluster.Partitions),
		diagnostics: initiator.NewDiagnostics(),
		fatal:       log.Fatal,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// placement returns the partition of every site of host h. Replica r of
// the cluster lives at host r/SitesPerHost and serves partition r%Partitions.
func (c *Cluster) placement(h int) []int {
	cl := c.cfg.Cluster
	pids := make([]int, cl.SitesPerHost)
	for s := range pids {
		pids[s] = (h*cl.SitesPerHost + s) % cl.Partitions
	}
	return pids
}

func (c *Cluster) isMPIHost(h int) bool {
	for _, m := range c.cfg.MPIHosts() {
		if m == h {
			return true
		}
	}
	return false
}

func (c *Cluster) newRegistry() (membership.Registry, error) {
	if c.etcd != nil {
		return membership.NewEtcdRegistry(c.etcd, c.cfg.Membership.RootPath, c.cfg.Membership.LeaseTTL), nil
	}
	return c.store.NewSession(), nil
}

func (c *Cluster) connectMembership() error {
	ms := c.cfg.Membership
	if len(ms.Endpoints) == 0 {
		c.store = membership.NewStore()
		return nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   ms.Endpoints,
		DialTimeout: ms.DialTimeout.Duration,
	})
	if err != nil {
		return errors.Annotate(err, "connect membership service")
	}
	c.etcd = client
	log.Info("using etcd membership", zap.Strings("endpoints", ms.Endpoints), zap.String("root", ms.RootPath))
	return nil
}

func (c *Cluster) appointerConfig() appointer.Config {
	cl := c.cfg.Cluster
	acfg := appointer.Config{
		Replicas:      make(map[int]int, cl.Partitions+1),
		Preferred:     make(map[int]int64, cl.Partitions+1),
		RetryInterval: c.cfg.Initiator.PromotionRetryInterval.Duration,
		Fatal:         c.fatal,
	}
	// The first replica of every partition starts as its leader, which
	// spreads the leaders over the first hosts.
	for r := cl.Partitions*(cl.KFactor+1) - 1; r >= 0; r-- {
		pid := r % cl.Partitions
		acfg.Replicas[pid]++
		acfg.Preferred[pid] = message.MakeHSID(r/cl.SitesPerHost, r%cl.SitesPerHost)
	}
	mpiHosts := c.cfg.MPIHosts()
	acfg.Replicas[txnego.MPInitPID] = len(mpiHosts)
	acfg.Preferred[txnego.MPInitPID] = message.MakeHSID(mpiHosts[0], cl.SitesPerHost)
	return acfg
}

// Start brings up every host. WaitReady tells when the cluster accepts
// work.
func (c *Cluster) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.connectMembership(); err != nil {
		return err
	}
	admin, err := c.newRegistry()
	if err != nil {
		return err
	}
	c.admin = admin
	c.appointer, err = appointer.NewLeaderAppointer(admin, c.appointerConfig())
	if err != nil {
		return errors.Trace(err)
	}
	if err := c.appointer.Start(c.ctx); err != nil {
		return errors.Trace(err)
	}

	for h := 0; h < c.cfg.Cluster.Hosts; h++ {
		host, err := c.startHost(h)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.hosts = append(c.hosts, host)
		c.mu.Unlock()
	}
	hostGauge.WithLabelValues("up").Set(float64(c.cfg.Cluster.Hosts))
	hostGauge.WithLabelValues("down").Set(0)
	return nil
}

func (c *Cluster) startHost(h int) (*Host, error) {
	registry, err := c.newRegistry()
	if err != nil {
		return nil, err
	}
	ic := c.cfg.Initiator
	host := &Host{
		ID:          h,
		registry:    registry,
		scoreboards: initiator.NewScoreboardGroup(),
		commandLog:  initiator.NewMemoryCommandLog(ic.SyncCommandLog, ic.CommandLogFlush.Duration),
		engines:     make(map[int]*MemoryEngine),
	}
	placement := c.placement(h)
	for s, pid := range placement {
		hsid := message.MakeHSID(h, s)
		engine := NewMemoryEngine(fmt.Sprintf("partition-%d@%s", pid, message.HSIDString(hsid)))
		host.engines[pid] = engine
		host.sps = append(host.sps, initiator.NewSpInitiator(initiator.SpInitiatorConfig{
			PartitionID:      pid,
			HSID:             hsid,
			Endpoints:        c.transport,
			Registry:         registry,
			Engine:           engine,
			Catalog:          c.catalog,
			Hashinator:       c.hashinator,
			Scoreboards:      host.scoreboards,
			CommandLog:       host.commandLog,
			Diagnostics:      c.diagnostics,
			QueuePolicy:      c.cfg.TaskQueue.Policy(),
			TickInterval:     ic.TickInterval.Duration,
			PromotionRetry:   ic.PromotionRetryInterval.Duration,
			ReplayBatch:      ic.RejoinReplayBatch,
			ProcWarnInterval: ic.ProcedureWarnInterval.Duration,
		}))
	}
	if c.isMPIHost(h) {
		mpiHSID := message.MakeHSID(h, host.mpiSiteID())
		host.mpi = initiator.NewMpInitiator(initiator.MpInitiatorConfig{
			HSID:      mpiHSID,
			BuddyHSID: message.MakeHSID(h, 0),
			LeaderID:  h,
			Endpoints: c.transport,
			Registry:  registry,
			EngineFactory: func(id int) initiator.ExecutionEngine {
				return NewMemoryEngine(fmt.Sprintf("mpi-%d@%s", id, message.HSIDString(mpiHSID)))
			},
			Catalog:        c.catalog,
			Hashinator:     c.hashinator,
			CommandLog:     host.commandLog,
			Diagnostics:    c.diagnostics,
			QueuePolicy:    c.cfg.TaskQueue.Policy(),
			ReadPoolSize:   ic.MpReadPoolSize,
			NpPoolSize:     ic.NpPoolSize,
			TickInterval:   ic.TickInterval.Duration,
			PromotionRetry: ic.PromotionRetryInterval.Duration,
		})
	}
	local := make(map[int]int64, len(placement))
	for s, pid := range placement {
		local[pid] = message.MakeHSID(h, s)
	}
	host.client = NewClient(ClientConfig{
		HSID:          message.MakeHSID(h, host.clientSiteID()),
		Endpoints:     c.transport,
		Registry:      registry,
		Catalog:       c.catalog,
		Hashinator:    c.hashinator,
		Retries:       ic.ClientRetries,
		RetryInterval: ic.PromotionRetryInterval.Duration,
		LocalReplica: func(pid int) (int64, bool) {
			hsid, ok := local[pid]
			return hsid, ok
		},
	})

	for _, sp := range host.sps {
		if err := sp.Start(c.ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if host.mpi != nil {
		if err := host.mpi.Start(c.ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := host.client.Start(c.ctx); err != nil {
		return nil, errors.Trace(err)
	}
	log.Info("host started", zap.Int("host", h), zap.Ints("partitions", placement), zap.Bool("mpi", host.mpi != nil))
	return host, nil
}

// WaitReady blocks until a master of every partition and of the MPI is
// published and reachable.
func (c *Cluster) WaitReady(ctx context.Context) error {
	host, err := c.liveHost()
	if err != nil {
		return err
	}
	return host.client.WaitMasters(ctx, func(masters map[int]int64) bool {
		for pid := 0; pid < c.cfg.Cluster.Partitions; pid++ {
			if !c.reachable(masters, pid) {
				return false
			}
		}
		return c.reachable(masters, txnego.MPInitPID)
	})
}

func (c *Cluster) reachable(masters map[int]int64, pid int) bool {
	hsid, ok := masters[pid]
	return ok && !c.transport.IsHostDown(message.HostID(hsid))
}

func (c *Cluster) liveHost() (*Host, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.hosts {
		if !h.IsDown() {
			return h, nil
		}
	}
	return nil, errors.New("no live host")
}

// Client returns the client interface of the first live host.
func (c *Cluster) Client() (*Client, error) {
	h, err := c.liveHost()
	if err != nil {
		return nil, err
	}
	return h.client, nil
}

// Host returns host id.
func (c *Cluster) Host(id int) (*Host, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.hosts) {
		return nil, false
	}
	return c.hosts[id], true
}

func (c *Cluster) Hosts() []*Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Host(nil), c.hosts...)
}

func (c *Cluster) Catalog() *initiator.Catalog { return c.catalog }

func (c *Cluster) Hashinator() *initiator.Hashinator { return c.hashinator }

func (c *Cluster) Appointer() *appointer.LeaderAppointer { return c.appointer }

// KillHost fails a host: its mailboxes stop receiving, its membership
// session ends and its initiators stop.
func (c *Cluster) KillHost(id int) error {
	host, ok := c.Host(id)
	if !ok {
		return errors.Errorf("host %d is not in the cluster", id)
	}
	if !host.down.CAS(false, true) {
		return errors.Errorf("host %d is already down", id)
	}
	log.Warn("killing host", zap.Int("host", id))
	c.transport.KillHost(id)
	if err := host.registry.Close(); err != nil {
		log.Warn("failed to close membership session", zap.Int("host", id), zap.Error(err))
	}
	host.stop()
	c.updateHostGauge()
	return nil
}

func (c *Cluster) updateHostGauge() {
	up := 0
	for _, h := range c.Hosts() {
		if !h.IsDown() {
			up++
		}
	}
	hostGauge.WithLabelValues("up").Set(float64(up))
	hostGauge.WithLabelValues("down").Set(float64(len(c.Hosts()) - up))
}

func (h *Host) stop() {
	h.client.Close()
	if h.mpi != nil {
		h.mpi.Shutdown()
	}
	for _, sp := range h.sps {
		sp.Shutdown()
	}
	h.commandLog.Close()
}

// TriggerMPIRepair makes the current MPI repair its transactions as if
// the partition masters had changed.
func (c *Cluster) TriggerMPIRepair(ctx context.Context) error {
	return errors.Trace(c.admin.PutEphemeral(ctx, membership.TriggerKey("admin"), ""))
}

// PartitionInfo is the membership view of one partition.
type PartitionInfo struct {
	Partition int      `json:"partition"`
	Leader    string   `json:"leader,omitempty"`
	Master    string   `json:"master,omitempty"`
	Replicas  []string `json:"replicas"`
}

func hsidStrings(hsids []int64) []string {
	s := make([]string, 0, len(hsids))
	for _, hsid := range hsids {
		s = append(s, message.HSIDString(hsid))
	}
	return s
}

// Partitions describes every partition, the MPI last.
func (c *Cluster) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	children, err := c.admin.Children(ctx, membership.MastersDir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	masters := membership.Leaders(children)
	leaders := c.appointer.Leaders()
	pids := make([]int, 0, c.cfg.Cluster.Partitions+1)
	for pid := 0; pid < c.cfg.Cluster.Partitions; pid++ {
		pids = append(pids, pid)
	}
	pids = append(pids, txnego.MPInitPID)
	infos := make([]PartitionInfo, 0, len(pids))
	for _, pid := range pids {
		info := PartitionInfo{Partition: pid, Replicas: hsidStrings(c.appointer.Replicas(pid))}
		if hsid, ok := leaders[pid]; ok {
			info.Leader = message.HSIDString(hsid)
		}
		if hsid, ok := masters[pid]; ok {
			info.Master = message.HSIDString(hsid)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// SiteStats is the queue state of one site.
type SiteStats struct {
	HSID       string                  `json:"hsid"`
	Partition  int                     `json:"partition"`
	Leader     bool                    `json:"leader"`
	QueueSize  int                     `json:"queue-size"`
	Depth      tasker.DepthStats       `json:"depth"`
	Starvation tasker.StarvationStats  `json:"starvation"`
	Scoreboard int                     `json:"scoreboard"`
	MpQueue    *initiator.MpQueueStats `json:"mp-queue,omitempty"`
}

func siteStats(hsid int64, pid int, leader bool, site *initiator.Site) SiteStats {
	q := site.Queue()
	return SiteStats{
		HSID:       message.HSIDString(hsid),
		Partition:  pid,
		Leader:     leader,
		QueueSize:  q.Size(),
		Depth:      q.DepthTracker().Snapshot(),
		Starvation: q.StarvationTracker().Snapshot(),
	}
}

// QueueStats reports every site of the live hosts, ordered by hsid.
func (c *Cluster) QueueStats() []SiteStats {
	var stats []SiteStats
	for _, h := range c.Hosts() {
		if h.IsDown() {
			continue
		}
		pending := h.scoreboards.Pending()
		for _, sp := range h.sps {
			s := siteStats(sp.HSID(), sp.PartitionID(), sp.IsLeader(), sp.Site())
			s.Scoreboard = pending[sp.HSID()]
			stats = append(stats, s)
		}
		if h.mpi != nil {
			s := siteStats(h.mpi.HSID(), txnego.MPInitPID, h.mpi.IsLeader(), h.mpi.Site())
			mq := h.mpi.Queue().Stats()
			s.MpQueue = &mq
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].HSID < stats[j].HSID })
	return stats
}

// Diagnostics is shared by every initiator of the cluster.
func (c *Cluster) Diagnostics() *initiator.Diagnostics { return c.diagnostics }

func (c *Cluster) Close() {
	for _, h := range c.Hosts() {
		if h.down.CAS(false, true) {
			h.stop()
			if err := h.registry.Close(); err != nil {
				log.Warn("failed to close membership session", zap.Int("host", h.ID), zap.Error(err))
			}
		}
	}
	if c.appointer != nil {
		c.appointer.Shutdown()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.admin != nil {
		c.admin.Close()
	}
	c.transport.Close()
	if c.etcd != nil {
		c.etcd.Close()
	}
	log.Info("cluster stopped")
}
