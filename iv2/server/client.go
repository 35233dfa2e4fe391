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
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/initiator"
	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/transport"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownProcedure = errors.New("unknown procedure")
	ErrNoMaster         = errors.New("no master for partition")
	ErrClientClosed     = errors.New("client closed")

	errAttemptTimeout = errors.New("no response in time")
)

const (
	defaultRetryInterval  = 10 * time.Millisecond
	defaultAttemptTimeout = 2 * time.Second
)

// ClientConfig configures the client interface of one host.
type ClientConfig struct {
	HSID       int64
	Endpoints  initiator.Endpoints
	Registry   membership.Registry
	Catalog    *initiator.Catalog
	Hashinator *initiator.Hashinator
	// Retries bounds how often a restarted or unanswered invocation is
	// resubmitted.
	Retries        int
	RetryInterval  time.Duration
	AttemptTimeout time.Duration
	// LocalReplica returns a replica of the partition on the client's own
	// host. Read-only single-partition calls go there when set.
	LocalReplica func(partitionID int) (int64, bool)
}

// Client is the client interface of a host. It routes single-partition
// invocations to the partition master by hashing the partitioning
// parameter, everything else to the MPI, and resubmits invocations answered
// with a restart.
type Client struct {
	cfg    ClientConfig
	handle atomic.Int64

	mu      sync.Mutex
	masters map[int]int64
	changed chan struct{}
	pending map[int64]chan *message.InitiateResponse

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	return &Client{
		cfg:     cfg,
		masters: make(map[int]int64),
		changed: make(chan struct{}),
		pending: make(map[int64]chan *message.InitiateResponse),
	}
}

func (c *Client) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.cfg.Endpoints.Register(c.cfg.HSID, transport.HandlerFunc(c.deliver)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.cfg.Registry.Watch(c.ctx, membership.MastersDir, c.onMasters))
}

func (c *Client) onMasters(children []membership.Child) {
	masters := membership.Leaders(children)
	c.mu.Lock()
	c.masters = masters
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
}

// Masters returns the published masters, the MPI included.
func (c *Client) Masters() map[int]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	masters := make(map[int]int64, len(c.masters))
	for pid, hsid := range c.masters {
		masters[pid] = hsid
	}
	return masters
}

// WaitMasters blocks until cond holds for the published masters.
func (c *Client) WaitMasters(ctx context.Context, cond func(map[int]int64) bool) error {
	for {
		c.mu.Lock()
		ok := cond(c.masters)
		changed := c.changed
		c.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		}
	}
}

func (c *Client) deliver(msg message.Message) {
	resp, ok := msg.(*message.InitiateResponse)
	if !ok {
		log.Warn("client dropped unexpected message", zap.Stringer("type", msg.MsgType()))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ClientHandle]
	delete(c.pending, resp.ClientHandle)
	c.mu.Unlock()
	if !ok {
		log.Debug("response for an abandoned call", zap.Int64("handle", resp.ClientHandle))
		return
	}
	ch <- resp
}

// Call invokes proc and waits for its final response.
func (c *Client) Call(ctx context.Context, proc string, params ...interface{}) (*message.ClientResponse, error) {
	return c.call(ctx, proc, nil, params)
}

// CallNPartition runs a multi-partition procedure on the given partitions
// only.
func (c *Client) CallNPartition(ctx context.Context, partitions []int, proc string,
	params ...interface{}) (*message.ClientResponse, error) {
	if len(partitions) == 0 {
		return nil, errors.New("no partitions given")
	}
	return c.call(ctx, proc, partitions, params)
}

func (c *Client) call(ctx context.Context, proc string, partitions []int,
	params []interface{}) (*message.ClientResponse, error) {
	info, ok := c.cfg.Catalog.Procedure(proc)
	if !ok {
		return nil, errors.Annotate(ErrUnknownProcedure, proc)
	}
	if len(partitions) > 0 && info.SinglePartition {
		return nil, errors.Errorf("%s is single-partition", proc)
	}
	encoded, err := message.EncodeParams(params...)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() {
		clientCallDuration.WithLabelValues(proc).Observe(time.Since(start).Seconds())
	}()

	limiter := rate.NewLimiter(rate.Every(c.cfg.RetryInterval), 1)
	var last *message.ClientResponse
	for attempt := 0; ; attempt++ {
		var reason string
		dest, err := c.route(info, encoded)
		if err == nil {
			var resp *message.ClientResponse
			resp, err = c.attempt(ctx, info, partitions, dest, encoded)
			switch {
			case err == nil && resp.Status != message.StatusTxnRestart:
				clientCallCounter.WithLabelValues(proc, resp.Status.String()).Inc()
				return resp, nil
			case err == nil:
				last, reason = resp, "restart"
			case errors.Cause(err) == errAttemptTimeout:
				reason = "timeout"
			default:
				return nil, err
			}
		} else if errors.Cause(err) == ErrNoMaster {
			reason = "no-master"
		} else {
			return nil, err
		}
		if attempt >= c.cfg.Retries {
			if last != nil {
				clientCallCounter.WithLabelValues(proc, last.Status.String()).Inc()
				return last, nil
			}
			return nil, errors.Annotatef(err, "%s failed after %d attempts", proc, attempt+1)
		}
		clientRetryCounter.WithLabelValues(reason).Inc()
		log.Debug("resubmitting invocation", zap.String("proc", proc), zap.String("reason", reason),
			zap.Int("attempt", attempt+1))
		if err := limiter.Wait(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}
}

func (c *Client) route(info *initiator.ProcedureInfo, encoded []byte) (int64, error) {
	pid := txnego.MPInitPID
	if info.SinglePartition {
		pid = 0
		if info.PartitionParam >= 0 {
			params, err := message.DecodeParams(encoded)
			if err != nil {
				return 0, err
			}
			if info.PartitionParam >= len(params) {
				return 0, errors.Errorf("%s partitions on parameter %d, got %d parameters",
					info.Name, info.PartitionParam, len(params))
			}
			pid = c.cfg.Hashinator.PartitionFor(params[info.PartitionParam])
		}
		if info.ReadOnly && c.cfg.LocalReplica != nil {
			if hsid, ok := c.cfg.LocalReplica(pid); ok {
				return hsid, nil
			}
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hsid, ok := c.masters[pid]
	if !ok {
		return 0, errors.Annotatef(ErrNoMaster, "partition %d", pid)
	}
	return hsid, nil
}

func (c *Client) attempt(ctx context.Context, info *initiator.ProcedureInfo, partitions []int, dest int64,
	encoded []byte) (*message.ClientResponse, error) {
	handle := c.handle.Inc()
	ch := make(chan *message.InitiateResponse, 1)
	c.mu.Lock()
	c.pending[handle] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, handle)
		c.mu.Unlock()
	}()

	task := &message.InitiateTask{
		TxnInfo:         message.TxnInfo{InitiatorHSID: c.cfg.HSID, ReadOnly: info.ReadOnly},
		Invocation:      message.Invocation{ProcName: info.Name, Params: encoded},
		ClientHandle:    handle,
		ConnectionID:    c.cfg.HSID,
		SinglePartition: info.SinglePartition,
		NPartitions:     partitions,
		EveryPartition:  info.EveryPartition,
	}
	c.cfg.Endpoints.Send(dest, task)

	timer := time.NewTimer(c.cfg.AttemptTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Response == nil {
			return message.NewClientResponse(message.StatusUnexpectedFailure, "empty response", nil), nil
		}
		return resp.Response, nil
	case <-timer.C:
		return nil, errAttemptTimeout
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-c.ctx.Done():
		return nil, ErrClientClosed
	}
}

func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.cfg.Endpoints.Unregister(c.cfg.HSID)
}
