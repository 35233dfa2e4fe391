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

// Package transport delivers messages between mailboxes of one process.
// Delivery to a destination preserves the order of sends to it.
package transport

import (
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/util/worker"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Handler receives messages for one hsid.
type Handler interface {
	Deliver(msg message.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg message.Message)

func (f HandlerFunc) Deliver(msg message.Message) { f(msg) }

type endpoint struct {
	hsid    int64
	handler Handler
	worker  *worker.Worker
}

func (e *endpoint) Handle(t worker.Task) {
	e.handler.Deliver(t.(message.Message))
}

// Local is an in-process messenger. Every registered hsid gets its own
// delivery goroutine, so a slow handler only delays its own inbox.
type Local struct {
	mu        sync.RWMutex
	endpoints map[int64]*endpoint
	down      map[int]bool
	wg        sync.WaitGroup
}

func NewLocal() *Local {
	return &Local{
		endpoints: make(map[int64]*endpoint),
		down:      make(map[int]bool),
	}
}

// Register starts delivering messages for hsid to h.
func (l *Local) Register(hsid int64, h Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.endpoints[hsid]; ok {
		return errors.Errorf("hsid %s already registered", message.HSIDString(hsid))
	}
	if l.down[message.HostID(hsid)] {
		return errors.Errorf("host %d is down", message.HostID(hsid))
	}
	e := &endpoint{hsid: hsid, handler: h}
	e.worker = worker.NewWorker("mailbox-"+message.HSIDString(hsid), &l.wg)
	e.worker.Start(e)
	l.endpoints[hsid] = e
	return nil
}

// Unregister stops delivery to hsid. Messages already queued are still
// delivered.
func (l *Local) Unregister(hsid int64) {
	l.mu.Lock()
	e, ok := l.endpoints[hsid]
	delete(l.endpoints, hsid)
	l.mu.Unlock()
	if ok {
		e.worker.Stop()
	}
}

// KillHost unregisters every hsid of hostID and refuses new registrations
// for it, so sends to the host are dropped like sends to a dead process.
func (l *Local) KillHost(hostID int) {
	l.mu.Lock()
	l.down[hostID] = true
	var victims []*endpoint
	for hsid, e := range l.endpoints {
		if message.HostID(hsid) == hostID {
			victims = append(victims, e)
			delete(l.endpoints, hsid)
		}
	}
	l.mu.Unlock()
	for _, e := range victims {
		e.worker.Stop()
	}
	log.Info("host killed", zap.Int("host", hostID), zap.Int("mailboxes", len(victims)))
}

// IsHostDown reports whether KillHost was called for hostID.
func (l *Local) IsHostDown(hostID int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.down[hostID]
}

// Send enqueues msg for dest. Sends to unknown destinations are dropped.
func (l *Local) Send(dest int64, msg message.Message) {
	l.mu.RLock()
	e, ok := l.endpoints[dest]
	l.mu.RUnlock()
	if !ok || !e.worker.Send(msg) {
		droppedCounter.WithLabelValues(msg.MsgType().String()).Inc()
		log.Debug("drop message to unreachable mailbox", zap.String("dest", message.HSIDString(dest)),
			zap.Stringer("type", msg.MsgType()))
		return
	}
	sentCounter.WithLabelValues(msg.MsgType().String()).Inc()
}

// SendMulti sends the same message to every destination in order.
func (l *Local) SendMulti(dests []int64, msg message.Message) {
	for _, dest := range dests {
		l.Send(dest, msg)
	}
}

// Registered returns whether hsid currently has a mailbox.
func (l *Local) Registered(hsid int64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.endpoints[hsid]
	return ok
}

// Close stops every mailbox and waits for their goroutines.
func (l *Local) Close() {
	l.mu.Lock()
	endpoints := l.endpoints
	l.endpoints = make(map[int64]*endpoint)
	l.mu.Unlock()
	for _, e := range endpoints {
		e.worker.Stop()
	}
	l.wg.Wait()
}
