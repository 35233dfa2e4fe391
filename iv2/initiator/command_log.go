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
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DurabilityListener is told the highest sp handle made durable by a flush.
type DurabilityListener func(spHandle int64)

// CommandLog journals the work a leader sequenced.
type CommandLog interface {
	// Log journals msg. The returned channel is closed once msg is durable.
	// It is nil when the log does not hold work back.
	Log(msg message.TransactionMessage, spHandle int64) <-chan struct{}
	// LogIv2Fault records a viable replay point after a membership change.
	LogIv2Fault(writerHSID int64, survivors []int64, partitionID int, spHandle int64)
	// LogIv2MPFault records an MP transaction rolled back by repair.
	LogIv2MPFault(txnID int64)
	RegisterDurabilityListener(fn DurabilityListener)
	Close()
}

// NullCommandLog drops everything.
type NullCommandLog struct{}

func (NullCommandLog) Log(message.TransactionMessage, int64) <-chan struct{} { return nil }

func (NullCommandLog) LogIv2Fault(int64, []int64, int, int64) {}

func (NullCommandLog) LogIv2MPFault(int64) {}

func (NullCommandLog) RegisterDurabilityListener(DurabilityListener) {}

func (NullCommandLog) Close() {}

// LoggedTask is one journaled transaction message.
type LoggedTask struct {
	SpHandle int64
	Msg      message.TransactionMessage
}

// FaultRecord is one viable replay entry.
type FaultRecord struct {
	WriterHSID  int64
	Survivors   []int64
	PartitionID int
	SpHandle    int64
}

type pendingDurable struct {
	spHandle int64
	done     chan struct{}
}

// MemoryCommandLog keeps the journal in memory and makes it durable on a
// fixed flush cadence. In synchronous mode Log hands out a channel the
// task waits on before it runs.
type MemoryCommandLog struct {
	synchronous bool

	mu        sync.Mutex
	entries   []LoggedTask
	pending   []pendingDurable
	faults    []FaultRecord
	mpFaults  []int64
	listeners []DurabilityListener
	closed    bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryCommandLog starts the flusher. A zero flushInterval leaves
// flushing to explicit Flush calls.
func NewMemoryCommandLog(synchronous bool, flushInterval time.Duration) *MemoryCommandLog {
	l := &MemoryCommandLog{synchronous: synchronous, stopCh: make(chan struct{})}
	if flushInterval > 0 {
		l.wg.Add(1)
		go l.flushLoop(flushInterval)
	}
	return l
}

func (l *MemoryCommandLog) flushLoop(interval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.stopCh:
			return
		}
	}
}

func (l *MemoryCommandLog) Log(msg message.TransactionMessage, spHandle int64) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.entries = append(l.entries, LoggedTask{SpHandle: spHandle, Msg: msg})
	p := pendingDurable{spHandle: spHandle}
	if l.synchronous {
		p.done = make(chan struct{})
	}
	l.pending = append(l.pending, p)
	return p.done
}

// Flush makes every logged entry durable and notifies the listeners.
func (l *MemoryCommandLog) Flush() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	listeners := l.listeners
	l.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	max := pending[0].spHandle
	for _, p := range pending {
		if p.done != nil {
			close(p.done)
		}
		if p.spHandle > max {
			max = p.spHandle
		}
	}
	log.Debug("command log flushed", zap.Int("entries", len(pending)), zap.Int64("sp-handle", max))
	for _, fn := range listeners {
		fn(max)
	}
}

func (l *MemoryCommandLog) LogIv2Fault(writerHSID int64, survivors []int64, partitionID int, spHandle int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = append(l.faults, FaultRecord{
		WriterHSID:  writerHSID,
		Survivors:   append([]int64(nil), survivors...),
		PartitionID: partitionID,
		SpHandle:    spHandle,
	})
}

func (l *MemoryCommandLog) LogIv2MPFault(txnID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mpFaults = append(l.mpFaults, txnID)
}

func (l *MemoryCommandLog) RegisterDurabilityListener(fn DurabilityListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Close stops the flusher and releases every waiting task.
func (l *MemoryCommandLog) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.stopCh)
	l.wg.Wait()
	l.Flush()
}

func (l *MemoryCommandLog) Entries() []LoggedTask {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoggedTask(nil), l.entries...)
}

func (l *MemoryCommandLog) Faults() []FaultRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FaultRecord(nil), l.faults...)
}

func (l *MemoryCommandLog) MPFaults() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.mpFaults...)
}
