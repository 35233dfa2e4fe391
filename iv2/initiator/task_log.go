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

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/errors"
)

// ErrTaskLogClosed is returned when logging to a closed task log.
var ErrTaskLogClosed = errors.New("task log closed")

// TaskLog journals the work a rejoining site receives until it has a
// snapshot to replay it on.
type TaskLog interface {
	Log(msg message.TransactionMessage) error
	// NextMessage returns nil when the log is drained.
	NextMessage() message.TransactionMessage
	IsEmpty() bool
	// SetEarliestTxnID drops logged work at or below spHandle, which the
	// snapshot already contains.
	SetEarliestTxnID(spHandle int64)
	Close() error
}

// MemoryTaskLog is an in-memory TaskLog.
type MemoryTaskLog struct {
	mu       sync.Mutex
	entries  []message.TransactionMessage
	earliest int64
	closed   bool
}

func NewMemoryTaskLog() *MemoryTaskLog {
	return &MemoryTaskLog{}
}

func (l *MemoryTaskLog) Log(msg message.TransactionMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrTaskLogClosed
	}
	l.entries = append(l.entries, msg)
	return nil
}

func (l *MemoryTaskLog) NextMessage() message.TransactionMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.entries) > 0 {
		msg := l.entries[0]
		l.entries[0] = nil
		l.entries = l.entries[1:]
		if l.earliest != 0 && msg.Info().SpHandle <= l.earliest {
			continue
		}
		return msg
	}
	return nil
}

func (l *MemoryTaskLog) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) == 0
}

func (l *MemoryTaskLog) SetEarliestTxnID(spHandle int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.earliest = spHandle
}

func (l *MemoryTaskLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.entries = nil
	return nil
}
