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

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/pingcap/errors"
)

// RepairResult is what a finished repair hands to the new leader.
type RepairResult struct {
	// MaxSeenTxnID seeds the leader's clock.
	MaxSeenTxnID int64
	// RepairTruncationHandle is the highest MP txn id whose repair was
	// issued. MP repairs only.
	RepairTruncationHandle int64
	// Interrupted are write initiations whose transactions were restarted.
	Interrupted []*message.InitiateTask
}

// PromotionFuture is the one-shot result of a repair attempt. Cancel only
// succeeds before a result was set.
type PromotionFuture struct {
	mu        sync.Mutex
	done      chan struct{}
	result    *RepairResult
	err       error
	cancelled bool
}

func NewPromotionFuture() *PromotionFuture {
	return &PromotionFuture{done: make(chan struct{})}
}

func (f *PromotionFuture) complete(result *RepairResult, err error, cancelled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return false
	default:
	}
	f.result, f.err, f.cancelled = result, err, cancelled
	close(f.done)
	return true
}

// Set completes the future. It returns false if it was already complete.
func (f *PromotionFuture) Set(result *RepairResult) bool {
	return f.complete(result, nil, false)
}

func (f *PromotionFuture) Fail(err error) bool {
	return f.complete(nil, err, false)
}

// Cancel fails the future with ErrPromotionCancelled.
func (f *PromotionFuture) Cancel() bool {
	return f.complete(nil, ErrPromotionCancelled, true)
}

func (f *PromotionFuture) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// IsDone reports whether the future has completed in any way.
func (f *PromotionFuture) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed when the future completes.
func (f *PromotionFuture) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future completes or ctx is done.
func (f *PromotionFuture) Wait(ctx context.Context) (*RepairResult, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}
