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

import "go.uber.org/atomic"

// InitialTimestamp is the timestamp of a first attempt. Only repair and
// restart produce anything else.
const InitialTimestamp int64 = 0

const (
	restartCounterBits = 39
	restartFlagBit     = int64(1) << restartCounterBits
	restartLeaderShift = restartCounterBits + 1
	restartCounterMask = restartFlagBit - 1
)

// RestartSequenceGenerator stamps completions produced by repair. A stamp
// encodes the generating leader, whether it belongs to a transaction
// restart, and a counter, so later stamps of one generator compare greater.
type RestartSequenceGenerator struct {
	leaderID   int64
	forRestart bool
	counter    atomic.Int64
}

func NewRestartSequenceGenerator(leaderID int, forRestart bool) *RestartSequenceGenerator {
	return &RestartSequenceGenerator{leaderID: int64(leaderID), forRestart: forRestart}
}

// Next never returns InitialTimestamp.
func (g *RestartSequenceGenerator) Next() int64 {
	seq := g.counter.Inc() & restartCounterMask
	ts := (g.leaderID+1)<<restartLeaderShift | seq
	if g.forRestart {
		ts |= restartFlagBit
	}
	return ts
}

// IsForRestart reports whether ts was produced for a transaction restart.
func IsForRestart(ts int64) bool {
	return ts != InitialTimestamp && ts&restartFlagBit != 0
}

// IsInitial reports whether ts belongs to a first attempt.
func IsInitial(ts int64) bool {
	return ts == InitialTimestamp
}

// restartLeader extracts the leader that produced ts.
func restartLeader(ts int64) int {
	if ts == InitialTimestamp {
		return -1
	}
	return int(ts>>restartLeaderShift) - 1
}
