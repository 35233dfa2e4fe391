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
	"sort"
	"strings"
	"sync"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/txnego"
	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const scoreboardDegree = 8

type scoreboardEntry struct {
	txnID     int64
	task      *TransactionTask
	timestamp int64
	missing   bool
}

func (e *scoreboardEntry) Less(than btree.Item) bool {
	return e.txnID < than.(*scoreboardEntry).txnID
}

// CompletionCounter tracks how many scoreboards agree on their head.
type CompletionCounter struct {
	TxnID     int64
	Timestamp int64
	Count     int
}

// match counts a head. It returns false once heads disagree.
func (c *CompletionCounter) match(txnID, ts int64) bool {
	if c.Count == 0 {
		c.TxnID, c.Timestamp, c.Count = txnID, ts, 1
		return true
	}
	if c.TxnID != txnID || c.Timestamp != ts {
		return false
	}
	c.Count++
	return true
}

// Scoreboard holds the repair-time completions of one site until every
// site of the node holds the same one, plus at most one fragment waiting
// behind them.
type Scoreboard struct {
	completions *btree.BTree
	fragment    *TransactionTask
}

func NewScoreboard() *Scoreboard {
	return &Scoreboard{completions: btree.New(scoreboardDegree)}
}

// AddCompletedTransactionTask records a completion. An existing entry for
// the same transaction is only replaced by a later timestamp of the same
// restart category. A missing first-attempt completion is dropped once a
// restart completion of an earlier transaction is queued.
func (s *Scoreboard) AddCompletedTransactionTask(task *TransactionTask, missing bool) {
	txnID, ts := task.TxnID(), task.timestamp()
	if missing && !IsForRestart(ts) {
		stale := false
		s.completions.AscendLessThan(&scoreboardEntry{txnID: txnID}, func(i btree.Item) bool {
			if IsForRestart(i.(*scoreboardEntry).timestamp) {
				stale = true
				return false
			}
			return true
		})
		if stale {
			log.Debug("dropping stale completion for a missing transaction",
				zap.String("txn", txnego.TxnIDString(txnID)), zap.Int64("timestamp", ts))
			return
		}
	}
	entry := &scoreboardEntry{txnID: txnID, task: task, timestamp: ts, missing: missing}
	if old := s.completions.Get(entry); old != nil {
		prev := old.(*scoreboardEntry)
		if IsForRestart(prev.timestamp) != IsForRestart(ts) || ts <= prev.timestamp {
			return
		}
	}
	s.completions.ReplaceOrInsert(entry)
}

// AddFragmentTask parks a fragment that must run after a pending completion.
func (s *Scoreboard) AddFragmentTask(task *TransactionTask) {
	s.fragment = task
}

// PeekFirst returns the lowest completion.
func (s *Scoreboard) PeekFirst() (task *TransactionTask, ts int64, missing bool, ok bool) {
	min := s.completions.Min()
	if min == nil {
		return nil, 0, false, false
	}
	e := min.(*scoreboardEntry)
	return e.task, e.timestamp, e.missing, true
}

// PollFirstCompletionTask removes the head if it is the one counted by
// counter. The parked fragment of that transaction is returned with it.
func (s *Scoreboard) PollFirstCompletionTask(counter *CompletionCounter) (task *TransactionTask, missing bool,
	fragment *TransactionTask) {
	min := s.completions.Min()
	if min == nil {
		return nil, false, nil
	}
	e := min.(*scoreboardEntry)
	if e.txnID != counter.TxnID || e.timestamp != counter.Timestamp {
		return nil, false, nil
	}
	s.completions.DeleteMin()
	if s.fragment != nil && s.fragment.TxnID() == e.txnID {
		fragment, s.fragment = s.fragment, nil
	}
	return e.task, e.missing, fragment
}

// MatchCompletedTask reports whether a completion with this id and
// timestamp is pending.
func (s *Scoreboard) MatchCompletedTask(txnID, ts int64) bool {
	item := s.completions.Get(&scoreboardEntry{txnID: txnID})
	return item != nil && item.(*scoreboardEntry).timestamp == ts
}

func (s *Scoreboard) hasCompletion(txnID int64) bool {
	return s.completions.Has(&scoreboardEntry{txnID: txnID})
}

func (s *Scoreboard) IsEmpty() bool {
	return s.completions.Len() == 0 && s.fragment == nil
}

func (s *Scoreboard) Len() int {
	return s.completions.Len()
}

func (s *Scoreboard) String() string {
	var b strings.Builder
	b.WriteString("Scoreboard[")
	s.completions.Ascend(func(i btree.Item) bool {
		e := i.(*scoreboardEntry)
		fmt.Fprintf(&b, " %s@%d", txnego.TxnIDString(e.txnID), e.timestamp)
		if e.missing {
			b.WriteString("(missing)")
		}
		return true
	})
	if s.fragment != nil {
		fmt.Fprintf(&b, " fragment %s", txnego.TxnIDString(s.fragment.TxnID()))
	}
	b.WriteString(" ]")
	return b.String()
}

// ReleaseFunc offers a released completion, and the fragment parked
// behind it, to the site's queue.
type ReleaseFunc func(task *TransactionTask, missing bool, fragment *TransactionTask)

type scoreboardMember struct {
	hsid    int64
	board   *Scoreboard
	release ReleaseFunc
}

// ScoreboardGroup is the set of scoreboards of one node. A completion is
// released only when every site holds it at the head of its board.
type ScoreboardGroup struct {
	mu      sync.Mutex
	members map[int64]*scoreboardMember
}

func NewScoreboardGroup() *ScoreboardGroup {
	return &ScoreboardGroup{members: make(map[int64]*scoreboardMember)}
}

// Register adds a site. release is called with the group lock held.
func (g *ScoreboardGroup) Register(hsid int64, release ReleaseFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[hsid] = &scoreboardMember{hsid: hsid, board: NewScoreboard(), release: release}
}

// Unregister removes a site and re-evaluates the remaining heads.
func (g *ScoreboardGroup) Unregister(hsid int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, hsid)
	g.releaseLocked()
}

// AddCompletion records a repair-time completion for hsid. It returns
// false when hsid is not registered and the caller must queue the task.
func (g *ScoreboardGroup) AddCompletion(hsid int64, task *TransactionTask, missing bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[hsid]
	if !ok {
		log.Warn("completion for a site without a scoreboard",
			zap.String("hsid", message.HSIDString(hsid)), zap.Stringer("task", task))
		return false
	}
	m.board.AddCompletedTransactionTask(task, missing)
	g.releaseLocked()
	return true
}

// OfferFragment parks a fragment whose transaction has a pending
// completion. It returns false when the fragment can be queued now.
func (g *ScoreboardGroup) OfferFragment(hsid int64, task *TransactionTask) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[hsid]
	if !ok || !m.board.hasCompletion(task.TxnID()) {
		return false
	}
	m.board.AddFragmentTask(task)
	return true
}

func (g *ScoreboardGroup) sortedMembers() []*scoreboardMember {
	members := make([]*scoreboardMember, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].hsid < members[j].hsid })
	return members
}

func (g *ScoreboardGroup) releaseLocked() {
	members := g.sortedMembers()
	if len(members) == 0 {
		return
	}
	for {
		counter := &CompletionCounter{}
		for _, m := range members {
			task, ts, _, ok := m.board.PeekFirst()
			if !ok || !counter.match(task.TxnID(), ts) {
				return
			}
		}
		if counter.Count != len(members) {
			return
		}
		log.Debug("releasing repair completion", zap.String("txn", txnego.TxnIDString(counter.TxnID)),
			zap.Int64("timestamp", counter.Timestamp), zap.Int("sites", counter.Count))
		for _, m := range members {
			task, missing, fragment := m.board.PollFirstCompletionTask(counter)
			m.release(task, missing, fragment)
		}
	}
}

// Pending returns the number of held completions per site.
func (g *ScoreboardGroup) Pending() map[int64]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[int64]int, len(g.members))
	for hsid, m := range g.members {
		out[hsid] = m.board.Len()
	}
	return out
}
