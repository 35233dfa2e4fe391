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

package appointer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/membership"
	"github.com/VoltDB/voltdb-sub041/iv2/message"
	. "github.com/pingcap/check"
	"go.uber.org/zap"
)

func TestAppointer(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testAppointerSuite{})

type testAppointerSuite struct {
	store  *membership.Store
	admin  *membership.Session
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	fatals []string
}

func (s *testAppointerSuite) SetUpTest(c *C) {
	s.store = membership.NewStore()
	s.admin = s.store.NewSession()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Lock()
	s.fatals = nil
	s.mu.Unlock()
}

func (s *testAppointerSuite) TearDownTest(c *C) {
	s.cancel()
}

func (s *testAppointerSuite) fatal(msg string, _ ...zap.Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatals = append(s.fatals, msg)
}

func (s *testAppointerSuite) fatalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fatals)
}

func (s *testAppointerSuite) newAppointer(c *C, cfg Config) *LeaderAppointer {
	cfg.Fatal = s.fatal
	a, err := NewLeaderAppointer(s.admin, cfg)
	c.Assert(err, IsNil)
	c.Assert(a.Start(s.ctx), IsNil)
	return a
}

func (s *testAppointerSuite) appointed(pid int) (int64, bool) {
	v, ok, err := s.admin.Get(s.ctx, membership.LeaderKey(pid))
	if err != nil || !ok {
		return 0, false
	}
	hsid, err := message.ParseHSID(v)
	return hsid, err == nil
}

func waitUntil(c *C, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *testAppointerSuite) register(c *C, pid int, hsid int64) *membership.Session {
	sess := s.store.NewSession()
	c.Assert(membership.RegisterReplica(s.ctx, sess, pid, hsid), IsNil)
	return sess
}

func (s *testAppointerSuite) TestValidate(c *C) {
	_, err := NewLeaderAppointer(s.admin, Config{})
	c.Assert(err, NotNil)
	_, err = NewLeaderAppointer(s.admin, Config{Replicas: map[int]int{0: 0}})
	c.Assert(err, NotNil)
	_, err = NewLeaderAppointer(s.admin, Config{
		Replicas:  map[int]int{0: 1},
		Preferred: map[int]int64{1: message.MakeHSID(0, 1)},
	})
	c.Assert(err, ErrorMatches, ".*unknown partition 1.*")
}

func (s *testAppointerSuite) TestStartupWaitsForAllReplicas(c *C) {
	h0, h1 := message.MakeHSID(0, 0), message.MakeHSID(1, 0)
	a := s.newAppointer(c, Config{
		Replicas:  map[int]int{0: 2},
		Preferred: map[int]int64{0: h1},
	})
	defer a.Shutdown()

	s.register(c, 0, h0)
	waitUntil(c, func() bool { return len(a.Replicas(0)) == 1 })
	_, ok := s.appointed(0)
	c.Assert(ok, IsFalse)

	s.register(c, 0, h1)
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	c.Assert(a.WaitStartup(ctx), IsNil)
	leader, ok := s.appointed(0)
	c.Assert(ok, IsTrue)
	c.Assert(leader, Equals, h1)
	c.Assert(a.Leaders(), DeepEquals, map[int]int64{0: h1})
}

func (s *testAppointerSuite) TestFailoverToFirstSurvivor(c *C) {
	h0, h1, h2 := message.MakeHSID(0, 0), message.MakeHSID(1, 0), message.MakeHSID(2, 0)
	a := s.newAppointer(c, Config{Replicas: map[int]int{0: 3}})
	defer a.Shutdown()

	first := s.register(c, 0, h0)
	s.register(c, 0, h2)
	s.register(c, 0, h1)
	c.Assert(a.WaitStartup(s.ctx), IsNil)
	leader, _ := s.appointed(0)
	c.Assert(leader, Equals, h0)

	c.Assert(first.Close(), IsNil)
	waitUntil(c, func() bool {
		leader, _ := s.appointed(0)
		return leader == h1
	})
	c.Assert(s.fatalCount(), Equals, 0)
}

func (s *testAppointerSuite) TestNodeFailureDuringStartupIsFatal(c *C) {
	h0, h1 := message.MakeHSID(0, 0), message.MakeHSID(1, 0)
	a := s.newAppointer(c, Config{Replicas: map[int]int{0: 3}})
	defer a.Shutdown()

	s.register(c, 0, h0)
	gone := s.register(c, 0, h1)
	waitUntil(c, func() bool { return len(a.Replicas(0)) == 2 })
	c.Assert(gone.Close(), IsNil)
	waitUntil(c, func() bool { return s.fatalCount() == 1 })
}

func (s *testAppointerSuite) TestFormedPartitionLossDuringStartupIsFatal(c *C) {
	h00, h10 := message.MakeHSID(0, 0), message.MakeHSID(1, 0)
	h01 := message.MakeHSID(0, 1)
	a := s.newAppointer(c, Config{Replicas: map[int]int{0: 2, 1: 2}})
	defer a.Shutdown()

	leader := s.register(c, 0, h00)
	s.register(c, 0, h10)
	s.register(c, 1, h01)
	waitUntil(c, func() bool {
		appointed, ok := s.appointed(0)
		return ok && appointed == h00
	})
	waitUntil(c, func() bool { return len(a.Replicas(1)) == 1 })

	c.Assert(leader.Close(), IsNil)
	waitUntil(c, func() bool { return s.fatalCount() == 1 })
	appointed, _ := s.appointed(0)
	c.Assert(appointed, Equals, h00)
}

func (s *testAppointerSuite) TestLosingEveryReplicaIsFatal(c *C) {
	h0 := message.MakeHSID(0, 0)
	a := s.newAppointer(c, Config{Replicas: map[int]int{0: 1}})
	defer a.Shutdown()

	only := s.register(c, 0, h0)
	c.Assert(a.WaitStartup(s.ctx), IsNil)
	c.Assert(only.Close(), IsNil)
	waitUntil(c, func() bool { return s.fatalCount() == 1 })
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Assert(s.fatals[0], Matches, "cluster unviable.*")
}

func (s *testAppointerSuite) TestAdoptsExistingAppointments(c *C) {
	h0, h1 := message.MakeHSID(0, 0), message.MakeHSID(1, 0)
	c.Assert(membership.AppointLeader(s.ctx, s.admin, 0, h1), IsNil)
	s.register(c, 0, h0)
	s.register(c, 0, h1)

	a := s.newAppointer(c, Config{Replicas: map[int]int{0: 2}})
	defer a.Shutdown()
	c.Assert(a.WaitStartup(s.ctx), IsNil)
	c.Assert(a.Leaders(), DeepEquals, map[int]int64{0: h1})
	waitUntil(c, func() bool { return len(a.Replicas(0)) == 2 })
	leader, _ := s.appointed(0)
	c.Assert(leader, Equals, h1)
}
