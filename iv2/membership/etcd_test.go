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

package membership

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/VoltDB/voltdb-sub041/iv2/util/tempurl"
	. "github.com/pingcap/check"
	"go.etcd.io/etcd/clientv3"
	"go.etcd.io/etcd/embed"
)

var _ = Suite(&testEtcdRegistrySuite{})

type testEtcdRegistrySuite struct {
	cfg    *embed.Config
	etcd   *embed.Etcd
	client *clientv3.Client
}

func newTestSingleConfig() *embed.Config {
	cfg := embed.NewConfig()
	cfg.Name = "test_membership"
	cfg.Dir, _ = ioutil.TempDir("/tmp", "test_membership")
	cfg.WalDir = ""
	cfg.Logger = "zap"
	cfg.LogOutputs = []string{"stdout"}

	pu, _ := url.Parse(tempurl.Alloc())
	cfg.LPUrls = []url.URL{*pu}
	cfg.APUrls = cfg.LPUrls
	cu, _ := url.Parse(tempurl.Alloc())
	cfg.LCUrls = []url.URL{*cu}
	cfg.ACUrls = cfg.LCUrls

	cfg.StrictReconfigCheck = false
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, &cfg.LPUrls[0])
	cfg.ClusterState = embed.ClusterStateFlagNew
	return cfg
}

func (s *testEtcdRegistrySuite) SetUpSuite(c *C) {
	s.cfg = newTestSingleConfig()
	etcd, err := embed.StartEtcd(s.cfg)
	c.Assert(err, IsNil)
	s.etcd = etcd
	<-etcd.Server.ReadyNotify()

	s.client, err = clientv3.New(clientv3.Config{
		Endpoints: []string{s.cfg.LCUrls[0].String()},
	})
	c.Assert(err, IsNil)
}

func (s *testEtcdRegistrySuite) TearDownSuite(c *C) {
	s.client.Close()
	s.etcd.Close()
	os.RemoveAll(s.cfg.Dir)
}

type etcdRecorder struct {
	mu    sync.Mutex
	calls [][]Child
}

func (r *etcdRecorder) fn(children []Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, children)
}

func (r *etcdRecorder) waitLast(c *C, n int) []Child {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.calls) > 0 && len(r.calls[len(r.calls)-1]) == n {
			last := r.calls[len(r.calls)-1]
			r.mu.Unlock()
			return last
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("no snapshot with %d children", n)
	return nil
}

func (s *testEtcdRegistrySuite) TestPutGetDelete(c *C) {
	ctx := context.Background()
	r := NewEtcdRegistry(s.client, "/iv2-test-kv", 5)
	defer r.Close()

	c.Assert(r.Put(ctx, LeaderKey(4), "1:2"), IsNil)
	v, ok, err := r.Get(ctx, LeaderKey(4))
	c.Assert(err, IsNil)
	c.Assert(ok, IsTrue)
	c.Assert(v, Equals, "1:2")

	c.Assert(r.Delete(ctx, LeaderKey(4)), IsNil)
	_, ok, err = r.Get(ctx, LeaderKey(4))
	c.Assert(err, IsNil)
	c.Assert(ok, IsFalse)
}

func (s *testEtcdRegistrySuite) TestWatchSeesEphemeralExpiry(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observer := NewEtcdRegistry(s.client, "/iv2-test-watch", 5)
	defer observer.Close()
	node1 := NewEtcdRegistry(s.client, "/iv2-test-watch", 5)
	node2 := NewEtcdRegistry(s.client, "/iv2-test-watch", 5)
	defer node2.Close()

	rec := &etcdRecorder{}
	c.Assert(observer.Watch(ctx, ReplicasPath(7), rec.fn), IsNil)
	rec.waitLast(c, 0)

	h1, h2 := message.MakeHSID(1, 0), message.MakeHSID(2, 0)
	c.Assert(RegisterReplica(ctx, node1, 7, h1), IsNil)
	c.Assert(RegisterReplica(ctx, node2, 7, h2), IsNil)
	c.Assert(HSIDs(rec.waitLast(c, 2)), DeepEquals, []int64{h1, h2})

	// Closing revokes the lease like a lost session would.
	c.Assert(node1.Close(), IsNil)
	c.Assert(HSIDs(rec.waitLast(c, 1)), DeepEquals, []int64{h2})
	c.Assert(node1.PutEphemeral(ctx, "x", "y"), Equals, ErrSessionClosed)

	children, err := observer.Children(ctx, ReplicasPath(7))
	c.Assert(err, IsNil)
	c.Assert(children, HasLen, 1)
}
