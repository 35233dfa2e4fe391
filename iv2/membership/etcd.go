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
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

// EtcdRegistry keeps membership in etcd. Ephemeral keys are attached to one
// lease per registry that is kept alive until Close.
type EtcdRegistry struct {
	client   *clientv3.Client
	rootPath string
	ttl      int64

	mu          sync.Mutex
	leaseID     clientv3.LeaseID
	cancelLease context.CancelFunc
	closed      bool
}

// NewEtcdRegistry does not take ownership of client.
func NewEtcdRegistry(client *clientv3.Client, rootPath string, leaseTTL int64) *EtcdRegistry {
	return &EtcdRegistry{client: client, rootPath: rootPath, ttl: leaseTTL}
}

func (r *EtcdRegistry) fullPath(key string) string {
	return path.Join(r.rootPath, key)
}

func (r *EtcdRegistry) Put(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := r.client.Put(ctx, r.fullPath(key), value)
	return errors.WithStack(err)
}

func (r *EtcdRegistry) lease(ctx context.Context) (clientv3.LeaseID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrSessionClosed
	}
	if r.leaseID != 0 {
		return r.leaseID, nil
	}
	resp, err := r.client.Grant(ctx, r.ttl)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, resp.ID)
	if err != nil {
		cancel()
		return 0, errors.WithStack(err)
	}
	go func() {
		for range ch {
		}
		log.Info("membership lease keepalive stopped", zap.Int64("lease", int64(resp.ID)))
	}()
	r.leaseID = resp.ID
	r.cancelLease = cancel
	return r.leaseID, nil
}

func (r *EtcdRegistry) PutEphemeral(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	id, err := r.lease(ctx)
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, r.fullPath(key), value, clientv3.WithLease(id))
	return errors.WithStack(err)
}

func (r *EtcdRegistry) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := r.client.Get(ctx, r.fullPath(key))
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (r *EtcdRegistry) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err := r.client.Delete(ctx, r.fullPath(key))
	return errors.WithStack(err)
}

func (r *EtcdRegistry) children(ctx context.Context, dir string) ([]Child, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	prefix := r.fullPath(dir) + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	children := make([]Child, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), prefix)
		if strings.Contains(name, "/") {
			continue
		}
		children = append(children, Child{Name: name, Value: string(kv.Value)})
	}
	return sortChildren(children), resp.Header.Revision, nil
}

func (r *EtcdRegistry) Children(ctx context.Context, dir string) ([]Child, error) {
	children, _, err := r.children(ctx, dir)
	return children, err
}

// Watch re-reads the directory after every batch of events so callbacks
// always see a full snapshot.
func (r *EtcdRegistry) Watch(ctx context.Context, dir string, fn func([]Child)) error {
	children, revision, err := r.children(ctx, dir)
	if err != nil {
		return err
	}
	go func() {
		fn(children)
		r.watchLoop(ctx, dir, revision+1, fn)
	}()
	return nil
}

func (r *EtcdRegistry) watchLoop(ctx context.Context, dir string, revision int64, fn func([]Child)) {
	watcher := clientv3.NewWatcher(r.client)
	defer watcher.Close()

	prefix := r.fullPath(dir) + "/"
	for {
		rch := watcher.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(revision))
		for wresp := range rch {
			if wresp.CompactRevision != 0 {
				log.Warn("required revision has been compacted, use the compact revision",
					zap.String("dir", dir),
					zap.Int64("required-revision", revision),
					zap.Int64("compact-revision", wresp.CompactRevision))
				revision = wresp.CompactRevision
				break
			}
			if wresp.Canceled {
				log.Error("membership watcher is canceled", zap.String("dir", dir),
					zap.Int64("revision", revision), zap.Error(wresp.Err()))
				return
			}
			if len(wresp.Events) == 0 {
				continue
			}
			revision = wresp.Header.Revision + 1
			children, _, err := r.children(ctx, dir)
			if err != nil {
				log.Error("reload watched directory failed", zap.String("dir", dir), zap.Error(err))
				continue
			}
			fn(children)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Close revokes the lease, which removes every ephemeral key.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.leaseID == 0 {
		return nil
	}
	r.cancelLease()
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := r.client.Revoke(ctx, r.leaseID)
	return errors.WithStack(err)
}
