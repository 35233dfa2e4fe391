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
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("membership session closed")

type memEntry struct {
	value string
	// owner is nil for persistent keys.
	owner *Session
}

// Store is an in-process membership service shared by every node of a
// single-process cluster. Each node talks to it through its own Session.
type Store struct {
	mu       sync.Mutex
	data     map[string]memEntry
	watchers map[*memWatcher]struct{}
}

func NewStore() *Store {
	return &Store{
		data:     make(map[string]memEntry),
		watchers: make(map[*memWatcher]struct{}),
	}
}

// NewSession opens a session. Its ephemeral keys vanish on Close.
func (s *Store) NewSession() *Session {
	return &Session{store: s}
}

func (s *Store) childrenLocked(dir string) []Child {
	prefix := dir + "/"
	var children []Child
	for key, e := range s.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name := key[len(prefix):]
		if strings.Contains(name, "/") {
			continue
		}
		children = append(children, Child{Name: name, Value: e.value})
	}
	return sortChildren(children)
}

// notifyLocked queues a snapshot for every watcher of key's directory.
func (s *Store) notifyLocked(key string) {
	dir := parentDir(key)
	var snapshot []Child
	for w := range s.watchers {
		if w.dir != dir {
			continue
		}
		if snapshot == nil {
			snapshot = s.childrenLocked(dir)
		}
		w.push(snapshot)
	}
}

func (s *Store) put(key, value string, owner *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = memEntry{value: value, owner: owner}
	s.notifyLocked(key)
}

func (s *Store) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	s.notifyLocked(key)
}

func (s *Store) expire(owner *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.data {
		if e.owner == owner {
			delete(s.data, key)
			s.notifyLocked(key)
		}
	}
}

// memWatcher delivers snapshots in order from its own goroutine so a slow
// callback never blocks writers.
type memWatcher struct {
	dir string
	fn  func([]Child)

	mu      sync.Mutex
	pending [][]Child
	signal  chan struct{}
}

func (w *memWatcher) push(children []Child) {
	w.mu.Lock()
	w.pending = append(w.pending, children)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memWatcher) run(ctx context.Context, s *Store) {
	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		w.mu.Unlock()
		for _, children := range batch {
			if ctx.Err() != nil {
				return
			}
			w.fn(children)
		}
		select {
		case <-w.signal:
		case <-ctx.Done():
			return
		}
	}
}

// Session is one node's handle on a Store.
type Session struct {
	store *Store

	mu     sync.Mutex
	closed bool
}

func (s *Session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) Put(ctx context.Context, key, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.store.put(key, value, nil)
	return nil
}

func (s *Session) PutEphemeral(ctx context.Context, key, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.store.put(key, value, s)
	return nil
}

func (s *Session) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	e, ok := s.store.data[key]
	return e.value, ok, nil
}

func (s *Session) Delete(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.store.delete(key)
	return nil
}

func (s *Session) Children(ctx context.Context, dir string) ([]Child, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.childrenLocked(dir), nil
}

func (s *Session) Watch(ctx context.Context, dir string, fn func([]Child)) error {
	if err := s.check(); err != nil {
		return err
	}
	w := &memWatcher{dir: dir, fn: fn, signal: make(chan struct{}, 1)}
	s.store.mu.Lock()
	s.store.watchers[w] = struct{}{}
	w.push(s.store.childrenLocked(dir))
	s.store.mu.Unlock()
	go w.run(ctx, s.store)
	return nil
}

// Close expires every ephemeral key of the session, which is how a node
// failure looks to the rest of the cluster.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.store.expire(s)
	return nil
}
