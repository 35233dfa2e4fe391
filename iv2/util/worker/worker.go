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

package worker

import "sync"

type TaskStop struct{}

type Task interface{}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Worker runs a handler on a dedicated goroutine. Tasks are handled in the
// order they were sent. The inbox is unbounded so a handler may send to any
// worker, including its own, without deadlocking.
type Worker struct {
	name string
	wg   *sync.WaitGroup

	mu      sync.Mutex
	pending []Task
	stopped bool
	signal  chan struct{}
}

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	return &Worker{
		name:   name,
		wg:     wg,
		signal: make(chan struct{}, 1),
	}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		for {
			for _, task := range w.drain() {
				if _, ok := task.(TaskStop); ok {
					return
				}
				handler.Handle(task)
			}
			<-w.signal
		}
	}()
}

func (w *Worker) drain() []Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := w.pending
	w.pending = nil
	return tasks
}

// Send enqueues t. It returns false once Stop has been called.
func (w *Worker) Send(t Task) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.pending = append(w.pending, t)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

// Stop asks the worker to exit after the tasks already sent.
func (w *Worker) Stop() {
	w.Send(TaskStop{})
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

// Len returns the number of tasks not yet handled.
func (w *Worker) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
