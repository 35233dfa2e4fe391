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

// Package tempurl hands out unused local addresses to tests that start an
// embedded membership service or a status server.
package tempurl

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	allocMu   sync.Mutex
	allocated = make(map[string]struct{})
)

// Alloc returns an http URL on 127.0.0.1 that was free a moment ago and has
// not been handed out before in this process.
func Alloc() string {
	return "http://" + AllocAddr()
}

// AllocAddr is Alloc without the scheme.
func AllocAddr() string {
	for attempt := 0; attempt < 10; attempt++ {
		if addr := tryAlloc(); addr != "" {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Fatal("failed to allocate a local address")
	return ""
}

func tryAlloc() string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatal("listen failed", zap.Error(err))
	}
	addr := fmt.Sprint(l.Addr())
	if err = l.Close(); err != nil {
		log.Fatal("close failed", zap.Error(err))
	}

	allocMu.Lock()
	defer allocMu.Unlock()
	if _, ok := allocated[addr]; ok {
		return ""
	}
	allocated[addr] = struct{}{}
	return addr
}
