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
	"runtime"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const maxStackDump = 1 << 20

// Diagnostics is shared by every initiator of a node. However many of them
// receive a dump request, the goroutine stacks are logged once.
type Diagnostics struct {
	dumps atomic.Int32
}

func NewDiagnostics() *Diagnostics {
	return &Diagnostics{}
}

// DumpOnce logs all goroutine stacks on the first call and reports whether
// it did.
func (d *Diagnostics) DumpOnce(reason string) bool {
	if d == nil || d.dumps.Inc() != 1 {
		return false
	}
	buf := make([]byte, maxStackDump)
	n := runtime.Stack(buf, true)
	log.Warn("goroutine dump", zap.String("reason", reason), zap.ByteString("stacks", buf[:n]))
	return true
}

// Dumped reports whether the stacks were already logged.
func (d *Diagnostics) Dumped() bool {
	return d != nil && d.dumps.Load() > 0
}
