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

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

var (
	// ErrTransactionRestart is observed by a multi-partition procedure whose
	// transaction was poisoned by repair. The procedure is re-driven later.
	ErrTransactionRestart = errors.New("transaction restarted by repair")
	// ErrPromotionCancelled is returned by a promotion future cancelled by a
	// newer replica set.
	ErrPromotionCancelled = errors.New("promotion cancelled")
	// ErrProcedureNotFound is returned when the catalog has no such procedure.
	ErrProcedureNotFound = errors.New("procedure not found")
)

// UserAbortError is the expected failure of a procedure. The transaction is
// rolled back and the client gets a graceful failure.
type UserAbortError struct {
	Msg string
}

func (e *UserAbortError) Error() string {
	return e.Msg
}

// NewUserAbort builds a UserAbortError.
func NewUserAbort(format string, args ...interface{}) error {
	return &UserAbortError{Msg: fmt.Sprintf(format, args...)}
}

// IsUserAbort reports whether err was caused by a UserAbortError.
func IsUserAbort(err error) bool {
	_, ok := errors.Cause(err).(*UserAbortError)
	return ok
}

// IsRestart reports whether err was caused by ErrTransactionRestart.
func IsRestart(err error) bool {
	return errors.Cause(err) == ErrTransactionRestart
}

// crashLocal ends the process. Invariant violations and determinism
// failures go through it. Tests swap it to observe the call.
var crashLocal = func(msg string, fields ...zap.Field) {
	log.Fatal(msg, fields...)
}

// SetCrashHandler replaces the process-ending handler and returns the old one.
func SetCrashHandler(fn func(msg string, fields ...zap.Field)) func(msg string, fields ...zap.Field) {
	old := crashLocal
	crashLocal = fn
	return old
}
