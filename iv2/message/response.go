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

package message

import (
	"encoding/binary"
	"fmt"

	farm "github.com/dgryski/go-farm"
)

type ResponseStatus int8

const (
	StatusSuccess ResponseStatus = iota + 1
	StatusGracefulFailure
	StatusUnexpectedFailure
	StatusMispartitioned
	// StatusTxnRestart asks the caller to resubmit the invocation.
	StatusTxnRestart
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusGracefulFailure:
		return "GRACEFUL_FAILURE"
	case StatusUnexpectedFailure:
		return "UNEXPECTED_FAILURE"
	case StatusMispartitioned:
		return "TXN_MISPARTITIONED"
	case StatusTxnRestart:
		return "TXN_RESTART"
	}
	return fmt.Sprintf("ResponseStatus(%d)", int(s))
}

// ClientResponse is what a client sees for one invocation.
type ClientResponse struct {
	Status       ResponseStatus
	StatusString string
	Results      [][]byte
	ClientHandle int64
}

func NewClientResponse(status ResponseStatus, statusString string, results [][]byte) *ClientResponse {
	return &ClientResponse{
		Status:       status,
		StatusString: statusString,
		Results:      results,
	}
}

func (r *ClientResponse) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Hash fingerprints status and results. Replicas of a deterministic
// transaction must produce equal hashes.
func (r *ClientResponse) Hash() uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.Status))
	h := farm.Fingerprint64(buf[:])
	for i, res := range r.Results {
		h = h*31 + fingerprint(res) + uint64(i)
	}
	return h
}

func (r *ClientResponse) String() string {
	return fmt.Sprintf("%s %q (%d results)", r.Status, r.StatusString, len(r.Results))
}

func fingerprint(b []byte) uint64 {
	return farm.Fingerprint64(b)
}
