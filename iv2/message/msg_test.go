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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHSID(t *testing.T) {
	hsid := MakeHSID(3, 7)
	assert.Equal(t, 3, HostID(hsid))
	assert.Equal(t, 7, SiteID(hsid))
	assert.Equal(t, "3:7", HSIDString(hsid))

	parsed, err := ParseHSID("3:7")
	require.NoError(t, err)
	assert.Equal(t, hsid, parsed)

	_, err = ParseHSID("37")
	require.Error(t, err)

	hsids := []int64{MakeHSID(2, 0), MakeHSID(1, 5), MakeHSID(1, 1)}
	SortHSIDs(hsids)
	assert.Equal(t, []int64{MakeHSID(1, 1), MakeHSID(1, 5), MakeHSID(2, 0)}, hsids)
	assert.Equal(t, []int64{MakeHSID(1, 1), MakeHSID(2, 0)}, WithoutHSID(hsids, MakeHSID(1, 5)))
	assert.True(t, ContainsHSID(hsids, MakeHSID(2, 0)))
}

func TestParams(t *testing.T) {
	b, err := EncodeParams("k1", 42, true)
	require.NoError(t, err)
	params, err := DecodeParams(b)
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, "k1", params[0])
	assert.Equal(t, json.Number("42"), params[1])
	assert.Equal(t, true, params[2])

	_, err = DecodeParams([]byte("{not json"))
	require.Error(t, err)

	params, err = DecodeParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)
}

func TestCopiesAreIndependent(t *testing.T) {
	orig := &InitiateTask{TxnInfo: TxnInfo{TxnID: 1, SpHandle: 2}}
	cp := orig.Copy()
	cp.SpHandle = 9
	assert.Equal(t, int64(2), orig.SpHandle)
	assert.Equal(t, MsgTypeInitiateTask, cp.MsgType())
}

func TestResultHashes(t *testing.T) {
	a := NewClientResponse(StatusSuccess, "", [][]byte{[]byte("x"), []byte("y")})
	b := NewClientResponse(StatusSuccess, "", [][]byte{[]byte("x"), []byte("y")})
	c := NewClientResponse(StatusSuccess, "", [][]byte{[]byte("y"), []byte("x")})
	d := NewClientResponse(StatusGracefulFailure, "", [][]byte{[]byte("x"), []byte("y")})
	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.NotEqual(t, a.Hash(), d.Hash())

	r1 := &FragmentResponse{Dependencies: []Dependency{{ID: 1, Table: []byte("t")}}}
	r2 := &FragmentResponse{Dependencies: []Dependency{{ID: 1, Table: []byte("t")}}}
	r3 := &FragmentResponse{Dependencies: []Dependency{{ID: 1, Table: []byte("u")}}}
	assert.Equal(t, r1.ResultHash(), r2.ResultHash())
	assert.NotEqual(t, r1.ResultHash(), r3.ResultHash())
}

func TestRepairLogResponseHeader(t *testing.T) {
	hdr := &RepairLogResponse{Sequence: 0, OfTotal: 3}
	assert.True(t, hdr.IsHeader())
	assert.Contains(t, hdr.String(), "<header>")
	item := &RepairLogResponse{Sequence: 1, OfTotal: 3, Payload: &CompleteTransaction{}}
	assert.False(t, item.IsHeader())
	assert.Contains(t, item.String(), "CompleteTransaction")
	assert.Equal(t, "MsgType(99)", MsgType(99).String())
}
