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

package txnego

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeNextIsMonotonic(t *testing.T) {
	for _, pid := range []int{0, 1, 7, 1023, MPInitPID} {
		ego := MakeZero(pid)
		require.Equal(t, pid, ego.PartitionID())
		require.Equal(t, SequenceZero, ego.Sequence())
		prev := ego
		for i := 0; i < 1000; i++ {
			next := prev.MakeNext()
			require.True(t, next.TxnID() > prev.TxnID())
			require.Equal(t, pid, next.PartitionID())
			require.Equal(t, prev.Sequence()+1, next.Sequence())
			prev = next
		}
	}
}

func TestConstructionBounds(t *testing.T) {
	_, err := New(SequenceZero, PartitionIDMaxValue+1)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))

	_, err = New(SequenceZero, -1)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))

	_, err = New(SequenceZero-1, 0)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidArgument, errors.Cause(err))

	_, err = New(SequenceMaxValue+1, 0)
	require.Error(t, err)

	ego, err := New(SequenceMaxValue, PartitionIDMaxValue)
	require.NoError(t, err)
	assert.Equal(t, SequenceMaxValue, ego.Sequence())
	assert.Equal(t, PartitionIDMaxValue, ego.PartitionID())
}

func TestDecomposition(t *testing.T) {
	ego, err := New(SequenceZero+42, 5)
	require.NoError(t, err)
	id := ego.TxnID()
	assert.Equal(t, 5, PartitionID(id))
	assert.Equal(t, SequenceZero+42, Sequence(id))
	assert.Equal(t, "(5:42)", ego.String())
	assert.Equal(t, "-1", TxnIDString(-1))
}

func TestMakeNextOverflowPanics(t *testing.T) {
	ego, err := New(SequenceMaxValue, 3)
	require.NoError(t, err)
	assert.Panics(t, func() { ego.MakeNext() })
}

func TestCrossPartitionOrderFollowsSequence(t *testing.T) {
	a := MakeZero(9).MakeNext()
	b := MakeZero(1).MakeNext().MakeNext()
	assert.True(t, b.TxnID() > a.TxnID())
	assert.True(t, b.Sequence() > a.Sequence())
}
