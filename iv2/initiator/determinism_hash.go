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
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
)

const (
	// MaxStatementsWithDetail caps the per-statement detail kept in a hash.
	MaxStatementsWithDetail = 32
	// HashNotInclude is returned by CompareHashes when the mismatching
	// statement lies beyond the detail.
	HashNotInclude = -1
	// hashMatch is returned by CompareHashes for equal hashes.
	hashMatch = -2

	headerTotal   = 0
	headerCatalog = 1
	headerCount   = 2
	headerSize    = 3
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// DeterminismHash fingerprints the statements a transaction executed so
// replicas can prove they did the same work.
type DeterminismHash struct {
	catalogVersion int32
	crc            hash.Hash32
	count          int32
	detail         []int32
}

func NewDeterminismHash(catalogVersion int) *DeterminismHash {
	return &DeterminismHash{
		catalogVersion: int32(catalogVersion),
		crc:            crc32.New(castagnoli),
	}
}

// Offer folds one executed statement into the hash.
func (h *DeterminismHash) Offer(planHash uint64, params []byte) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], planHash)
	h.crc.Write(b[:])
	h.crc.Write(params)
	if h.count < MaxStatementsWithDetail {
		h.detail = append(h.detail, int32(planHash), int32(crc32.Checksum(params, castagnoli)))
	}
	h.count++
}

// Get returns [total, catalogVersion, count, plan0, params0, ...].
func (h *DeterminismHash) Get() []int32 {
	out := make([]int32, headerSize, headerSize+len(h.detail))
	out[headerTotal] = int32(h.crc.Sum32())
	out[headerCatalog] = h.catalogVersion
	out[headerCount] = h.count
	return append(out, h.detail...)
}

// CompareHashes returns -2 when a and b match, the index of the first
// statement that differs, or HashNotInclude when the difference is beyond
// the detail kept.
func CompareHashes(a, b []int32) int {
	if len(a) < headerSize || len(b) < headerSize {
		if len(a) == len(b) {
			return hashMatch
		}
		return HashNotInclude
	}
	if a[headerTotal] == b[headerTotal] && a[headerCount] == b[headerCount] {
		return hashMatch
	}
	da, db := a[headerSize:], b[headerSize:]
	for i := 0; i+1 < len(da) && i+1 < len(db); i += 2 {
		if da[i] != db[i] || da[i+1] != db[i+1] {
			return i / 2
		}
	}
	if len(da) != len(db) {
		n := len(da)
		if len(db) < n {
			n = len(db)
		}
		return n / 2
	}
	return HashNotInclude
}

// HashesMatch reports whether a and b come from the same statements.
func HashesMatch(a, b []int32) bool {
	return CompareHashes(a, b) == hashMatch
}

// DescribeMismatch renders the result of CompareHashes for a crash message.
func DescribeMismatch(a, b []int32) string {
	switch idx := CompareHashes(a, b); idx {
	case hashMatch:
		return "hashes match"
	case HashNotInclude:
		return fmt.Sprintf("mismatch beyond the first %d statements", MaxStatementsWithDetail)
	default:
		return fmt.Sprintf("first mismatch at statement %d", idx)
	}
}
