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
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
)

// An HSID names a mailbox: host id in the high 32 bits, site id in the low 32.

func MakeHSID(hostID, siteID int) int64 {
	return int64(hostID)<<32 | int64(uint32(siteID))
}

func HostID(hsid int64) int {
	return int(hsid >> 32)
}

func SiteID(hsid int64) int {
	return int(uint32(hsid))
}

func HSIDString(hsid int64) string {
	return fmt.Sprintf("%d:%d", HostID(hsid), SiteID(hsid))
}

func HSIDsString(hsids []int64) string {
	parts := make([]string, 0, len(hsids))
	for _, h := range hsids {
		parts = append(parts, HSIDString(h))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ParseHSID parses the "host:site" form.
func ParseHSID(s string) (int64, error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return 0, errors.Errorf("malformed hsid %q", s)
	}
	host, err := strconv.Atoi(s[:idx])
	if err != nil {
		return 0, errors.Annotatef(err, "malformed hsid %q", s)
	}
	site, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0, errors.Annotatef(err, "malformed hsid %q", s)
	}
	return MakeHSID(host, site), nil
}

// SortHSIDs sorts in place and returns hsids.
func SortHSIDs(hsids []int64) []int64 {
	sort.Slice(hsids, func(i, j int) bool { return hsids[i] < hsids[j] })
	return hsids
}

// WithoutHSID returns a copy of hsids without exclude.
func WithoutHSID(hsids []int64, exclude int64) []int64 {
	out := make([]int64, 0, len(hsids))
	for _, h := range hsids {
		if h != exclude {
			out = append(out, h)
		}
	}
	return out
}

func ContainsHSID(hsids []int64, hsid int64) bool {
	for _, h := range hsids {
		if h == hsid {
			return true
		}
	}
	return false
}
