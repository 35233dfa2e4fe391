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

package server

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, url string, v interface{}) *http.Response {
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(t, err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func readJSON(t *testing.T, resp *http.Response, v interface{}) {
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusAPI(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()
	ts := httptest.NewServer(NewHandler(tc.Cluster))
	defer ts.Close()
	api := ts.URL + apiPrefix

	resp, err := http.Get(api + "/partitions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []PartitionInfo
	readJSON(t, resp, &infos)
	assert.Len(t, infos, 3)

	resp = postJSON(t, api+"/call", CallRequest{Procedure: ProcPut, Params: []interface{}{"web", "1"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out CallResponse
	readJSON(t, resp, &out)
	assert.Equal(t, "SUCCESS", out.Status)

	resp = postJSON(t, api+"/call", CallRequest{Procedure: ProcCountAll})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readJSON(t, resp, &out)
	require.Len(t, out.Results, 1)
	assert.Equal(t, "1", string(out.Results[0]))

	resp = postJSON(t, api+"/call", CallRequest{Procedure: "Missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(api + "/queues")
	require.NoError(t, err)
	var stats []SiteStats
	readJSON(t, resp, &stats)
	assert.Len(t, stats, 6)

	resp, err = http.Get(api + "/hosts")
	require.NoError(t, err)
	var hosts []HostStatus
	readJSON(t, resp, &hosts)
	require.Len(t, hosts, 2)
	assert.False(t, hosts[0].Down)
	assert.True(t, hosts[0].MPI)
}

func TestAdminAPI(t *testing.T) {
	tc := newTestCluster(t)
	defer tc.Close()
	ts := httptest.NewServer(NewHandler(tc.Cluster))
	defer ts.Close()
	api := ts.URL + apiPrefix

	resp := postJSON(t, api+"/admin/hosts/7/kill", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
	resp = postJSON(t, api+"/admin/hosts/x/kill", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, api+"/admin/mpi/repair", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, api+"/admin/hosts/1/kill", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	h, ok := tc.Host(1)
	require.True(t, ok)
	assert.True(t, h.IsDown())
	tc.waitReady()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "iv2_cluster_hosts"))
}
