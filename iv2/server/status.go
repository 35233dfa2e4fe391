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
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/VoltDB/voltdb-sub041/iv2/message"
	"github.com/gorilla/mux"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/render"
	"github.com/urfave/negroni"
	"go.uber.org/zap"
)

const apiPrefix = "/iv2/api/v1"

const callTimeout = 10 * time.Second

type statusHandler struct {
	cluster *Cluster
	rd      *render.Render
}

func newStatusHandler(cluster *Cluster, rd *render.Render) *statusHandler {
	return &statusHandler{
		cluster: cluster,
		rd:      rd,
	}
}

func (h *statusHandler) Partitions(w http.ResponseWriter, r *http.Request) {
	infos, err := h.cluster.Partitions(r.Context())
	if err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, infos)
}

func (h *statusHandler) Queues(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.cluster.QueueStats())
}

// HostStatus is one row of the hosts listing.
type HostStatus struct {
	ID         int    `json:"id"`
	Down       bool   `json:"down"`
	MPI        bool   `json:"mpi"`
	Logged     int    `json:"logged"`
	Faults     int    `json:"faults"`
	ClientHSID string `json:"client"`
}

func (h *statusHandler) Hosts(w http.ResponseWriter, r *http.Request) {
	hosts := h.cluster.Hosts()
	rows := make([]HostStatus, 0, len(hosts))
	for _, host := range hosts {
		rows = append(rows, HostStatus{
			ID:         host.ID,
			Down:       host.IsDown(),
			MPI:        host.mpi != nil,
			Logged:     len(host.commandLog.Entries()),
			Faults:     len(host.commandLog.Faults()),
			ClientHSID: message.HSIDString(host.client.cfg.HSID),
		})
	}
	h.rd.JSON(w, http.StatusOK, rows)
}

type adminHandler struct {
	cluster *Cluster
	rd      *render.Render
}

func newAdminHandler(cluster *Cluster, rd *render.Render) *adminHandler {
	return &adminHandler{
		cluster: cluster,
		rd:      rd,
	}
}

func (h *adminHandler) KillHost(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.cluster.KillHost(id); err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *adminHandler) RepairMPI(w http.ResponseWriter, r *http.Request) {
	if err := h.cluster.TriggerMPIRepair(r.Context()); err != nil {
		h.rd.JSON(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.rd.JSON(w, http.StatusOK, nil)
}

func (h *adminHandler) Dump(w http.ResponseWriter, r *http.Request) {
	h.rd.JSON(w, http.StatusOK, h.cluster.Diagnostics().DumpOnce("admin request"))
}

// CallRequest is the body of a procedure call over HTTP.
type CallRequest struct {
	Procedure  string        `json:"procedure"`
	Params     []interface{} `json:"params"`
	Partitions []int         `json:"partitions,omitempty"`
}

// CallResponse carries the client response with results decoded as JSON.
type CallResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message,omitempty"`
	Results []json.RawMessage `json:"results"`
}

type procHandler struct {
	cluster *Cluster
	rd      *render.Render
}

func (h *procHandler) Call(w http.ResponseWriter, r *http.Request) {
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.rd.JSON(w, http.StatusBadRequest, err.Error())
		return
	}
	client, err := h.cluster.Client()
	if err != nil {
		h.rd.JSON(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	var resp *message.ClientResponse
	if len(req.Partitions) > 0 {
		resp, err = client.CallNPartition(ctx, req.Partitions, req.Procedure, req.Params...)
	} else {
		resp, err = client.Call(ctx, req.Procedure, req.Params...)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Cause(err) == ErrUnknownProcedure {
			status = http.StatusNotFound
		}
		h.rd.JSON(w, status, err.Error())
		return
	}
	out := CallResponse{Status: resp.Status.String(), Message: resp.StatusString}
	for _, res := range resp.Results {
		out.Results = append(out.Results, json.RawMessage(res))
	}
	h.rd.JSON(w, http.StatusOK, out)
}

func createRouter(prefix string, cluster *Cluster) *mux.Router {
	rd := render.New(render.Options{
		IndentJSON: true,
	})

	router := mux.NewRouter().PathPrefix(prefix).Subrouter()

	statusHandler := newStatusHandler(cluster, rd)
	router.HandleFunc("/partitions", statusHandler.Partitions).Methods("GET")
	router.HandleFunc("/queues", statusHandler.Queues).Methods("GET")
	router.HandleFunc("/hosts", statusHandler.Hosts).Methods("GET")

	adminHandler := newAdminHandler(cluster, rd)
	router.HandleFunc("/admin/hosts/{id}/kill", adminHandler.KillHost).Methods("POST")
	router.HandleFunc("/admin/mpi/repair", adminHandler.RepairMPI).Methods("POST")
	router.HandleFunc("/admin/dump", adminHandler.Dump).Methods("POST")

	procHandler := &procHandler{cluster: cluster, rd: rd}
	router.HandleFunc("/call", procHandler.Call).Methods("POST")
	return router
}

// NewHandler serves the status, admin and procedure API and the metrics.
func NewHandler(cluster *Cluster) http.Handler {
	root := mux.NewRouter()
	root.PathPrefix(apiPrefix).Handler(createRouter(apiPrefix, cluster))
	root.Handle("/metrics", promhttp.Handler())

	n := negroni.New(negroni.NewRecovery())
	n.UseHandler(root)
	return n
}

// StatusServer is the HTTP front of a cluster.
type StatusServer struct {
	srv      *http.Server
	listener net.Listener
}

// StartStatusServer listens on addr and serves NewHandler in the background.
func StartStatusServer(addr string, cluster *Cluster) (*StatusServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listen on %s", addr)
	}
	s := &StatusServer{
		srv:      &http.Server{Handler: NewHandler(cluster)},
		listener: l,
	}
	go func() {
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped", zap.Error(err))
		}
	}()
	log.Info("status server started", zap.String("addr", l.Addr().String()))
	return s, nil
}

// Addr is the address the server listens on.
func (s *StatusServer) Addr() string {
	return s.listener.Addr().String()
}

func (s *StatusServer) Close(ctx context.Context) error {
	return errors.Trace(s.srv.Shutdown(ctx))
}
