// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package balancer

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/golang/glog"

	"github.com/stratastorage/strata/internal/core"
	"github.com/stratastorage/strata/internal/datanode"
)

// Plans are small; anything beyond this on the submit body is a caller bug.
const maxPlanBytes = 4 << 20

// Controller exposes the balancer worker on a unix socket so that node-local
// tooling can submit, query, and cancel plans.
type Controller struct {
	b *Balancer
}

// NewController creates a new controller, listening on a unix socket based
// on the address in the config.
func NewController(b *Balancer, cfg *datanode.Config) *Controller {
	base := cfg.ControllerBase
	c := &Controller{b: b}

	if err := os.MkdirAll(base, 0700); err != nil {
		log.Fatalf("couldn't create directory %q for balancer controller: %s", base, err)
	}

	path := filepath.Join(base, "balancer.sock")
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		log.Fatalf("could not listen on unix socket %q: %s", path, err)
	}

	go http.Serve(l, c.mux())

	return c
}

// mux wires up the controller endpoints.
func (c *Controller) mux() *http.ServeMux {
	m := http.NewServeMux()
	m.HandleFunc("/plan", c.plan)
	m.HandleFunc("/status", c.status)
	m.HandleFunc("/volumes", c.volumes)
	m.HandleFunc("/bandwidth", c.bandwidth)
	return m
}

// httpStatus maps a balancer error code onto an HTTP status.
func httpStatus(err core.Error) int {
	switch err {
	case core.NoError:
		return http.StatusOK
	case core.ErrBalancerNotEnabled:
		return http.StatusServiceUnavailable
	case core.ErrPlanInProgress:
		return http.StatusConflict
	case core.ErrNoSuchPlan:
		return http.StatusNotFound
	case core.ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, err core.Error) {
	w.WriteHeader(httpStatus(err))
	fmt.Fprint(w, err.String())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("balancer controller: encoding response failed: %s", err)
	}
}

func (c *Controller) plan(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "POST":
		c.submitPlan(w, r)
	case "DELETE":
		c.cancelPlan(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, "Bad method (POST or DELETE allowed)")
	}
}

func (c *Controller) submitPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	planID := q.Get("id")
	if planID == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "Missing id")
		return
	}
	version := int64(MinPlanVersion)
	if v := q.Get("version"); v != "" {
		var err error
		if version, err = strconv.ParseInt(v, 10, 64); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Bad version %q", v)
			return
		}
	}
	force := q.Get("force") == "true"

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error reading plan body: %s", err)
		return
	}

	if serr := c.b.SubmitPlan(planID, version, string(body), force); serr != core.NoError {
		writeError(w, serr)
		return
	}
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, "Submitted plan %s", planID)
}

func (c *Controller) cancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("id")
	if planID == "" {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "Missing id")
		return
	}
	if err := c.b.CancelPlan(planID); err != core.NoError {
		writeError(w, err)
		return
	}
	fmt.Fprintf(w, "Cancelled plan %s", planID)
}

func (c *Controller) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status, err := c.b.QueryWorkStatus()
	if err != core.NoError {
		writeError(w, err)
		return
	}
	writeJSON(w, status)
}

func (c *Controller) volumes(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	names, err := c.b.VolumeNames()
	if err != core.NoError {
		writeError(w, err)
		return
	}
	writeJSON(w, names)
}

func (c *Controller) bandwidth(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	bw, err := c.b.Bandwidth()
	if err != core.NoError {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]int64{"bandwidth": bw})
}
