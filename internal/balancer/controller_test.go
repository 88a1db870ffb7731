// Copyright (c) 2025 Strata Storage Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package balancer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stratastorage/strata/internal/datanode"
)

func newTestController(t *testing.T) (*httptest.Server, *Balancer) {
	t.Helper()
	b, _, _, _ := newTestNode(t)
	srv := httptest.NewServer((&Controller{b: b}).mux())
	t.Cleanup(srv.Close)
	return srv, b
}

func doReq(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %s", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %s", method, url, err)
	}
	rawBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %s", err)
	}
	return resp, string(rawBody)
}

// Test the full submit/status/cancel flow over the controller.
func TestControllerPlanFlow(t *testing.T) {
	srv, _ := newTestController(t)
	planID, planText := makePlan("N1", nowMillis(), step("va", "vb", 50*mb))

	// Submit.
	resp, body := doReq(t, "POST", srv.URL+"/plan?id="+planID+"&version=1", planText)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body %q", resp.StatusCode, body)
	}

	// Status must carry the plan and eventually report PLAN_DONE.
	deadline := time.Now().Add(5 * time.Second)
	var status WorkStatus
	for {
		resp, body = doReq(t, "GET", srv.URL+"/status", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status status = %d, body %q", resp.StatusCode, body)
		}
		if err := json.Unmarshal([]byte(body), &status); err != nil {
			t.Fatalf("status body %q: %s", body, err)
		}
		if status.PlanID != planID {
			t.Fatalf("status planID = %q, want %q", status.PlanID, planID)
		}
		if strings.Contains(body, "PLAN_DONE") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("plan never finished, last status %q", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancel of a finished plan is accepted; cancel of an unknown one is not.
	if resp, _ := doReq(t, "DELETE", srv.URL+"/plan?id="+planID, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("cancel status = %d, want 200", resp.StatusCode)
	}
	if resp, _ := doReq(t, "DELETE", srv.URL+"/plan?id=unknown", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel of unknown plan status = %d, want 404", resp.StatusCode)
	}
}

// Test the verification errors surface as 400s with the code's message.
func TestControllerSubmitErrors(t *testing.T) {
	srv, _ := newTestController(t)
	_, planText := makePlan("N1", nowMillis(), step("va", "vb", 50*mb))

	// Missing id.
	if resp, _ := doReq(t, "POST", srv.URL+"/plan", planText); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing id status = %d, want 400", resp.StatusCode)
	}

	// Mismatched hash.
	badID := HashPlan("other")
	resp, body := doReq(t, "POST", srv.URL+"/plan?id="+badID, planText)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad hash status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(body, "hash") {
		t.Errorf("bad hash body = %q, want the hash message", body)
	}

	// Bad method.
	if resp, _ := doReq(t, "PUT", srv.URL+"/plan?id="+badID, planText); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("bad method status = %d, want 405", resp.StatusCode)
	}
}

// Test the volumes and bandwidth endpoints.
func TestControllerVolumesAndBandwidth(t *testing.T) {
	srv, _ := newTestController(t)

	resp, body := doReq(t, "GET", srv.URL+"/volumes", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("volumes status = %d", resp.StatusCode)
	}
	var names map[string]string
	if err := json.Unmarshal([]byte(body), &names); err != nil {
		t.Fatalf("volumes body %q: %s", body, err)
	}
	if names["va"] != "/a" || names["vb"] != "/b" {
		t.Errorf("volumes = %v", names)
	}

	resp, body = doReq(t, "GET", srv.URL+"/bandwidth", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bandwidth status = %d", resp.StatusCode)
	}
	var bw map[string]int64
	if err := json.Unmarshal([]byte(body), &bw); err != nil {
		t.Fatalf("bandwidth body %q: %s", body, err)
	}
	if bw["bandwidth"] != 10 {
		t.Errorf("bandwidth = %v, want 10", bw)
	}
}

// Test that a disabled balancer surfaces as 503 on every endpoint.
func TestControllerDisabled(t *testing.T) {
	cfg := datanode.DefaultTestConfig
	cfg.BalancerEnabled = false
	mover := NewVolumeMover(datanode.NewMemDataset(), &cfg)
	b := NewBalancer("N1", &cfg, mover)
	srv := httptest.NewServer((&Controller{b: b}).mux())
	defer srv.Close()

	for _, url := range []string{"/status", "/volumes", "/bandwidth"} {
		if resp, _ := doReq(t, "GET", srv.URL+url, ""); resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", url, resp.StatusCode)
		}
	}
}
