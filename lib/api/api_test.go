// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/master"
)

type fakeCluster struct {
	query     master.NodesQuery
	filter    master.NodeFilter
	healthErr error
}

func (c *fakeCluster) ConnectedNodes(q master.NodesQuery) master.NodesResult {
	c.query = q
	var items []master.Node
	for _, name := range []string{"master-node", "worker1"} {
		if q.FilterNode.Match(name) {
			items = append(items, master.Node{Name: name, Type: "worker"})
		}
	}
	return master.NodesResult{Items: items, TotalItems: len(items)}
}

func (c *fakeCluster) Health(f master.NodeFilter) (master.Health, error) {
	c.filter = f
	if c.healthErr != nil {
		return master.Health{}, c.healthErr
	}
	return master.Health{NConnectedNodes: 1, Nodes: map[string]master.NodeHealth{}}, nil
}

func newRecorder() logger.Recorder {
	return logger.NewRecorder(logger.NewWithWriter(io.Discard), logger.LevelWarn, 10, 0)
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestNodesQuery(t *testing.T) {
	c := new(fakeCluster)
	rec := get(t, Handler(c, newRecorder()), "/rest/cluster/nodes?node=worker1,worker2&node=worker3&type=worker&offset=1&limit=2&sort=name,ip&order=desc")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body)
	}

	expected := master.NodesQuery{
		FilterNode: master.NodeFilter{"worker1", "worker2", "worker3"},
		FilterType: "worker",
		Offset:     1,
		Limit:      2,
		Sort:       &master.NodesSort{Fields: []string{"name", "ip"}, Order: "desc"},
	}
	if diff, equal := messagediff.PrettyDiff(expected, c.query); !equal {
		t.Errorf("unexpected query:\n%s", diff)
	}

	var res master.NodesResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.TotalItems != 1 || res.Items[0].Name != "worker1" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestNodesBadQuery(t *testing.T) {
	for _, url := range []string{
		"/rest/cluster/nodes?offset=x",
		"/rest/cluster/nodes?limit=-1",
	} {
		if rec := get(t, Handler(new(fakeCluster), newRecorder()), url); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected bad request, got %d", url, rec.Code)
		}
	}
}

func TestNodeByName(t *testing.T) {
	h := Handler(new(fakeCluster), newRecorder())
	if rec := get(t, h, "/rest/cluster/nodes/worker1"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"worker1"`) {
		t.Errorf("unexpected response %d: %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/rest/cluster/nodes/worker9"); rec.Code != http.StatusNotFound {
		t.Errorf("expected not found, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	c := new(fakeCluster)
	h := Handler(c, newRecorder())

	rec := get(t, h, "/rest/cluster/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if len(c.filter) != 0 {
		t.Errorf("expected empty filter, got %v", c.filter)
	}
	if !strings.Contains(rec.Body.String(), `"n_connected_nodes": 1`) {
		t.Errorf("unexpected body %s", rec.Body)
	}

	get(t, h, "/rest/cluster/health?node=worker1")
	if len(c.filter) != 1 || c.filter[0] != "worker1" {
		t.Errorf("unexpected filter %v", c.filter)
	}

	c.healthErr = errors.New("database closed")
	if rec := get(t, h, "/rest/cluster/health"); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected internal error, got %d", rec.Code)
	}
}

func TestVersionAndMetrics(t *testing.T) {
	h := Handler(new(fakeCluster), newRecorder())
	rec := get(t, h, "/rest/system/version")
	if !strings.Contains(rec.Body.String(), build.ClusterVersion) {
		t.Errorf("version lacks cluster protocol version: %s", rec.Body)
	}
	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("metrics: unexpected status %d", rec.Code)
	}
}

func TestErrors(t *testing.T) {
	lg := logger.NewWithWriter(io.Discard)
	h := Handler(new(fakeCluster), logger.NewRecorder(lg, logger.LevelWarn, 10, 0))

	lg.Infoln("not recorded")
	lg.Warnln("worker1 lost")

	var res struct {
		Errors []logger.Line `json:"errors"`
	}
	rec := get(t, h, "/rest/system/error")
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Message != "worker1 lost" {
		t.Errorf("unexpected errors %+v", res.Errors)
	}

	if rec := get(t, h, "/rest/system/error?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected bad request, got %d", rec.Code)
	}

	cleared := httptest.NewRecorder()
	h.ServeHTTP(cleared, httptest.NewRequest(http.MethodPost, "/rest/system/error/clear", nil))
	if cleared.Code != http.StatusOK {
		t.Fatalf("clear: unexpected status %d", cleared.Code)
	}
	rec = get(t, h, "/rest/system/error")
	if !strings.Contains(rec.Body.String(), `"errors": []`) {
		t.Errorf("errors not cleared: %s", rec.Body)
	}
}

func TestTraffic(t *testing.T) {
	rec := get(t, Handler(new(fakeCluster), newRecorder()), "/rest/system/traffic")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var res map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if _, ok := res["inBytesTotal"]; !ok {
		t.Errorf("missing incoming total: %s", rec.Body)
	}
	if _, ok := res["outBytesTotal"]; !ok {
		t.Errorf("missing outgoing total: %s", rec.Body)
	}
}
