// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"

	"github.com/secmon/clusterd/lib/agentdb"
	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/protocol"
)

func TestAgentInfoSync(t *testing.T) {
	m := newTestMaster(t, nil)
	w := connect(t, m, "worker1")
	s, _ := m.worker("worker1")
	ctx := context.Background()

	payload, err := json.Marshal(agentInfoPayload{
		Command: agentdb.SyncAgentInfoCommand,
		Chunks: []string{
			`[{"id": 1, "node_name": "worker1", "connection_status": "active"}]`,
			`[{"id": 2, "node_name": "worker1", "connection_status": "active"}]`,
			`[{"id": 3, "node_name": "worker1"`,
			`[{"id": 4, "node_name": "worker1", "connection_status": "disconnected"}]`,
			`[{"id": 5, "node_name": "worker1", "connection_status": "active"}]`,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	stringID, err := w.ep.SendString(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.ep.SendRequest(ctx, "syn_a_w_m", stringID); err != nil {
		t.Fatal(err)
	}

	var res agentInfoResult
	if err := json.Unmarshal(w.wait(t, "syn_m_a_e"), &res); err != nil {
		t.Fatal(err)
	}
	if res.UpdatedChunks != 4 || len(res.ErrorMessages) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	for _, id := range []string{"4", "5"} {
		if _, ok, err := m.agents.Agent(id); !ok || err != nil {
			t.Errorf("agent %s not stored: %v", id, err)
		}
	}

	waitFor(t, "agent-info lock release", func() bool {
		return s.status().SyncAgentInfoFree
	})
	if n := s.status().LastSyncAgentInfo.NSyncedChunks; n != 4 {
		t.Errorf("expected 4 synced chunks in status, got %d", n)
	}
}

func TestAgentInfoSyncBadJSON(t *testing.T) {
	m := newTestMaster(t, nil)
	w := connect(t, m, "worker1")
	ctx := context.Background()

	stringID, err := w.ep.SendString(ctx, []byte("not json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.ep.SendRequest(ctx, "syn_a_w_m", stringID); err != nil {
		t.Fatal(err)
	}

	rerr := protocol.ErrorFromWire(w.wait(t, "syn_m_a_err"))
	if rerr.Err.Code != protocol.CodeInvalidJSON {
		t.Errorf("expected invalid JSON error, got %v", rerr)
	}
}

func TestForwardTimeout(t *testing.T) {
	m := newTestMaster(t, func(cfg *config.Configuration) {
		cfg.Communication.TimeoutDAPIRequestS = 1
	})
	connect(t, m, "worker1")

	t0 := time.Now()
	_, err := m.Forward(context.Background(), "worker1", []byte(`{"f": "get_nodes"}`), false)
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("expected timeout, got %v", err)
	}
	if d := time.Since(t0); d > 5*time.Second {
		t.Errorf("timeout took %v", d)
	}
	if n := m.pending.Size(); n != 0 {
		t.Errorf("%d pending requests left", n)
	}
}

func TestForwardUnknownNode(t *testing.T) {
	m := newTestMaster(t, nil)
	_, err := m.Forward(context.Background(), "nosuchworker", nil, false)
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeUnknownNode {
		t.Errorf("expected unknown node error, got %v", err)
	}
}

func TestForward(t *testing.T) {
	m := newTestMaster(t, nil)
	w := connect(t, m, "worker1")
	w.dapi = func(data []byte) {
		reqID, request, _ := strings.Cut(string(data), " ")
		go func() {
			ctx := context.Background()
			if request == "fail" {
				err := protocol.NewError(protocol.KindNotFound, protocol.CodeFileNotFound, "nothing here")
				w.ep.SendRequest(ctx, "dapi_err", append([]byte(reqID+" "), protocol.ErrorToWire(err)...))
				return
			}
			id, err := w.ep.SendString(ctx, []byte("result of "+request))
			if err != nil {
				return
			}
			w.ep.SendRequest(ctx, "dapi_res", []byte(reqID+" "+string(id)))
		}()
	}

	res, err := m.Forward(context.Background(), "worker1", []byte("query"), false)
	if err != nil {
		t.Fatal(err)
	}
	if string(res) != "result of query" {
		t.Errorf("unexpected response %q", res)
	}

	_, err = m.Forward(context.Background(), "worker1", []byte("fail"), true)
	if !errors.Is(err, protocol.ErrRemote) || !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("expected remote not found error, got %v", err)
	}
}

func TestDAPIResponseUnknownRequest(t *testing.T) {
	m := newTestMaster(t, nil)
	w := connect(t, m, "worker1")

	_, err := w.ep.SendRequest(context.Background(), "dapi_err", []byte(`nosuchrequest {"kind":"internal"}`))
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.CodeUnknownRequest {
		t.Errorf("expected unknown request error, got %v", err)
	}
}

func TestDAPIQueue(t *testing.T) {
	m := newTestMaster(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.dapi.serve(ctx)
	go m.sendsync.serve(ctx)

	w := connect(t, m, "worker1")
	if err := m.agents.Exec(agentdb.SyncAgentInfoCommand + ` [{"id": 1, "node_name": "worker1", "connection_status": "active"}]`); err != nil {
		t.Fatal(err)
	}

	if _, err := w.ep.SendRequest(ctx, "dapi", []byte(`req1 {"f": "get_health", "f_kwargs": ["worker1"]}`)); err != nil {
		t.Fatal(err)
	}
	reqID, stringID, _ := strings.Cut(string(w.wait(t, "dapi_res")), " ")
	if reqID != "req1" {
		t.Errorf("unexpected request ID %q", reqID)
	}
	bs, err := w.ep.Registry().TakeString(stringID)
	if err != nil {
		t.Fatal(err)
	}
	var h Health
	if err := json.Unmarshal(bs, &h); err != nil {
		t.Fatal(err)
	}
	if h.NConnectedNodes != 1 || h.Nodes["worker1"].Info.NActiveAgents != 1 {
		t.Errorf("unexpected health %+v", h)
	}
	if _, ok := h.Nodes["master-node"]; ok {
		t.Error("master included although not in the filter")
	}

	if _, err := w.ep.SendRequest(ctx, "dapi", []byte(`req2 {"f": "restart"}`)); err != nil {
		t.Fatal(err)
	}
	reqID, details, _ := strings.Cut(string(w.wait(t, "dapi_err")), " ")
	if reqID != "req2" {
		t.Errorf("unexpected request ID %q", reqID)
	}
	if rerr := protocol.ErrorFromWire([]byte(details)); rerr.Err.Kind != protocol.KindUnknownCommand {
		t.Errorf("unexpected error %v", rerr)
	}

	msg := `{"daemon_name": "wazuh-db", "message": "global sync-agent-info-set [{\"id\": 2, \"node_name\": \"worker1\"}]"}`
	if _, err := w.ep.SendRequest(ctx, "sendsync", []byte("req3 "+msg)); err != nil {
		t.Fatal(err)
	}
	if reqID, _, _ := strings.Cut(string(w.wait(t, "sendsyn_res")), " "); reqID != "req3" {
		t.Errorf("unexpected request ID %q", reqID)
	}
	if _, ok, _ := m.agents.Agent("2"); !ok {
		t.Error("send-sync message not executed")
	}
}

func TestHealthAndNodes(t *testing.T) {
	m := newTestMaster(t, func(cfg *config.Configuration) {
		cfg.Nodes = []string{"192.168.0.1"}
	})
	w1 := connect(t, m, "worker1")
	connect(t, m, "worker2")

	res, err := w1.ep.SendRequest(context.Background(), "get_health", []byte("null"))
	if err != nil {
		t.Fatal(err)
	}
	var h Health
	if err := json.Unmarshal(res, &h); err != nil {
		t.Fatal(err)
	}
	if h.NConnectedNodes != 2 || len(h.Nodes) != 3 {
		t.Errorf("unexpected health %+v", h)
	}
	master := h.Nodes["master-node"]
	if master.Status != nil || master.Info.IP != "192.168.0.1" || master.Info.Type != "master" {
		t.Errorf("unexpected master health %+v", master)
	}
	worker := h.Nodes["worker1"]
	if worker.Status == nil || !worker.Status.SyncIntegrityFree || worker.Status.LastCheckIntegrity.Start.String() != "n/a" {
		t.Errorf("unexpected worker health %+v", worker)
	}

	res, err = w1.ep.SendRequest(context.Background(), "get_nodes", []byte(`{"filter_type": "worker", "sort": {"fields": ["name"], "order": "desc"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var nodes NodesResult
	if err := json.Unmarshal(res, &nodes); err != nil {
		t.Fatal(err)
	}
	expected := NodesResult{
		TotalItems: 2,
		Items: []Node{
			{Name: "worker2", Type: "worker", Version: build.ClusterVersion, IP: "pipe"},
			{Name: "worker1", Type: "worker", Version: build.ClusterVersion, IP: "pipe"},
		},
	}
	if diff, equal := messagediff.PrettyDiff(expected, nodes); !equal {
		t.Errorf("Unexpected nodes. Diff:\n%s", diff)
	}
}

func TestConnectedNodesPaging(t *testing.T) {
	m := newTestMaster(t, nil)
	connect(t, m, "worker1")
	connect(t, m, "worker2")

	res := m.ConnectedNodes(NodesQuery{Offset: 1, Limit: 1})
	if res.TotalItems != 3 || len(res.Items) != 1 || res.Items[0].Name != "worker1" {
		t.Errorf("unexpected page %+v", res)
	}
	res = m.ConnectedNodes(NodesQuery{FilterNode: NodeFilter{"master-node"}})
	if res.TotalItems != 1 || res.Items[0].Type != "master" {
		t.Errorf("unexpected filtered nodes %+v", res)
	}
	res = m.ConnectedNodes(NodesQuery{Offset: 10})
	if res.TotalItems != 3 || len(res.Items) != 0 {
		t.Errorf("unexpected empty page %+v", res)
	}
}

func TestNodeFilterJSON(t *testing.T) {
	cases := map[string]NodeFilter{
		`null`:                  nil,
		`{}`:                    nil,
		`"worker1"`:             {"worker1"},
		`["worker1","worker2"]`: {"worker1", "worker2"},
	}
	for in, expected := range cases {
		var f NodeFilter
		if err := json.Unmarshal([]byte(in), &f); err != nil {
			t.Errorf("%s: %v", in, err)
			continue
		}
		if diff, equal := messagediff.PrettyDiff(expected, f); !equal {
			t.Errorf("%s: unexpected filter. Diff:\n%s", in, diff)
		}
	}
	var f NodeFilter
	if err := json.Unmarshal([]byte(`42`), &f); err == nil {
		t.Error("expected error for numeric filter")
	}
}
