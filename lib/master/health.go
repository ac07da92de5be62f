// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/config"
)

const timestampFormat = "2006-01-02T15:04:05.000000Z"

// A Timestamp is a point in time as reported in health information. The
// zero Timestamp is reported as "n/a".
type Timestamp time.Time

func (t Timestamp) String() string {
	if time.Time(t).IsZero() {
		return "n/a"
	}
	return time.Time(t).UTC().Format(timestampFormat)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(bs []byte) error {
	var str string
	if err := json.Unmarshal(bs, &str); err != nil {
		return err
	}
	if str == "n/a" || str == "" {
		*t = Timestamp{}
		return nil
	}
	tm, err := time.Parse(timestampFormat, str)
	if err != nil {
		return err
	}
	*t = Timestamp(tm)
	return nil
}

// A Node is the basic information about a cluster node.
type Node struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version string `json:"version"`
	IP      string `json:"ip"`
}

type NodeInfo struct {
	Node
	NActiveAgents int `json:"n_active_agents"`
}

// NodeStatus is the synchronization state of a worker.
type NodeStatus struct {
	SyncIntegrityFree  bool                 `json:"sync_integrity_free"`
	LastCheckIntegrity integrityCheckStatus `json:"last_check_integrity"`
	LastSyncIntegrity  integritySyncStatus  `json:"last_sync_integrity"`
	SyncAgentInfoFree  bool                 `json:"sync_agent_info_free"`
	LastSyncAgentInfo  agentInfoSyncStatus  `json:"last_sync_agentinfo"`
	LastKeepAlive      Timestamp            `json:"last_keep_alive"`
}

// NodeHealth is the health information of one node. The master has no
// status.
type NodeHealth struct {
	Info   NodeInfo    `json:"info"`
	Status *NodeStatus `json:"status,omitempty"`
}

type Health struct {
	NConnectedNodes int                   `json:"n_connected_nodes"`
	Nodes           map[string]NodeHealth `json:"nodes"`
}

// A NodeFilter selects nodes by name. It is given in JSON as null, a
// single name or a list of names. An empty filter matches every node.
type NodeFilter []string

func (f *NodeFilter) UnmarshalJSON(bs []byte) error {
	bs = bytes.TrimSpace(bs)
	switch {
	case bytes.Equal(bs, []byte("null")), bytes.Equal(bs, []byte("{}")):
		*f = nil
		return nil
	case len(bs) > 0 && bs[0] == '"':
		var name string
		if err := json.Unmarshal(bs, &name); err != nil {
			return err
		}
		*f = NodeFilter{name}
		return nil
	}
	var names []string
	if err := json.Unmarshal(bs, &names); err != nil {
		return fmt.Errorf("node filter: %w", err)
	}
	*f = names
	return nil
}

func (f NodeFilter) Match(name string) bool {
	if len(f) == 0 {
		return true
	}
	for _, n := range f {
		if n == name {
			return true
		}
	}
	return false
}

// NodesQuery selects and orders the nodes listed by ConnectedNodes.
type NodesQuery struct {
	FilterNode NodeFilter `json:"filter_node"`
	FilterType string     `json:"filter_type"`
	Offset     int        `json:"offset"`
	Limit      int        `json:"limit"`
	Sort       *NodesSort `json:"sort"`
}

type NodesSort struct {
	Fields []string `json:"fields"`
	Order  string   `json:"order"`
}

type NodesResult struct {
	Items      []Node `json:"items"`
	TotalItems int    `json:"totalItems"`
}

// self returns the master's own node information.
func (m *Master) self() Node {
	raw := m.cfg.RawCopy()
	ip := raw.BindAddress
	if len(raw.Nodes) > 0 {
		ip = raw.Nodes[0]
	}
	return Node{
		Name:    raw.NodeName,
		Type:    config.NodeTypeMaster,
		Version: build.ClusterVersion,
		IP:      ip,
	}
}

func (s *session) node() Node {
	ip := s.ep.RemoteAddr()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	s.mut.Lock()
	defer s.mut.Unlock()
	return Node{Name: s.name, Type: s.nodeType, Version: s.version, IP: ip}
}

func (s *session) status() *NodeStatus {
	s.mut.Lock()
	defer s.mut.Unlock()
	return &NodeStatus{
		SyncIntegrityFree:  s.integrityFree,
		LastCheckIntegrity: s.integrityCheck,
		LastSyncIntegrity:  s.integritySync,
		SyncAgentInfoFree:  s.agentInfoFree,
		LastSyncAgentInfo:  s.agentInfoSync,
		LastKeepAlive:      Timestamp(s.ep.LastRequest()),
	}
}

// ConnectedNodes lists the master and the connected workers.
func (m *Master) ConnectedNodes(q NodesQuery) NodesResult {
	nodes := []Node{m.self()}
	m.workers.Range(func(_ string, s *session) bool {
		nodes = append(nodes, s.node())
		return true
	})

	filtered := nodes[:0]
	for _, n := range nodes {
		if !q.FilterNode.Match(n.Name) {
			continue
		}
		if q.FilterType != "" && q.FilterType != "all" && q.FilterType != n.Type {
			continue
		}
		filtered = append(filtered, n)
	}
	sortNodes(filtered, q.Sort)

	res := NodesResult{TotalItems: len(filtered), Items: []Node{}}
	if q.Offset >= len(filtered) {
		return res
	}
	if q.Offset > 0 {
		filtered = filtered[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(filtered) {
		filtered = filtered[:q.Limit]
	}
	res.Items = append(res.Items, filtered...)
	return res
}

func sortNodes(nodes []Node, s *NodesSort) {
	fields := []string{"name"}
	desc := false
	if s != nil {
		if len(s.Fields) > 0 {
			fields = s.Fields
		}
		desc = strings.EqualFold(s.Order, "desc")
	}
	key := func(n Node, field string) string {
		switch field {
		case "type":
			return n.Type
		case "version":
			return n.Version
		case "ip":
			return n.IP
		default:
			return n.Name
		}
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		for _, f := range fields {
			a, b := key(nodes[i], f), key(nodes[j], f)
			if a == b {
				continue
			}
			if desc {
				return a > b
			}
			return a < b
		}
		return false
	})
}

// Health returns the health information of the nodes matching the filter.
// The master is included when the filter is empty or names it.
func (m *Master) Health(filter NodeFilter) (Health, error) {
	h := Health{Nodes: make(map[string]NodeHealth)}
	m.workers.Range(func(name string, s *session) bool {
		if filter.Match(name) {
			h.Nodes[name] = NodeHealth{Info: NodeInfo{Node: s.node()}, Status: s.status()}
		}
		return true
	})
	h.NConnectedNodes = len(h.Nodes)

	self := m.self()
	if filter.Match(self.Name) {
		h.Nodes[self.Name] = NodeHealth{Info: NodeInfo{Node: self}}
	}

	active, err := m.agents.ActiveByNode()
	if err != nil {
		return Health{}, err
	}
	for name, nh := range h.Nodes {
		nh.Info.NActiveAgents = active[name]
		h.Nodes[name] = nh
	}
	return h, nil
}
