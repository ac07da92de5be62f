// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/secmon/clusterd/lib/build"
	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/integrity"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/protocol"
)

const (
	taskIntegrityCheck = "Integrity check"
	taskIntegritySync  = "Integrity sync"
	taskAgentInfoSync  = "Agent-info sync"
	taskLocalIntegrity = "Local integrity"
)

var errNoHello = protocol.NewError(protocol.KindPermissionDenied, protocol.CodePermissionDenied, "hello required first")

// A session is the master's side of one worker connection.
type session struct {
	m  *Master
	ep *protocol.Endpoint
	l  logger.Logger

	mut         sync.Mutex // protects everything below
	name        string
	clusterName string
	nodeType    string
	version     string
	helloDone   bool
	taskLoggers map[string]logger.Logger

	integrityFree        bool
	integrityLockedSince time.Time
	agentInfoFree        bool
	extraValidRequested  bool
	zipLimit             int64

	integrityCheck integrityCheckStatus
	integritySync  integritySyncStatus
	agentInfoSync  agentInfoSyncStatus
}

type integrityCheckStatus struct {
	Start Timestamp `json:"date_start_master"`
	End   Timestamp `json:"date_end_master"`
}

type integritySyncStatus struct {
	Start           Timestamp        `json:"date_start_master"`
	End             Timestamp        `json:"date_end_master"`
	TotalExtraValid int              `json:"total_extra_valid"`
	TotalFiles      integrity.Counts `json:"total_files"`

	tmpStart time.Time
}

type agentInfoSyncStatus struct {
	Start         Timestamp `json:"date_start_master"`
	End           Timestamp `json:"date_end_master"`
	NSyncedChunks int       `json:"n_synced_chunks"`
}

func newSession(m *Master) *session {
	return &session{
		m:             m,
		l:             logger.Tagged(l, "Worker"),
		taskLoggers:   make(map[string]logger.Logger),
		integrityFree: true,
		agentInfoFree: true,
		zipLimit:      m.cfg.Communication().MaxZipSize,
	}
}

func (s *session) handlers() map[string]protocol.HandlerFunc {
	return map[string]protocol.HandlerFunc{
		"hello":       s.handleHello,
		"keepalive":   s.handleKeepAlive,
		"syn_i_w_m_p": s.requireHello(s.handleIntegrityPermission),
		"syn_a_w_m_p": s.requireHello(s.handleAgentInfoPermission),
		"syn_i_w_m":   s.requireHello(s.handleBeginIntegrity),
		"syn_e_w_m":   s.requireHello(s.handleBeginExtraValid),
		"syn_a_w_m":   s.requireHello(s.handleBeginAgentInfo),
		"syn_i_w_m_e": s.requireHello(s.handleFileReceived),
		"syn_e_w_m_e": s.requireHello(s.handleFileReceived),
		"syn_i_w_m_r": s.requireHello(s.handleSyncError),
		"dapi":        s.requireHello(s.handleDAPI),
		"dapi_res":    s.requireHello(s.handleDAPIResponse),
		"dapi_err":    s.requireHello(s.handleDAPIError),
		"sendsync":    s.requireHello(s.handleSendSync),
		"get_nodes":   s.requireHello(s.handleGetNodes),
		"get_health":  s.requireHello(s.handleGetHealth),
	}
}

func (s *session) requireHello(h protocol.HandlerFunc) protocol.HandlerFunc {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		s.mut.Lock()
		ok := s.helloDone
		s.mut.Unlock()
		if !ok {
			return nil, errNoHello
		}
		return h(ctx, data)
	}
}

// Name returns the worker name, empty before hello.
func (s *session) Name() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.name
}

func (s *session) taskLogger(task string) logger.Logger {
	s.mut.Lock()
	defer s.mut.Unlock()
	if tl, ok := s.taskLoggers[task]; ok {
		return tl
	}
	return s.l
}

// workDir is the worker's directory for bundles, relative to the root.
func (s *session) workDir() string {
	return path.Join("queue", "cluster", s.Name())
}

func (s *session) abs(rel string) string {
	return filepath.Join(s.m.cfg.RawCopy().RootDir, filepath.FromSlash(rel))
}

// handleHello registers the worker: "name cluster nodeType version".
// Any mismatch is answered and then closes the connection.
func (s *session) handleHello(_ context.Context, data []byte) ([]byte, error) {
	fields := strings.Split(string(data), " ")
	if len(fields) != 4 {
		return nil, protocol.CloseAfterReply(protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "invalid hello %q", data))
	}
	name, clusterName, nodeType, version := fields[0], fields[1], fields[2], fields[3]

	s.mut.Lock()
	done := s.helloDone
	s.mut.Unlock()
	if done {
		return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "hello already received")
	}

	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return nil, protocol.CloseAfterReply(protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "invalid worker name %q", name))
	}
	raw := s.m.cfg.RawCopy()
	if clusterName != raw.Name {
		return nil, protocol.CloseAfterReply(protocol.NewError(protocol.KindNameMismatch, protocol.CodeNameMismatch, "worker %s belongs to cluster %s, not %s", name, clusterName, raw.Name))
	}
	if version != build.ClusterVersion {
		return nil, protocol.CloseAfterReply(protocol.NewError(protocol.KindVersionMismatch, protocol.CodeVersionMismatch, "worker %s runs version %s, master runs %s", name, version, build.ClusterVersion))
	}
	if err := s.m.addWorker(name, s); err != nil {
		return nil, protocol.CloseAfterReply(err)
	}

	wl := logger.Tagged(l, "Worker "+name)
	s.mut.Lock()
	s.name, s.clusterName, s.nodeType, s.version = name, clusterName, nodeType, version
	s.l = wl
	for _, task := range []string{taskIntegrityCheck, taskIntegritySync, taskAgentInfoSync} {
		s.taskLoggers[task] = logger.Tagged(wl, task)
	}
	s.helloDone = true
	zipLimit := s.zipLimit
	s.mut.Unlock()
	metricZipLimit.WithLabelValues(name).Set(float64(zipLimit))

	if err := os.MkdirAll(s.abs(s.workDir()), 0o770); err != nil {
		s.m.removeWorker(name, s)
		return nil, protocol.CloseAfterReply(err)
	}

	wl.Infof("Connected from %s (%s, version %s)", s.ep.RemoteAddr(), nodeType, version)
	return []byte("Client " + name + " added"), nil
}

func (s *session) handleKeepAlive(context.Context, []byte) ([]byte, error) {
	return []byte("OK-Keepalive"), nil
}

// handleIntegrityPermission answers whether the worker may start an
// integrity check. Each worker gets one chance per local integrity cycle.
func (s *session) handleIntegrityPermission(context.Context, []byte) ([]byte, error) {
	if !s.m.markChecked(s.Name()) {
		return []byte("False"), nil
	}
	return boolBytes(s.integrityPermission(time.Now())), nil
}

// integrityPermission returns whether the integrity lock is free,
// releasing it first when it has been held for too long.
func (s *session) integrityPermission(now time.Time) bool {
	maxLocked := s.m.cfg.Master().MaxLockedIntegrityTime()

	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.integrityFree && now.Sub(s.integrityLockedSince) > maxLocked {
		s.l.Warnf("Automatically releasing Integrity check permissions flag after being locked out for more than %v.", maxLocked)
		s.integrityFree = true
		s.integrityLockedSince = now
	}
	return s.integrityFree
}

func (s *session) handleAgentInfoPermission(context.Context, []byte) ([]byte, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return boolBytes(s.agentInfoFree), nil
}

func (s *session) handleBeginIntegrity(context.Context, []byte) ([]byte, error) {
	s.mut.Lock()
	if !s.integrityFree {
		s.mut.Unlock()
		return nil, protocol.NewError(protocol.KindPermissionDenied, protocol.CodePermissionDenied, "integrity synchronization already in progress")
	}
	s.integrityFree = false
	s.integrityLockedSince = time.Now()
	s.mut.Unlock()

	t, err := s.ep.Registry().StartTask("", s.taskLogger(taskIntegrityCheck), s.syncIntegrity, func(error) {
		s.mut.Lock()
		defer s.mut.Unlock()
		if !s.extraValidRequested {
			s.integrityFree = true
		}
	})
	if err != nil {
		s.releaseIntegrity()
		return nil, err
	}
	return []byte(t.ID), nil
}

func (s *session) handleBeginExtraValid(context.Context, []byte) ([]byte, error) {
	t, err := s.ep.Registry().StartTask("", s.taskLogger(taskIntegritySync), s.syncExtraValid, func(error) {
		s.mut.Lock()
		defer s.mut.Unlock()
		s.extraValidRequested = false
		s.integrityFree = true
	})
	if err != nil {
		s.mut.Lock()
		s.extraValidRequested = false
		s.mut.Unlock()
		s.releaseIntegrity()
		return nil, err
	}
	return []byte(t.ID), nil
}

// handleBeginAgentInfo starts processing the agent information the worker
// sent as a string; the payload is the string ID.
func (s *session) handleBeginAgentInfo(_ context.Context, data []byte) ([]byte, error) {
	stringID := string(data)
	if stringID == "" {
		return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "agent-info sync without string ID")
	}

	s.mut.Lock()
	if !s.agentInfoFree {
		s.mut.Unlock()
		return nil, protocol.NewError(protocol.KindPermissionDenied, protocol.CodePermissionDenied, "agent-info synchronization already in progress")
	}
	s.agentInfoFree = false
	s.mut.Unlock()

	reg := s.ep.Registry()
	t, err := reg.StartTask(stringID, s.taskLogger(taskAgentInfoSync), s.syncAgentInfo, func(error) {
		reg.DropString(stringID)
		s.mut.Lock()
		s.agentInfoFree = true
		s.mut.Unlock()
	})
	if err != nil {
		s.mut.Lock()
		s.agentInfoFree = true
		s.mut.Unlock()
		return nil, err
	}
	return []byte(t.ID), nil
}

func (s *session) releaseIntegrity() {
	s.mut.Lock()
	s.integrityFree = true
	s.mut.Unlock()
}

// handleFileReceived hands a received file, "taskID relpath", to its task.
// A file for an unknown task is removed.
func (s *session) handleFileReceived(_ context.Context, data []byte) ([]byte, error) {
	taskID, name, ok := strings.Cut(string(data), " ")
	if !ok || !integrity.IsLocal(name) {
		return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "invalid file received notice %q", data)
	}

	t, ok := s.ep.Registry().Task(taskID)
	if !ok {
		if err := os.Remove(s.abs(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.l.Errorf("Attempt to delete file %s failed: %v", name, err)
		}
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CodeUnknownTask, "unknown task %s", taskID)
	}
	t.Deliver(s.abs(name))
	return []byte("File correctly received"), nil
}

// handleSyncError processes "taskID json", an error the worker hit while
// sending a file for the task. It releases the integrity lock.
func (s *session) handleSyncError(_ context.Context, data []byte) ([]byte, error) {
	taskID, details, _ := bytes.Cut(data, []byte(" "))
	rerr := protocol.ErrorFromWire(details)

	s.releaseIntegrity()

	t, ok := s.ep.Registry().Task(string(taskID))
	if !ok {
		s.l.Errorf("Error in synchronization process: %v", rerr)
		return []byte("Error received"), nil
	}
	if fn := t.Filename(); fn != "" {
		if err := os.Remove(fn); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.l.Errorf("Attempt to delete file %s failed: %v", fn, err)
		}
	}
	t.Fail(rerr)
	return []byte("Error received"), nil
}

func (s *session) handleDAPI(_ context.Context, data []byte) ([]byte, error) {
	if err := s.m.dapi.add(s.Name(), data); err != nil {
		return nil, err
	}
	return []byte("Added request to API requests queue"), nil
}

func (s *session) handleSendSync(_ context.Context, data []byte) ([]byte, error) {
	if err := s.m.sendsync.add(s.Name(), data); err != nil {
		return nil, err
	}
	return []byte("Added request to SendSync requests queue"), nil
}

// handleDAPIResponse completes a forwarded request, "requestID stringID",
// with the string the worker sent.
func (s *session) handleDAPIResponse(_ context.Context, data []byte) ([]byte, error) {
	reqID, stringID, ok := strings.Cut(string(data), " ")
	if !ok {
		return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "invalid dapi_res %q", data)
	}
	pr, ok := s.m.pending.Load(reqID)
	if !ok {
		s.ep.Registry().DropString(stringID)
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CodeUnknownRequest, "unknown request %s", reqID)
	}
	res, err := s.ep.Registry().TakeString(stringID)
	pr.complete(res, err)
	return []byte("Forwarded response"), nil
}

// handleDAPIError completes a forwarded request, "requestID json", with
// the error the worker reported.
func (s *session) handleDAPIError(_ context.Context, data []byte) ([]byte, error) {
	reqID, details, _ := bytes.Cut(data, []byte(" "))
	pr, ok := s.m.pending.Load(string(reqID))
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CodeUnknownRequest, "unknown request %s", reqID)
	}
	pr.complete(nil, protocol.ErrorFromWire(details))
	return []byte("DAPI error received"), nil
}

func (s *session) handleGetNodes(_ context.Context, data []byte) ([]byte, error) {
	var q NodesQuery
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "get_nodes: %v", err)
		}
	}
	return json.Marshal(s.m.ConnectedNodes(q))
}

func (s *session) handleGetHealth(_ context.Context, data []byte) ([]byte, error) {
	var filter NodeFilter
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &filter); err != nil {
			return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "get_health: %v", err)
		}
	}
	h, err := s.m.Health(filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(h)
}

// connectionLost removes the worker. The endpoint has already cancelled
// the session's tasks.
func (s *session) connectionLost(err error) {
	s.m.sessions.Delete(s)
	name := s.Name()
	if name == "" {
		l.Debugf("connection from %s closed before hello: %v", s.ep.RemoteAddr(), err)
		return
	}
	s.m.removeWorker(name, s)
	metricZipLimit.DeleteLabelValues(name)
	s.l.Infof("Connection closed (%v). Cancelling pending tasks.", err)
}

// items returns the configured cluster items.
func (s *session) items() []config.ItemConfiguration {
	return s.m.cfg.Items()
}

func boolBytes(b bool) []byte {
	if b {
		return []byte("True")
	}
	return []byte("False")
}
