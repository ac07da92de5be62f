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
	"sync"

	"github.com/google/uuid"

	"github.com/secmon/clusterd/lib/agentdb"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/protocol"
)

const requestQueueSize = 128

var errQueueFull = protocol.NewError(protocol.KindInternal, protocol.CodeInternal, "request queue full")

type queuedRequest struct {
	worker    string
	requestID string
	request   []byte
}

// A requestQueue runs the requests workers relay to the master, one at a
// time, and routes each result back to the requesting worker under the
// worker's request ID.
type requestQueue struct {
	m       *Master
	l       logger.Logger
	command string // prefix of the response commands, at most 7 bytes
	handler RequestHandler
	queue   chan queuedRequest
}

func newRequestQueue(m *Master, name, command string, handler RequestHandler) *requestQueue {
	return &requestQueue{
		m:       m,
		l:       logger.Tagged(m.l, name),
		command: command,
		handler: handler,
		queue:   make(chan queuedRequest, requestQueueSize),
	}
}

// add enqueues "requestID request" received from the named worker.
func (q *requestQueue) add(worker string, data []byte) error {
	reqID, request, ok := bytes.Cut(data, []byte(" "))
	if !ok || len(reqID) == 0 {
		return protocol.NewError(protocol.KindProtocol, protocol.CodeProtocolViolation, "invalid %s request %q", q.command, data)
	}
	select {
	case q.queue <- queuedRequest{worker: worker, requestID: string(reqID), request: request}:
		return nil
	default:
		return errQueueFull
	}
}

func (q *requestQueue) serve(ctx context.Context) error {
	for {
		select {
		case req := <-q.queue:
			q.process(ctx, req)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *requestQueue) process(ctx context.Context, req queuedRequest) {
	s, ok := q.m.worker(req.worker)
	if !ok {
		q.l.Infof("Dropping request %s, worker %s is no longer connected", req.requestID, req.worker)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, q.m.cfg.Communication().TimeoutDAPIRequest())
	res, err := q.handler(hctx, req.request)
	cancel()

	if err == nil {
		var id []byte
		id, err = s.ep.SendString(ctx, res)
		if err == nil {
			_, err = s.ep.SendRequest(ctx, q.command+"_res", []byte(req.requestID+" "+string(id)))
			if err != nil {
				q.l.Errorf("Error sending response to worker %s: %v", req.worker, err)
			}
			return
		}
	}

	q.l.Debugf("request %s from %s failed: %v", req.requestID, req.worker, err)
	msg := append([]byte(req.requestID+" "), protocol.ErrorToWire(err)...)
	if _, serr := s.ep.SendRequest(ctx, q.command+"_err", msg); serr != nil {
		q.l.Errorf("Error sending error response to worker %s: %v", req.worker, serr)
	}
}

// A pendingRequest is a request forwarded to a worker, waiting for the
// worker's dapi_res or dapi_err.
type pendingRequest struct {
	done chan struct{}
	once sync.Once
	res  []byte
	err  error
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{done: make(chan struct{})}
}

func (p *pendingRequest) complete(res []byte, err error) {
	p.once.Do(func() {
		p.res, p.err = res, err
		close(p.done)
	})
}

// Forward sends request to the named worker's API and waits for the
// response, for at most the DAPI request timeout unless waitForComplete
// is set.
func (m *Master) Forward(ctx context.Context, worker string, request []byte, waitForComplete bool) ([]byte, error) {
	s, ok := m.worker(worker)
	if !ok {
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CodeUnknownNode, "unknown node %s", worker)
	}

	reqID := uuid.NewString()
	pr := newPendingRequest()
	m.pending.Store(reqID, pr)
	metricPendingRequests.Inc()
	defer func() {
		m.pending.Delete(reqID)
		metricPendingRequests.Dec()
	}()

	if !waitForComplete {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Communication().TimeoutDAPIRequest())
		defer cancel()
	}

	if _, err := s.ep.SendRequest(ctx, "dapi", append([]byte(reqID+" "), request...)); err != nil {
		return nil, err
	}

	select {
	case <-pr.done:
		return pr.res, pr.err
	case <-s.ep.Closed():
		return nil, protocol.ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, protocol.NewError(protocol.KindTimeout, protocol.CodeTimeout, "timeout waiting for response to request %s from %s", reqID, worker)
		}
		return nil, ctx.Err()
	}
}

// localRequest is a request to the master's own API.
type localRequest struct {
	Function string          `json:"f"`
	Args     json.RawMessage `json:"f_kwargs"`
}

// handleLocalAPI serves the requests workers relay to the master when no
// API handler is configured. It knows the cluster queries only.
func (m *Master) handleLocalAPI(_ context.Context, request []byte) ([]byte, error) {
	var req localRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "invalid API request: %v", err)
	}
	args := req.Args
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("null")
	}

	switch req.Function {
	case "get_nodes":
		var q NodesQuery
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "get_nodes: %v", err)
		}
		return json.Marshal(m.ConnectedNodes(q))
	case "get_health":
		var filter NodeFilter
		if err := json.Unmarshal(args, &filter); err != nil {
			return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "get_health: %v", err)
		}
		h, err := m.Health(filter)
		if err != nil {
			return nil, err
		}
		return json.Marshal(h)
	default:
		return nil, protocol.NewError(protocol.KindUnknownCommand, protocol.CodeUnknownCommand, "unknown API function %q", req.Function)
	}
}

// sendSyncRequest is a message for a local daemon.
type sendSyncRequest struct {
	Daemon  string `json:"daemon_name"`
	Message string `json:"message"`
}

// handleSendSync serves send-sync requests when no handler is configured.
// Messages for the agent database are executed on it.
func (m *Master) handleSendSync(_ context.Context, request []byte) ([]byte, error) {
	var req sendSyncRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "invalid send-sync request: %v", err)
	}
	if req.Daemon != agentdb.DaemonName {
		return nil, protocol.NewError(protocol.KindNotFound, protocol.CodeUnknownRequest, "unknown daemon %q", req.Daemon)
	}
	if err := m.agents.Exec(req.Message); err != nil {
		return nil, err
	}
	return []byte(`{"error":0,"message":"ok"}`), nil
}
