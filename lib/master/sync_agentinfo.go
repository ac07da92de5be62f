// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"context"
	"encoding/json"
	"time"

	"github.com/secmon/clusterd/lib/agentdb"
	"github.com/secmon/clusterd/lib/protocol"
)

// agentInfoPayload is the string a worker sends for an agent-info sync.
type agentInfoPayload struct {
	Command string   `json:"set_data_command"`
	Chunks  []string `json:"chunks"`
}

// agentInfoResult is reported back to the worker.
type agentInfoResult struct {
	UpdatedChunks int      `json:"updated_chunks"`
	ErrorMessages []string `json:"error_messages"`
	TimeSpent     float64  `json:"time_spent"`
}

// syncAgentInfo writes the agent information the worker sent, stored
// under the task's ID as a string, to the agent database.
func (s *session) syncAgentInfo(ctx context.Context, t *protocol.Task) error {
	al := s.taskLogger(taskAgentInfoSync)
	al.Infoln("Starting.")
	start := time.Now()

	fail := func(err error) error {
		if _, serr := s.ep.SendRequest(ctx, "syn_m_a_err", protocol.ErrorToWire(err)); serr != nil {
			al.Debugf("reporting agent-info error to worker: %v", serr)
		}
		return err
	}

	data, err := s.ep.Registry().TakeString(t.ID)
	if err != nil {
		return fail(protocol.NewError(protocol.KindNotFound, protocol.CodeStringNotFound, "agent-info string %s: %v", t.ID, err))
	}
	var payload agentInfoPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fail(protocol.NewError(protocol.KindProtocol, protocol.CodeInvalidJSON, "error while trying to load JSON: %v", err))
	}
	command := payload.Command
	if command == "" {
		command = agentdb.SyncAgentInfoCommand
	}

	var res agentdb.BatchResult
	err = s.m.pool.Run(ctx, s.m.cfg.Master().TimeoutAgentInfo(), func(ctx context.Context) error {
		res = s.m.agents.ExecChunks(ctx, command, payload.Chunks)
		return nil
	})
	if err != nil {
		return fail(protocol.NewError(protocol.KindPoolTask, protocol.CodePoolTask, "error processing agent-info chunks in process pool: %v", err))
	}

	for _, msg := range res.OtherErrors {
		al.Errorln(msg)
	}
	result := agentInfoResult{
		UpdatedChunks: res.UpdatedChunks,
		ErrorMessages: make([]string, 0, len(res.ChunkErrors)),
		TimeSpent:     res.TimeSpent.Seconds(),
	}
	for _, ce := range res.ChunkErrors {
		al.Errorf("Agent database response for chunk %d/%d was not ok: %s", ce.Index+1, len(payload.Chunks), ce.Err)
		result.ErrorMessages = append(result.ErrorMessages, ce.Err)
	}
	al.Debugf("%d/%d chunks updated in agent database in %.3fs.", res.UpdatedChunks, len(payload.Chunks), res.TimeSpent.Seconds())

	bs, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = s.ep.SendRequest(ctx, "syn_m_a_e", bs)

	end := time.Now()
	s.mut.Lock()
	s.agentInfoSync = agentInfoSyncStatus{
		Start:         Timestamp(start),
		End:           Timestamp(end),
		NSyncedChunks: res.UpdatedChunks,
	}
	s.mut.Unlock()
	metricSyncSeconds.WithLabelValues("agent_info_sync").Observe(end.Sub(start).Seconds())
	al.Infof("Finished in %.3fs. Updated %d chunks.", end.Sub(start).Seconds(), res.UpdatedChunks)
	return err
}
