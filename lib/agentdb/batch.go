// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package agentdb

import (
	"context"
	"time"
)

// A ChunkError is the failure of one chunk of a batch.
type ChunkError struct {
	Index int
	Err   string
}

// BatchResult reports the outcome of ExecChunks.
type BatchResult struct {
	UpdatedChunks int
	ChunkErrors   []ChunkError
	// OtherErrors are failures that stopped the batch.
	OtherErrors []string
	TimeSpent   time.Duration
}

// ExecChunks runs command once per chunk. A failing chunk is recorded and
// the batch goes on; the context ending stops it.
func (s *Store) ExecChunks(ctx context.Context, command string, chunks []string) BatchResult {
	var res BatchResult
	t0 := time.Now()

	for i, chunk := range chunks {
		if ctx.Err() != nil {
			res.OtherErrors = append(res.OtherErrors, "Timeout while processing agent-info chunks.")
			break
		}
		if err := s.Exec(command + " " + chunk); err != nil {
			l.Debugf("chunk %d/%d: %v", i+1, len(chunks), err)
			res.ChunkErrors = append(res.ChunkErrors, ChunkError{Index: i, Err: err.Error()})
			continue
		}
		res.UpdatedChunks++
	}
	res.TimeSpent = time.Since(t0)
	return res
}
