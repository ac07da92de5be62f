// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/secmon/clusterd/lib/config"
	"github.com/secmon/clusterd/lib/integrity"
	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/protocol"
)

// waitForFile waits for the worker to deliver the task's file. When none
// arrives in time the worker is told to stop sending.
func (s *session) waitForFile(ctx context.Context, t *protocol.Task, tl logger.Logger) (string, error) {
	tl.Debugln("Waiting to receive zip file from worker.")
	filename, err := t.Wait(ctx, s.m.cfg.Communication().TimeoutReceivingFile())
	if errors.Is(err, protocol.ErrTimeout) {
		msg := append([]byte(t.ID+" "), protocol.ErrorToWire(err)...)
		if _, cerr := s.ep.SendRequest(ctx, "cancel_task", msg); cerr != nil {
			tl.Debugf("cancelling task %s on worker: %v", t.ID, cerr)
		}
		return "", err
	} else if err != nil {
		return "", err
	}
	tl.Debugf("Received file from worker: '%s'", filename)
	return filename, nil
}

// syncIntegrity compares the worker's file metadata with the local
// snapshot and pushes the files the worker lacks or has out of date.
func (s *session) syncIntegrity(ctx context.Context, t *protocol.Task) error {
	tl := s.taskLogger(taskIntegrityCheck)
	start := time.Now()
	tl.Infoln("Starting.")

	filename, err := s.waitForFile(ctx, t, tl)
	if err != nil {
		return err
	}
	defer os.Remove(filename)

	// Only the metadata matters; the unpacked files are thrown away.
	tmp, err := os.MkdirTemp(s.abs(s.workDir()), "integrity-")
	if err != nil {
		return err
	}
	var workerSnap integrity.Snapshot
	err = integrity.DecompressFile(filename, tmp, &workerSnap)
	os.RemoveAll(tmp)
	if err != nil {
		return err
	}

	c := integrity.Compare(s.m.LocalSnapshot(), workerSnap, s.items())

	s.mut.Lock()
	s.extraValidRequested = len(c.ExtraValid) > 0
	s.integrityCheck = integrityCheckStatus{Start: Timestamp(start), End: Timestamp(time.Now())}
	s.mut.Unlock()
	metricSyncSeconds.WithLabelValues("integrity_check").Observe(time.Since(start).Seconds())

	if c.Empty() {
		tl.Infof("Finished in %.3fs. Received metadata of %d files. Sync not required.", time.Since(start).Seconds(), len(workerSnap))
		_, err := s.ep.SendRequest(ctx, "syn_m_c_ok", nil)
		return err
	}
	tl.Infof("Finished in %.3fs. Received metadata of %d files. Sync required.", time.Since(start).Seconds(), len(workerSnap))

	s.pushFiles(ctx, c)
	return nil
}

// pushFiles sends the worker a bundle with the master's copy of the
// missing and shared files plus the classification. Failures are reported
// to the worker so it can drop what it received.
func (s *session) pushFiles(ctx context.Context, c integrity.Classification) {
	sl := s.taskLogger(taskIntegritySync)
	sl.Infoln("Starting.")

	s.mut.Lock()
	s.integritySync.tmpStart = time.Now()
	s.integritySync.TotalFiles = c.Counts()
	s.integritySync.TotalExtraValid = 0
	limit := s.zipLimit
	s.mut.Unlock()

	sl.Infof("Files to create in worker: %d | Files to update in worker: %d | Files to delete in worker: %d | Files to receive: %d",
		len(c.Missing), len(c.Shared), len(c.Extra), len(c.ExtraValid))

	sl.Debugln("Compressing files to be synced in worker.")
	rel := path.Join(s.workDir(), fmt.Sprintf("master-%s.tar.lz4", uuid.NewString()))
	root := s.m.cfg.RawCopy().RootDir
	err := s.m.pool.Run(ctx, 0, func(context.Context) error {
		files := integrity.Union(c.Missing, c.Shared).Paths()
		fit, skipped := integrity.Fit(root, files, limit)
		if len(skipped) > 0 {
			sl.Infof("Maximum zip size exceeded. %d files will be synced in a later cycle.", len(skipped))
			c = withoutFiles(c, skipped)
		}
		return integrity.CompressFile(s.abs(rel), root, c, fit)
	})
	if err != nil {
		sl.Errorf("Error compressing files for the worker: %v", err)
		s.finishIntegritySync(sl)
		return
	}
	defer os.Remove(s.abs(rel))

	taskID := "None"
	var sent int64
	var elapsed time.Duration
	err = func() error {
		resp, err := s.ep.SendRequest(ctx, "syn_m_c", nil)
		if err != nil {
			return err
		}
		if bytes.HasPrefix(resp, []byte("Error")) {
			return protocol.NewError(protocol.KindRemote, protocol.CodeSyncError, "%s", resp)
		}
		taskID = string(resp)

		t0 := time.Now()
		sent, err = s.ep.SendFile(ctx, rel, taskID)
		elapsed = time.Since(t0)
		if err != nil {
			return err
		}
		sl.Debugln("Zip with files to be synced sent to worker.")

		resp, err = s.ep.SendRequest(ctx, "syn_m_c_e", []byte(taskID+" "+rel))
		if err != nil {
			return err
		}
		if bytes.HasPrefix(resp, []byte("Error")) {
			return protocol.NewError(protocol.KindRemote, protocol.CodeSyncError, "%s", resp)
		}
		return nil
	}()
	if err != nil {
		s.l.Errorf("Error sending files information: %v", err)
		msg := append([]byte(taskID+" "), protocol.ErrorToWire(err)...)
		if _, rerr := s.ep.SendRequest(ctx, "syn_m_c_r", msg); rerr != nil {
			s.l.Debugf("reporting sync error to worker: %v", rerr)
		}
	}

	interrupted := s.ep.ClearInterrupted(taskID)
	comm := s.m.cfg.Communication()
	s.mut.Lock()
	prev := s.zipLimit
	s.zipLimit = nextZipLimit(comm, prev, interrupted, sent, elapsed)
	cur := s.zipLimit
	s.mut.Unlock()
	metricZipLimit.WithLabelValues(s.Name()).Set(float64(cur))
	switch {
	case cur < prev:
		s.l.Debugf("Decreasing sync size limit to %.2f MB.", float64(cur)/(1<<20))
	case cur > prev:
		s.l.Debugf("Increasing sync size limit to %.2f MB.", float64(cur)/(1<<20))
	}

	sl.Debugln("Finished sending files to worker.")
	s.mut.Lock()
	pending := s.extraValidRequested
	s.mut.Unlock()
	if !pending {
		s.finishIntegritySync(sl)
	}
}

// finishIntegritySync records the end of the integrity sync.
func (s *session) finishIntegritySync(sl logger.Logger) {
	now := time.Now()
	s.mut.Lock()
	start := s.integritySync.tmpStart
	s.integritySync.Start = Timestamp(start)
	s.integritySync.End = Timestamp(now)
	s.mut.Unlock()
	metricSyncSeconds.WithLabelValues("integrity_sync").Observe(now.Sub(start).Seconds())
	sl.Infof("Finished in %.3fs.", now.Sub(start).Seconds())
}

// nextZipLimit adapts the bundle size limit after a push. An interrupted
// push shrinks it below what was sent; a push that finished well within
// the receive timeout grows it. The result is always within the
// configured bounds.
func nextZipLimit(comm config.CommunicationConfiguration, limit int64, interrupted bool, sent int64, elapsed time.Duration) int64 {
	tolerance := comm.ZipLimitTolerance
	switch {
	case interrupted:
		limit = int64(float64(sent) * (1 - tolerance))
	case limit < comm.MaxZipSize && elapsed < time.Duration(float64(comm.TimeoutReceivingFile())*(1-tolerance)):
		limit = int64(float64(limit) / (1 - tolerance))
	}
	if limit < comm.MinZipSize {
		limit = comm.MinZipSize
	}
	if limit > comm.MaxZipSize {
		limit = comm.MaxZipSize
	}
	return limit
}

// withoutFiles returns c without the given files in its missing and
// shared sets.
func withoutFiles(c integrity.Classification, files []string) integrity.Classification {
	res := c
	res.Missing = integrity.Union(c.Missing)
	res.Shared = integrity.Union(c.Shared)
	for _, f := range files {
		delete(res.Missing, f)
		delete(res.Shared, f)
	}
	return res
}
