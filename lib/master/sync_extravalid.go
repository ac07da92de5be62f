// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package master

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/secmon/clusterd/lib/integrity"
	"github.com/secmon/clusterd/lib/protocol"
)

// syncExtraValid adopts the worker's copy of the extra valid files. The
// integrity lock held since the integrity check is released when the task
// ends.
func (s *session) syncExtraValid(ctx context.Context, t *protocol.Task) error {
	sl := s.taskLogger(taskIntegritySync)

	filename, err := s.waitForFile(ctx, t, sl)
	if err != nil {
		return err
	}
	defer os.Remove(filename)

	tmp, err := os.MkdirTemp(s.abs(s.workDir()), "extra-valid-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	var metadata integrity.Snapshot
	if err := integrity.DecompressFile(filename, tmp, &metadata); err != nil {
		return err
	}

	raw := s.m.cfg.RawCopy()
	applier := integrity.Applier{
		Root:           raw.RootDir,
		WorkDir:        filepath.Join(tmp, "unmerged"),
		Items:          raw.Items,
		ProtectedFile:  raw.ProtectedFile,
		ExtraValidOnly: true,
	}
	var res integrity.ApplyResult
	err = s.m.pool.Run(ctx, raw.Master.TimeoutExtraValid(), func(ctx context.Context) error {
		res = applier.Apply(ctx, metadata, tmp)
		return nil
	})
	for _, msg := range res.GenericErrors {
		sl.Errorln(msg)
	}
	for key, errs := range res.ErrorsPerItem {
		sl.Errorf("Errors updating worker files (extra valid) in %s: %v", key, errs)
	}
	if err != nil {
		return protocol.NewError(protocol.KindPoolTask, protocol.CodeExtraValid, "error updating worker files (extra valid): %v", err)
	}
	sl.Debugf("%d extra valid files updated from worker.", res.TotalUpdated)

	s.mut.Lock()
	s.integritySync.TotalExtraValid = res.TotalUpdated
	if s.integritySync.tmpStart.IsZero() {
		s.integritySync.tmpStart = time.Now()
	}
	s.mut.Unlock()
	s.finishIntegritySync(sl)
	return nil
}
