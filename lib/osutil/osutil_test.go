// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package osutil_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/secmon/clusterd/lib/osutil"
)

func TestSafeMove(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "tmp", "agent-groups-001")
	to := filepath.Join(dir, "queue", "agent-groups", "001")

	if err := os.MkdirAll(filepath.Dir(from), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(from, []byte("default"), 0o600); err != nil {
		t.Fatal(err)
	}

	mtime := time.Date(2021, 5, 3, 10, 0, 0, 0, time.UTC)
	if err := osutil.SafeMove(from, to, 0o640, mtime); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(from); !os.IsNotExist(err) {
		t.Error("source should be gone")
	}
	info, err := os.Stat(to)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Errorf("unexpected permissions %v", info.Mode().Perm())
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("unexpected mtime %v", info.ModTime())
	}
}

func TestAtomicWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.xml")

	w, err := osutil.CreateAtomic(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("<cluster/>")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("final file should not exist before close")
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	bs, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(bs) != "<cluster/>" {
		t.Errorf("unexpected content %q", bs)
	}
	if _, err := w.Write([]byte("more")); err != osutil.ErrClosed {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
}
