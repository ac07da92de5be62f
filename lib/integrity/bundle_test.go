// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/d4l3k/messagediff"
	lz4 "github.com/pierrec/lz4/v4"
)

func writeFile(t *testing.T, root, name, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBundleRoundtrip(t *testing.T) {
	root, dir := t.TempDir(), t.TempDir()
	writeFile(t, root, "etc/shared/default/agent.conf", "<agent_config/>")
	writeFile(t, root, "etc/rules/local_rules.xml", "<group name=\"local\"/>")

	c := Classification{
		Missing: Snapshot{"etc/shared/default/agent.conf": {Checksum: "h1", ItemKey: "etc/shared/"}},
		Shared:  Snapshot{"etc/rules/local_rules.xml": {Checksum: "h2", ItemKey: "etc/rules/"}},
	}
	files := Union(c.Missing, c.Shared).Paths()

	var buf bytes.Buffer
	if err := Compress(&buf, root, c, files); err != nil {
		t.Fatal(err)
	}

	var got Classification
	if err := Decompress(&buf, dir, &got); err != nil {
		t.Fatal(err)
	}
	if diff, equal := messagediff.PrettyDiff(c, got); !equal {
		t.Errorf("Metadata differs. Diff:\n%s", diff)
	}
	for _, name := range files {
		want, _ := os.ReadFile(filepath.Join(root, name))
		have, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(want, have) {
			t.Errorf("%s differs after roundtrip", name)
		}
	}
}

func TestBundleFiles(t *testing.T) {
	root, dir := t.TempDir(), t.TempDir()
	writeFile(t, root, "etc/shared/a.conf", "abc")

	src := filepath.Join(t.TempDir(), "bundle.tar.lz4")
	md := Snapshot{"etc/shared/a.conf": {Checksum: "x"}}
	if err := CompressFile(src, root, md, []string{"etc/shared/a.conf"}); err != nil {
		t.Fatal(err)
	}
	var got Snapshot
	if err := DecompressFile(src, dir, &got); err != nil {
		t.Fatal(err)
	}
	if got["etc/shared/a.conf"].Checksum != "x" {
		t.Errorf("unexpected metadata %v", got)
	}

	if err := CompressFile(filepath.Join(t.TempDir(), "x"), root, md, []string{"missing"}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestBundleWithoutMetadata(t *testing.T) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	if err := tw.WriteHeader(&tar.Header{Name: "etc/shared/a.conf", Mode: 0o600, Size: 3, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	var md Snapshot
	if err := Decompress(&buf, t.TempDir(), &md); !errors.Is(err, errNoMetadata) {
		t.Errorf("expected missing metadata error, got %v", err)
	}
}

func TestBundleRejectsEscapingNames(t *testing.T) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	if err := tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0o600, Size: 1, Typeflag: tar.TypeReg}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	zw.Close()

	var md Snapshot
	if err := Decompress(&buf, t.TempDir(), &md); !errors.Is(err, errBadEntry) {
		t.Errorf("expected bad entry error, got %v", err)
	}
}

func TestFit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a", "1234567890")
	writeFile(t, root, "b", "12345")
	writeFile(t, root, "c", "123")

	fit, skipped := Fit(root, []string{"a", "b", "c", "gone"}, 14)
	if diff, equal := messagediff.PrettyDiff([]string{"a", "c"}, fit); !equal {
		t.Errorf("Unexpected fit. Diff:\n%s", diff)
	}
	if diff, equal := messagediff.PrettyDiff([]string{"b", "gone"}, skipped); !equal {
		t.Errorf("Unexpected skipped. Diff:\n%s", diff)
	}
}

func TestMergedRoundtrip(t *testing.T) {
	mtime := time.Date(2022, 3, 1, 12, 30, 0, 123456000, time.UTC)
	entries := []MergedEntry{
		{Name: "001", Data: []byte("default"), ModTime: mtime},
		{Name: "002", Data: []byte("default,dmz\n"), ModTime: mtime.Add(time.Hour)},
		{Name: "003", Data: nil, ModTime: mtime},
	}

	var buf bytes.Buffer
	if err := Merge(&buf, entries); err != nil {
		t.Fatal(err)
	}
	got, err := Unmerge(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].Name != entries[i].Name || !bytes.Equal(got[i].Data, entries[i].Data) || !got[i].ModTime.Equal(entries[i].ModTime) {
			t.Errorf("entry %d differs: %+v", i, got[i])
		}
	}
	if p := got[0].Path("agent-groups"); p != "queue/agent-groups/001" {
		t.Errorf("unexpected path %q", p)
	}

	if err := Merge(&buf, []MergedEntry{{Name: "../x"}}); err == nil {
		t.Error("expected error for bad entry name")
	}
	if _, err := Unmerge(bytes.NewReader([]byte("!10 001 2022-03-01 12:30:00+0000\nshort"))); err == nil {
		t.Error("expected error for truncated entry")
	}
}
