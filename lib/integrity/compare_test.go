// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"testing"

	"github.com/d4l3k/messagediff"

	"github.com/secmon/clusterd/lib/config"
)

func TestCompareExtra(t *testing.T) {
	local := Snapshot{
		"etc/shared/a": {Checksum: "h1", ItemKey: "etc/shared/"},
		"etc/shared/b": {Checksum: "h2", ItemKey: "etc/shared/"},
	}
	worker := Snapshot{
		"etc/shared/a": {Checksum: "h1", ItemKey: "etc/shared/"},
		"etc/shared/c": {Checksum: "h3", ItemKey: "etc/shared/"},
	}

	c := Compare(local, worker, config.DefaultItems())

	expected := Classification{
		Missing:    Snapshot{"etc/shared/b": local["etc/shared/b"]},
		Shared:     Snapshot{},
		Extra:      Snapshot{"etc/shared/c": worker["etc/shared/c"]},
		ExtraValid: Snapshot{},
	}
	if diff, equal := messagediff.PrettyDiff(expected, c); !equal {
		t.Errorf("Unexpected classification. Diff:\n%s", diff)
	}
	if c.Empty() {
		t.Error("classification should not be empty")
	}
}

func TestCompareExtraValid(t *testing.T) {
	local := Snapshot{
		"queue/agent-groups/a": {Checksum: "h1", ItemKey: "queue/agent-groups/"},
		"queue/agent-groups/b": {Checksum: "h2", ItemKey: "queue/agent-groups/"},
	}
	worker := Snapshot{
		"queue/agent-groups/a": {Checksum: "h1", ItemKey: "queue/agent-groups/"},
		"queue/agent-groups/c": {Checksum: "h3", ItemKey: "queue/agent-groups/"},
	}

	c := Compare(local, worker, config.DefaultItems())

	expected := Classification{
		Missing:    Snapshot{"queue/agent-groups/b": local["queue/agent-groups/b"]},
		Shared:     Snapshot{},
		Extra:      Snapshot{},
		ExtraValid: Snapshot{"queue/agent-groups/c": worker["queue/agent-groups/c"]},
	}
	if diff, equal := messagediff.PrettyDiff(expected, c); !equal {
		t.Errorf("Unexpected classification. Diff:\n%s", diff)
	}
	if counts := c.Counts(); counts != (Counts{Missing: 1, ExtraValid: 1}) {
		t.Errorf("unexpected counts %+v", counts)
	}
}

func TestCompareShared(t *testing.T) {
	local := Snapshot{"etc/rules/local_rules.xml": {Checksum: "new", ItemKey: "etc/rules/"}}
	worker := Snapshot{"etc/rules/local_rules.xml": {Checksum: "old", ItemKey: "etc/rules/"}}

	c := Compare(local, worker, config.DefaultItems())
	if diff, equal := messagediff.PrettyDiff(Snapshot{"etc/rules/local_rules.xml": local["etc/rules/local_rules.xml"]}, c.Shared); !equal {
		t.Errorf("Unexpected shared set. Diff:\n%s", diff)
	}
	if c.Counts() != (Counts{Shared: 1}) {
		t.Errorf("unexpected counts %+v", c.Counts())
	}
}

func TestCompareIdentical(t *testing.T) {
	snap := Snapshot{
		"etc/shared/a":           {Checksum: "h1", ItemKey: "etc/shared/"},
		"queue/agent-groups/001": {Checksum: "h2", ItemKey: "queue/agent-groups/"},
	}
	c := Compare(snap, snap, config.DefaultItems())
	if !c.Empty() {
		t.Errorf("identical snapshots should classify empty, got %+v", c.Counts())
	}
	if !Compare(Snapshot{}, Snapshot{}, nil).Empty() {
		t.Error("empty snapshots should classify empty")
	}
}

func TestUnionAndPaths(t *testing.T) {
	u := Union(Snapshot{"b": {Checksum: "1"}, "a": {Checksum: "1"}}, Snapshot{"b": {Checksum: "2"}, "c": {}})
	if diff, equal := messagediff.PrettyDiff([]string{"a", "b", "c"}, u.Paths()); !equal {
		t.Errorf("Unexpected paths. Diff:\n%s", diff)
	}
	if u["b"].Checksum != "2" {
		t.Error("later snapshot should win")
	}
}
