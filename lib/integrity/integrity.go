// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package integrity compares file metadata snapshots between cluster nodes
// and moves the resulting file sets around as compressed bundles.
package integrity

import (
	"path"
	"sort"
	"strings"
)

// FileMetadata describes one synchronized file. Paths are relative to the
// node's root directory, slash separated.
type FileMetadata struct {
	Checksum  string `json:"blake_hash"`
	ModTime   int64  `json:"mod_time"`
	Size      int64  `json:"size"`
	ItemKey   string `json:"cluster_item_key"`
	Merged    bool   `json:"merged"`
	MergeType string `json:"merge_type,omitempty"`
	MergeName string `json:"merge_name,omitempty"`
}

// A Snapshot maps relative path to file metadata. A published snapshot is
// never modified; a new one replaces it.
type Snapshot map[string]FileMetadata

// Paths returns the sorted paths in the snapshot.
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Union returns a new snapshot with the entries of all given snapshots.
// Later snapshots win on conflict.
func Union(snaps ...Snapshot) Snapshot {
	n := 0
	for _, s := range snaps {
		n += len(s)
	}
	res := make(Snapshot, n)
	for _, s := range snaps {
		for p, md := range s {
			res[p] = md
		}
	}
	return res
}

// IsLocal returns whether name is a clean, slash separated path that stays
// below the directory it is relative to.
func IsLocal(name string) bool {
	return name != "" && name != "." && name != ".." &&
		path.Clean(name) == name && !path.IsAbs(name) &&
		!strings.HasPrefix(name, "../") && !strings.Contains(name, "\\")
}
