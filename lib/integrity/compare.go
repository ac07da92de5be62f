// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"github.com/secmon/clusterd/lib/config"
)

// A Classification is the result of comparing a worker's snapshot against
// the master's.
//
//   - Missing: on the master only; the worker must get them.
//   - Shared: on both with different content; the master's copy wins.
//   - Extra: on the worker only; the worker should remove them.
//   - ExtraValid: on the worker only, in an item whose worker copies the
//     master adopts.
//
// Missing and Shared carry the master's metadata, Extra and ExtraValid the
// worker's.
type Classification struct {
	Missing    Snapshot `json:"missing"`
	Shared     Snapshot `json:"shared"`
	Extra      Snapshot `json:"extra"`
	ExtraValid Snapshot `json:"extra_valid"`
}

// Counts holds the size of each set of a Classification.
type Counts struct {
	Missing    int `json:"missing"`
	Shared     int `json:"shared"`
	Extra      int `json:"extra"`
	ExtraValid int `json:"extra_valid"`
}

// Compare classifies the worker's snapshot against the local one. Items
// determine which worker-only files are extra valid.
func Compare(local, worker Snapshot, items []config.ItemConfiguration) Classification {
	extraValidItems := make(map[string]bool)
	for _, it := range items {
		if it.ExtraValid {
			extraValidItems[it.Key] = true
		}
	}

	c := Classification{
		Missing:    make(Snapshot),
		Shared:     make(Snapshot),
		Extra:      make(Snapshot),
		ExtraValid: make(Snapshot),
	}

	for p, md := range local {
		wmd, ok := worker[p]
		switch {
		case !ok:
			c.Missing[p] = md
		case wmd.Checksum != md.Checksum:
			c.Shared[p] = md
		}
	}

	for p, wmd := range worker {
		if _, ok := local[p]; ok {
			continue
		}
		if extraValidItems[wmd.ItemKey] {
			c.ExtraValid[p] = wmd
		} else {
			c.Extra[p] = wmd
		}
	}

	return c
}

// Empty returns whether the worker is in sync.
func (c Classification) Empty() bool {
	return len(c.Missing) == 0 && len(c.Shared) == 0 && len(c.Extra) == 0 && len(c.ExtraValid) == 0
}

func (c Classification) Counts() Counts {
	return Counts{
		Missing:    len(c.Missing),
		Shared:     len(c.Shared),
		Extra:      len(c.Extra),
		ExtraValid: len(c.ExtraValid),
	}
}
