// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package build

import (
	"strings"
	"testing"
)

func TestAllowedVersions(t *testing.T) {
	testcases := []struct {
		ver     string
		allowed bool
	}{
		{"v4.3.0", true},
		{"v4.3.0+22-gabcdef0", true},
		{"v4.3.0-beta0", true},
		{"v4.3.0-rc.1", true},
		{"v4.3.0-some-weird-but-allowed-tag", true},
		{"v4.3.0+not.allowed.to.do.this", false},
		{"4.3.0", false},
	}

	for i, c := range testcases {
		if allowed := AllowedVersionExp.MatchString(c.ver); allowed != c.allowed {
			t.Errorf("%d: incorrect result %v != %v for %q", i, allowed, c.allowed, c.ver)
		}
	}
}

func TestLongVersion(t *testing.T) {
	if !strings.Contains(LongVersion, ClusterVersion) {
		t.Errorf("long version %q lacks the cluster protocol version", LongVersion)
	}
}
