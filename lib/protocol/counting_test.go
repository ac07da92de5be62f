// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestTotalInOut(t *testing.T) {
	in0, out0 := TotalInOut()

	var buf bytes.Buffer
	w := &countingWriter{Writer: &buf, idString: "test"}
	if _, err := w.Write([]byte("hello world")); err != nil {
		t.Fatal(err)
	}
	r := &countingReader{Reader: &buf, idString: "test"}
	if _, err := io.ReadAll(r); err != nil {
		t.Fatal(err)
	}

	in1, out1 := TotalInOut()
	if in1-in0 < 11 || out1-out0 < 11 {
		t.Errorf("totals not updated: in %d -> %d, out %d -> %d", in0, in1, out0, out1)
	}
	if w.Tot() != 11 || r.Tot() != 11 {
		t.Errorf("unexpected per connection totals %d, %d", w.Tot(), r.Tot())
	}
}
