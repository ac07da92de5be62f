// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestAPI(t *testing.T) {
	l := NewWithWriter(new(bytes.Buffer))
	l.SetFlags(0)

	debug := 0
	l.AddHandler(LevelDebug, checkFunc(t, LevelDebug, &debug))
	info := 0
	l.AddHandler(LevelInfo, checkFunc(t, LevelInfo, &info))
	errs := 0
	l.AddHandler(LevelError, checkFunc(t, LevelError, &errs))

	l.Debugf("test %d", 0)
	l.Debugln("test", 0)
	l.Infof("test %d", 1)
	l.Infoln("test", 1)
	l.Warnf("test %d", 3)
	l.Errorf("test %d", 4)
	l.Errorln("test", 4)

	if debug != 7 {
		t.Errorf("Debug handler called %d != 7 times", debug)
	}
	if info != 5 {
		t.Errorf("Info handler called %d != 5 times", info)
	}
	if errs != 2 {
		t.Errorf("Error handler called %d != 2 times", errs)
	}
}

func checkFunc(t *testing.T, expectl LogLevel, counter *int) func(LogLevel, string) {
	return func(l LogLevel, msg string) {
		*counter++
		if l < expectl {
			t.Errorf("Incorrect message level %d < %d", l, expectl)
		}
	}
}

func TestFacilityDebugging(t *testing.T) {
	out := new(bytes.Buffer)
	l := NewWithWriter(out)

	foo := l.NewFacility("foo", "foo facility")
	bar := l.NewFacility("bar", "bar facility")

	l.SetDebug("foo", true)

	foo.Debugln("foo line")
	bar.Debugln("bar line")

	res := out.String()
	if !strings.Contains(res, "foo line") {
		t.Error("Missing foo debug line")
	}
	if strings.Contains(res, "bar line") {
		t.Error("Unexpected bar debug line")
	}
}

func TestTagged(t *testing.T) {
	out := new(bytes.Buffer)
	l := NewWithWriter(out)
	l.SetFlags(0)

	worker := Tagged(l, "Worker worker1")
	task := Tagged(worker, "Integrity sync")

	task.Infof("Finished in %.3fs.", 1.5)
	task.Errorln("something", "failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %q", out.String())
	}
	if lines[0] != "INFO: [Worker worker1] [Integrity sync] Finished in 1.500s." {
		t.Errorf("unexpected line %q", lines[0])
	}
	if lines[1] != "ERROR: [Worker worker1] [Integrity sync] something failed" {
		t.Errorf("unexpected line %q", lines[1])
	}
}

func TestTaggedDebugFollowsFacility(t *testing.T) {
	out := new(bytes.Buffer)
	l := NewWithWriter(out)
	tagged := Tagged(l.NewFacility("master", "master node"), "Worker worker1")

	tagged.Debugln("hidden")
	if out.Len() != 0 {
		t.Fatalf("debug line logged for a disabled facility: %q", out.String())
	}

	l.SetDebug("master", true)
	tagged.Debugf("shown %d", 1)
	if !strings.Contains(out.String(), "DEBUG: [Worker worker1] shown 1") {
		t.Errorf("missing tagged debug line in %q", out.String())
	}
	if _, ok := l.Facilities()["master"]; !ok {
		t.Error("facility not registered")
	}
}

func TestRecorder(t *testing.T) {
	l := NewWithWriter(new(bytes.Buffer))
	r := NewRecorder(l, LevelInfo, 3, 0)

	l.Debugln("hidden")
	l.Infoln("one")
	l.Infoln("two")
	l.Warnln("three")
	l.Errorln("four")

	lines := r.Since(time.Time{})
	if len(lines) != 3 {
		t.Fatalf("expected three lines, got %d", len(lines))
	}
	if lines[0].Message != "two" || lines[2].Message != "four" {
		t.Errorf("unexpected lines %v", lines)
	}
	if lines[2].Level != LevelError {
		t.Errorf("unexpected level %d", lines[2].Level)
	}
}
