// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"fmt"
	"strings"
)

// Tagged returns a Logger that prefixes every message with the given tags,
// each in brackets, e.g. "[Worker worker1] [Integrity sync] Starting.".
// Debug output is still governed by the facility of the wrapped logger.
func Tagged(l Logger, tags ...string) Logger {
	if tl, ok := l.(*taggedLogger); ok {
		return &taggedLogger{
			Logger: tl.Logger,
			prefix: tl.prefix + bracket(tags),
		}
	}
	return &taggedLogger{
		Logger: l,
		prefix: bracket(tags),
	}
}

func bracket(tags []string) string {
	var sb strings.Builder
	for _, t := range tags {
		if t == "" {
			continue
		}
		sb.WriteString("[")
		sb.WriteString(t)
		sb.WriteString("] ")
	}
	return sb.String()
}

type taggedLogger struct {
	Logger
	prefix string
}

func (t *taggedLogger) Debugln(vals ...interface{}) {
	t.Logger.Debugf("%s%s", t.prefix, strings.TrimSuffix(fmt.Sprintln(vals...), "\n"))
}

func (t *taggedLogger) Debugf(format string, vals ...interface{}) {
	t.Logger.Debugf("%s%s", t.prefix, fmt.Sprintf(format, vals...))
}

func (t *taggedLogger) Infoln(vals ...interface{}) {
	t.Logger.Infof("%s%s", t.prefix, strings.TrimSuffix(fmt.Sprintln(vals...), "\n"))
}

func (t *taggedLogger) Infof(format string, vals ...interface{}) {
	t.Logger.Infof("%s%s", t.prefix, fmt.Sprintf(format, vals...))
}

func (t *taggedLogger) Warnln(vals ...interface{}) {
	t.Logger.Warnf("%s%s", t.prefix, strings.TrimSuffix(fmt.Sprintln(vals...), "\n"))
}

func (t *taggedLogger) Warnf(format string, vals ...interface{}) {
	t.Logger.Warnf("%s%s", t.prefix, fmt.Sprintf(format, vals...))
}

func (t *taggedLogger) Errorln(vals ...interface{}) {
	t.Logger.Errorf("%s%s", t.prefix, strings.TrimSuffix(fmt.Sprintln(vals...), "\n"))
}

func (t *taggedLogger) Errorf(format string, vals ...interface{}) {
	t.Logger.Errorf("%s%s", t.prefix, fmt.Sprintf(format, vals...))
}
