// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"context"
	"errors"
	"sort"
)

// A HandlerFunc handles one inbound request. The returned payload is sent
// back in an "ok" response, an error in an "err" response. Handlers run on
// the connection's dispatcher goroutine, in arrival order, and must not
// block; long running work belongs in a Task.
type HandlerFunc func(ctx context.Context, data []byte) ([]byte, error)

// NoReply is returned by handlers that must not be answered.
var NoReply = errors.New("no reply")

type closeAfterReply struct {
	err error
}

func (e *closeAfterReply) Error() string { return e.err.Error() }
func (e *closeAfterReply) Unwrap() error { return e.err }

// CloseAfterReply wraps a handler error so that the connection is closed
// once the error response has been sent.
func CloseAfterReply(err error) error {
	return &closeAfterReply{err: err}
}

// A Dispatcher maps command names to handlers.
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher(handlers map[string]HandlerFunc) *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]HandlerFunc, len(handlers))}
	for cmd, h := range handlers {
		d.handlers[cmd] = h
	}
	return d
}

// Extend returns a new dispatcher with the given handlers layered on top of
// the existing ones.
func (d *Dispatcher) Extend(handlers map[string]HandlerFunc) *Dispatcher {
	nd := NewDispatcher(d.handlers)
	for cmd, h := range handlers {
		nd.handlers[cmd] = h
	}
	return nd
}

// Dispatch runs the handler for command. Unknown commands return an error
// matching ErrUnknownCommand.
func (d *Dispatcher) Dispatch(ctx context.Context, command string, data []byte) ([]byte, error) {
	h, ok := d.handlers[command]
	if !ok {
		return nil, newError(KindUnknownCommand, CodeUnknownCommand, "unknown command '%s'", command)
	}
	return h(ctx, data)
}

// Commands returns the sorted list of handled commands.
func (d *Dispatcher) Commands() []string {
	cmds := make([]string, 0, len(d.handlers))
	for cmd := range d.handlers {
		cmds = append(cmds, cmd)
	}
	sort.Strings(cmds)
	return cmds
}
