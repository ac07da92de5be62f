// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
)

// The commands every endpoint understands, master or worker.
func (e *Endpoint) baseHandlers() map[string]HandlerFunc {
	return map[string]HandlerFunc{
		"echo":        e.handleEcho,
		"new_file":    e.handleNewFile,
		"file_upd":    e.handleFileUpdate,
		"file_end":    e.handleFileEnd,
		"new_str":     e.handleNewString,
		"str_upd":     e.handleStringUpdate,
		"err_str":     e.handleErrorString,
		"cancel_task": e.handleCancelTask,
	}
}

func (e *Endpoint) handleEcho(_ context.Context, data []byte) ([]byte, error) {
	return data, nil
}

func (e *Endpoint) handleNewFile(_ context.Context, data []byte) ([]byte, error) {
	name := string(data)
	if err := checkFilename(name); err != nil {
		return nil, newProtocolError(err, "new_file "+name)
	}
	path := filepath.Join(e.opts.Root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if err := e.registry.openFile(name, path); err != nil {
		return nil, err
	}
	return []byte("Ready to receive new file"), nil
}

func (e *Endpoint) handleFileUpdate(_ context.Context, data []byte) ([]byte, error) {
	name, chunk, ok := bytes.Cut(data, []byte(" "))
	if !ok {
		return nil, newError(KindProtocol, CodeProtocolViolation, "file_upd without data")
	}
	if err := e.registry.writeFile(string(name), chunk); err != nil {
		return nil, err
	}
	return []byte("File updated"), nil
}

func (e *Endpoint) handleFileEnd(_ context.Context, data []byte) ([]byte, error) {
	name, digest, ok := bytes.Cut(data, []byte(" "))
	if !ok {
		return nil, newError(KindProtocol, CodeProtocolViolation, "file_end without checksum")
	}
	if err := e.registry.closeFile(string(name), digest); err != nil {
		return nil, err
	}
	return []byte("File received correctly"), nil
}

func (e *Endpoint) handleNewString(_ context.Context, data []byte) ([]byte, error) {
	size, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, newProtocolError(err, "new_str")
	}
	id, err := e.registry.newString(size)
	if err != nil {
		return nil, err
	}
	return []byte(id), nil
}

func (e *Endpoint) handleStringUpdate(_ context.Context, data []byte) ([]byte, error) {
	id, chunk, ok := bytes.Cut(data, []byte(" "))
	if !ok {
		return nil, newError(KindProtocol, CodeProtocolViolation, "str_upd without data")
	}
	if err := e.registry.updateString(string(id), chunk); err != nil {
		return nil, err
	}
	return []byte("String updated"), nil
}

func (e *Endpoint) handleErrorString(_ context.Context, data []byte) ([]byte, error) {
	size, err := strconv.Atoi(string(data))
	if err != nil {
		return nil, newProtocolError(err, "err_str")
	}
	id, ok := e.registry.discardReservation(size)
	if !ok {
		return []byte("None"), nil
	}
	return []byte(id), nil
}

// handleCancelTask records that the peer gave up on one of our tasks,
// which stops any file transfer for it after the current chunk.
func (e *Endpoint) handleCancelTask(_ context.Context, data []byte) ([]byte, error) {
	taskID, reason, _ := bytes.Cut(data, []byte(" "))
	rerr := ErrorFromWire(reason)

	if string(taskID) == "None" {
		e.l.Errorf("The peer %s reported an error: %v", e.opts.Name, rerr)
	} else {
		e.markInterrupted(string(taskID))
		e.l.Errorf("The peer %s reported an error for task %s: %v", e.opts.Name, taskID, rerr)
	}
	return []byte("Request received correctly"), nil
}
