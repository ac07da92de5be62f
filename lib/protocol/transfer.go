// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"bytes"
	"context"
	"crypto/sha256"
	"hash"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/secmon/clusterd/lib/logger"
	"github.com/secmon/clusterd/lib/rand"
)

// MaxStringLen bounds the size reserved by a single new_str request.
const MaxStringLen = MaxMessageLen

type incomingFile struct {
	fd   *os.File
	hash hash.Hash
}

type incomingString struct {
	payload  []byte
	received int
}

func (s *incomingString) write(data []byte) {
	n := copy(s.payload[s.received:], data)
	s.received += n
}

// A Registry tracks the transfers and tasks of one connection: files and
// strings being received, and the tasks waiting on them. Everything it
// holds is released by Close.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	mut     sync.Mutex
	tasks   map[string]*Task
	files   map[string]*incomingFile
	strings map[string]*incomingString
	closed  bool
}

func NewRegistry() *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*Task),
		files:   make(map[string]*incomingFile),
		strings: make(map[string]*incomingString),
	}
}

// StartTask registers and starts a task. A random ID is generated when id
// is empty. The onDone hook, which may be nil, runs exactly once when the
// task ends, after the task has been deregistered.
func (r *Registry) StartTask(id string, tl logger.Logger, fn TaskFunc, onDone func(err error)) (*Task, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if tl == nil {
		tl = l
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.tasks[id]; ok {
		return nil, newError(KindProtocol, CodeProtocolViolation, "task %s already exists", id)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t := &Task{
		ID:       id,
		ctx:      ctx,
		cancel:   cancel,
		l:        tl,
		onDone:   onDone,
		reg:      r,
		received: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.tasks[id] = t
	go t.run(fn)
	return t, nil
}

// Task returns the running task with the given ID.
func (r *Registry) Task(id string) (*Task, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// NumTasks returns the number of running tasks.
func (r *Registry) NumTasks() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.tasks)
}

func (r *Registry) forgetTask(id string) {
	r.mut.Lock()
	delete(r.tasks, id)
	r.mut.Unlock()
}

func (r *Registry) openFile(name, path string) error {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		fd.Close()
		os.Remove(path)
		return ErrClosed
	}
	if prev, ok := r.files[name]; ok {
		prev.fd.Close()
	}
	r.files[name] = &incomingFile{fd: fd, hash: sha256.New()}
	return nil
}

func (r *Registry) writeFile(name string, data []byte) error {
	r.mut.Lock()
	f, ok := r.files[name]
	r.mut.Unlock()
	if !ok {
		return newError(KindNotFound, CodeFileNotFound, "no file %q being received", name)
	}
	if _, err := f.fd.Write(data); err != nil {
		return err
	}
	f.hash.Write(data)
	return nil
}

// closeFile finishes a file transfer. The file is kept only when its
// digest matches.
func (r *Registry) closeFile(name string, digest []byte) error {
	r.mut.Lock()
	f, ok := r.files[name]
	delete(r.files, name)
	r.mut.Unlock()
	if !ok {
		return newError(KindNotFound, CodeFileNotFound, "no file %q being received", name)
	}

	if err := f.fd.Close(); err != nil {
		os.Remove(f.fd.Name())
		return err
	}
	if !bytes.Equal(f.hash.Sum(nil), digest) {
		os.Remove(f.fd.Name())
		return newError(KindChecksumMismatch, CodeChecksumMismatch, "file %q was not correctly received: checksums differ", name)
	}
	return nil
}

func (r *Registry) newString(size int) (string, error) {
	if size < 0 || size > MaxStringLen {
		return "", newError(KindProtocol, CodeProtocolViolation, "invalid string size %d", size)
	}

	r.mut.Lock()
	defer r.mut.Unlock()
	if r.closed {
		return "", ErrClosed
	}
	for {
		id := strconv.FormatUint(uint64(rand.Uint32()), 10)
		if _, ok := r.strings[id]; ok {
			continue
		}
		r.strings[id] = &incomingString{payload: make([]byte, size)}
		return id, nil
	}
}

func (r *Registry) updateString(id string, data []byte) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	s, ok := r.strings[id]
	if !ok {
		return newError(KindNotFound, CodeStringNotFound, "no string %q being received", id)
	}
	s.write(data)
	return nil
}

// discardReservation removes a string reservation of the given size that
// never received any data. It returns the discarded ID.
func (r *Registry) discardReservation(size int) (string, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	for id, s := range r.strings {
		if len(s.payload) == size && s.received == 0 && allZero(s.payload) {
			delete(r.strings, id)
			return id, true
		}
	}
	return "", false
}

// TakeString removes and returns a received string.
func (r *Registry) TakeString(id string) ([]byte, error) {
	r.mut.Lock()
	defer r.mut.Unlock()
	s, ok := r.strings[id]
	if !ok {
		return nil, newError(KindNotFound, CodeStringNotFound, "no string under task ID %q", id)
	}
	delete(r.strings, id)
	if s.received != len(s.payload) {
		return nil, newError(KindProtocol, CodeProtocolViolation, "string %s incomplete: %d of %d bytes", id, s.received, len(s.payload))
	}
	return s.payload, nil
}

// DropString forgets a string, received or not.
func (r *Registry) DropString(id string) {
	r.mut.Lock()
	delete(r.strings, id)
	r.mut.Unlock()
}

// Close cancels every task and removes partially received files.
func (r *Registry) Close() {
	r.mut.Lock()
	r.closed = true
	files := r.files
	r.files = make(map[string]*incomingFile)
	r.strings = make(map[string]*incomingString)
	r.mut.Unlock()

	r.cancel()
	for name, f := range files {
		f.fd.Close()
		if err := os.Remove(f.fd.Name()); err != nil {
			l.Debugf("removing partial file %s: %v", name, err)
		}
	}
}

func allZero(bs []byte) bool {
	for _, b := range bs {
		if b != 0 {
			return false
		}
	}
	return true
}
