// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/secmon/clusterd/lib/logger"
)

// A TaskFunc is the body of a Task. It should return promptly once ctx is
// cancelled.
type TaskFunc func(ctx context.Context, t *Task) error

// A Task is a long running unit of work, usually waiting for a transfer
// from the peer to complete before processing it. It is identified by an
// ID known to both sides.
type Task struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	l      logger.Logger
	onDone func(err error)
	reg    *Registry

	received     chan struct{}
	receivedOnce sync.Once
	mut          sync.Mutex // protects filename, reported
	filename     string
	reported     error

	done chan struct{}
	err  error
}

// Deliver records the name of the file received for this task and wakes
// up Wait. It returns false if the task already got a file or an error.
func (t *Task) Deliver(filename string) bool {
	return t.signal(filename, nil)
}

// Fail records an error reported by the peer for this task and wakes up
// Wait. It returns false if the task already got a file or an error.
func (t *Task) Fail(err error) bool {
	return t.signal("", err)
}

func (t *Task) signal(filename string, err error) bool {
	signalled := false
	t.receivedOnce.Do(func() {
		t.mut.Lock()
		t.filename = filename
		t.reported = err
		t.mut.Unlock()
		close(t.received)
		signalled = true
	})
	return signalled
}

// Filename returns the file delivered to the task, if any.
func (t *Task) Filename() string {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.filename
}

// Wait blocks until the task's file is delivered or an error is reported,
// for at most the given timeout. On expiry it returns an error matching
// ErrTimeout.
func (t *Task) Wait(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.received:
		t.mut.Lock()
		defer t.mut.Unlock()
		return t.filename, t.reported
	case <-timer.C:
		return "", newError(KindTimeout, CodeReceiveTimeout, "timeout receiving file for task %s after %v", t.ID, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Cancel stops the task. The done hook still runs.
func (t *Task) Cancel() {
	t.cancel()
}

// Done is closed once the task has finished and its done hook has run.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the error the task finished with. Only valid after Done is
// closed.
func (t *Task) Err() error {
	return t.err
}

func (t *Task) String() string {
	return t.ID
}

func (t *Task) run(fn TaskFunc) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
		t.finish(err)
	}()
	err = fn(t.ctx, t)
}

// finish runs exactly once per task, whatever way the task ended.
func (t *Task) finish(err error) {
	t.reg.forgetTask(t.ID)
	cancelled := t.ctx.Err() != nil && errors.Is(err, context.Canceled)
	if err != nil && !cancelled {
		t.l.Errorln(err)
	}
	t.err = err
	if t.onDone != nil {
		t.onDone(err)
	}
	t.cancel()
	close(t.done)
}
