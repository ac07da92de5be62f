// Copyright (C) 2018 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package pool runs CPU bound or blocking work off the connection
// goroutines, at most a fixed number of jobs at a time.
package pool

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/sync/semaphore"

	"github.com/secmon/clusterd/lib/protocol"
)

// A Pool bounds the number of concurrently running jobs. A Pool without
// slots runs every job synchronously in the calling goroutine.
type Pool struct {
	size int
	sem  *semaphore.Weighted
}

// New returns a pool of min(cores, size) slots. A size of zero or less
// returns a synchronous pool.
func New(size int) *Pool {
	if size <= 0 {
		l.Infoln("Running pool tasks synchronously")
		return &Pool{}
	}
	if cores := numCores(); cores < size {
		size = cores
	}
	l.Debugf("pool size %d", size)
	return &Pool{
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Synchronous returns a pool running every job in the calling goroutine.
func Synchronous() *Pool {
	return &Pool{}
}

func numCores() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		l.Debugln("counting cores:", err)
		return runtime.NumCPU()
	}
	return n
}

// Size returns the number of slots, zero for a synchronous pool.
func (p *Pool) Size() int {
	return p.size
}

// Run runs fn with a context that expires after timeout, or never when
// timeout is zero. It blocks until a slot is free and fn has returned.
// Waiting for a slot is bounded by ctx. A panic in fn and a fn ignoring
// its expired context are reported as errors matching
// protocol.ErrPoolTask; other errors are returned as they are.
func (p *Pool) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return protocol.NewError(protocol.KindPoolTask, protocol.CodePoolTask, "waiting for a free pool slot: %v", err)
		}
		defer p.sem.Release(1)
	}

	jobCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return runJob(jobCtx, fn)
}

func runJob(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewError(protocol.KindPoolTask, protocol.CodePoolTask, "pool task panicked: %v", r)
		}
	}()
	err = fn(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if err == nil {
			err = ctx.Err()
		}
		return protocol.NewError(protocol.KindPoolTask, protocol.CodePoolTask, "pool task timed out: %v", err)
	}
	return err
}
