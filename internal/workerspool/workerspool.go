// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines running independent tasks, e.g. separate
// GEMM instances that share no buffers.
//
// A single GEMM call is never split across workers.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks in goroutines, at most MaxParallelism at a time.
type Pool struct {
	maxParallelism int

	// slots has one entry per running task. It is nil if parallelism is unlimited or disabled.
	slots chan struct{}
	wg    sync.WaitGroup
}

// New returns a Pool with the default parallelism, runtime.NumCPU().
func New() *Pool {
	p := &Pool{}
	p.SetMaxParallelism(runtime.NumCPU())
	return p
}

// MaxParallelism is the limit of tasks running concurrently.
// 0 means tasks run inline, and a negative value means there is no limit.
func (p *Pool) MaxParallelism() int {
	return p.maxParallelism
}

// SetMaxParallelism must be called before any task is started.
func (p *Pool) SetMaxParallelism(maxParallelism int) {
	p.maxParallelism = maxParallelism
	p.slots = nil
	if maxParallelism > 0 {
		p.slots = make(chan struct{}, maxParallelism)
	}
}

// WaitToStart blocks until a worker is available and starts task in a goroutine.
//
// If parallelism is disabled, task runs inline and WaitToStart returns when it is finished.
func (p *Pool) WaitToStart(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	slots := p.slots
	if slots != nil {
		slots <- struct{}{}
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if slots != nil {
			defer func() { <-slots }()
		}
		task()
	}()
}

// Wait blocks until all tasks started by the Pool have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}
