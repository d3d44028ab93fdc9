// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool limits the number of goroutines used by the tensor kernels.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers with a soft limit on parallelism.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
}

// New return a new Pool of workers with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{}
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism is != 0)
func (w *Pool) IsEnabled() bool {
	return w.MaxParallelism() != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.MaxParallelism() < 0
}

// MaxParallelism is a soft-target for parallelism.
// If set to 0 parallelism is disabled.
// If set to -1 parallelism is unlimited.
func (w *Pool) MaxParallelism() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxParallelism
}

// SetMaxParallelism sets the maxParallelism.
//
// Tasks already running are not affected, only new tasks will observe the new limit.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxParallelism = maxParallelism
	w.cond.Broadcast()
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available to run the task, and then runs it in a
// separate goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	w.mu.Lock()
	if w.maxParallelism == 0 {
		w.mu.Unlock()
		task()
		return
	}
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	w.mu.Unlock()
	go func() {
		defer w.taskDone()
		task()
	}()
}

func (w *Pool) taskDone() {
	w.mu.Lock()
	w.numRunning--
	w.cond.Signal()
	w.mu.Unlock()
}

// ParallelFor calls fn(ii) for every ii in [0, n) and returns when all calls finished.
//
// Calls are distributed over the pool workers; with parallelism disabled, or n <= 1, they run
// inline in order. A panic in any of the calls is re-raised in the caller's goroutine once
// all calls finished.
func (w *Pool) ParallelFor(n int, fn func(ii int)) {
	if n <= 1 || !w.IsEnabled() {
		for ii := range n {
			fn(ii)
		}
		return
	}
	var (
		wg         sync.WaitGroup
		panicMu    sync.Mutex
		firstPanic any
	)
	wg.Add(n)
	for ii := range n {
		w.WaitToStart(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicMu.Lock()
					if firstPanic == nil {
						firstPanic = r
					}
					panicMu.Unlock()
				}
			}()
			fn(ii)
		})
	}
	wg.Wait()
	if firstPanic != nil {
		panic(firstPanic)
	}
}
