/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package bgpool runs the scheduler's fire-and-forget background jobs
// (crash-log appends) off the hot scheduling
// loop. It keeps the public surface of the teacher's concurrency/gopool
// (CtxGo + an overridable panic handler) but is backed by
// github.com/panjf2000/ants/v2 instead of a hand-rolled elastic worker
// loop, since the pack already carries ants as exactly this kind of bounded
// goroutine pool.
package bgpool

import (
	"context"
	"log"
	"runtime/debug"

	"github.com/panjf2000/ants/v2"
)

// Pool runs short background jobs without growing goroutines unboundedly.
type Pool struct {
	inner        *ants.Pool
	panicHandler func(ctx context.Context, r interface{})
}

// New creates a Pool with at most size concurrently running jobs.
func New(size int) (*Pool, error) {
	if size <= 0 {
		size = 32
	}
	inner, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	return &Pool{inner: inner}, nil
}

// SetPanicHandler overrides the default log.Printf-based recovery.
func (p *Pool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

// Go submits f to run in the background with a background context.
func (p *Pool) Go(f func()) {
	p.CtxGo(context.Background(), f)
}

// CtxGo submits f to run in the background; ctx is only used to enrich the
// panic handler, not for cancellation (jobs here are meant to be quick and
// are not expected to observe cancellation mid-flight).
func (p *Pool) CtxGo(ctx context.Context, f func()) {
	err := p.inner.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				if p.panicHandler != nil {
					p.panicHandler(ctx, r)
				} else {
					log.Printf("BGPOOL: panic in background job: %v: %s", r, debug.Stack())
				}
			}
		}()
		f()
	})
	if err != nil {
		// The pool is created in blocking mode, so a full pool makes Submit
		// wait; it fails once the pool is closed. Fall back to running
		// inline so a crash log write is never silently dropped.
		f()
	}
}

// Running reports the number of jobs currently executing.
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Release shuts the pool down. It does not wait for jobs that are already
// running to finish.
func (p *Pool) Release() {
	p.inner.Release()
}
