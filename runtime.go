/*
 * Copyright 2024 CloudWeGo Authors
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

// Package ltask wires the service pool, worker pool, scheduler, and timing
// wheel into a single runnable unit: one goroutine per worker plus the
// scheduler's own loop, supervised as a cancellable group so any of them
// exiting (or the caller's context being canceled) brings the rest down
// cleanly.
package ltask

import (
	"context"
	"fmt"
	"log"

	"github.com/cloudwego/ltask/config"
	"github.com/cloudwego/ltask/crashlog"
	"github.com/cloudwego/ltask/internal/clock"
	"github.com/cloudwego/ltask/message"
	"github.com/cloudwego/ltask/scheduler"
	"github.com/cloudwego/ltask/service"
	"golang.org/x/sync/errgroup"
)

// LogFunc is the injectable logging hook threaded down into every package
// that needs one. A nil LogFunc passed to New defaults to log.Printf.
type LogFunc func(format string, args ...interface{})

// Runtime is a fully wired ltask instance: a fixed worker pool cooperatively
// running services dispatched by a single scheduler goroutine.
type Runtime struct {
	cfg   *config.Config
	sched *scheduler.Scheduler
	crash *crashlog.Sink
	log   LogFunc
}

// New builds a Runtime from cfg, which is validated (and normalized, e.g.
// QueueSending defaulted and MaxService rounded to a power of two) in place.
// A nil log defaults to log.Printf, matching concurrency/gopool's default
// panic logger.
func New(cfg *config.Config, log LogFunc) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ltask: invalid config: %w", err)
	}
	if log == nil {
		log = defaultLog
	}

	crash, err := crashlog.Open(cfg.CrashLog)
	if err != nil {
		return nil, fmt.Errorf("ltask: open crash log: %w", err)
	}

	sched, err := scheduler.New(cfg, clock.NewSource(), crash, scheduler.LogFunc(log))
	if err != nil {
		crash.Close()
		return nil, fmt.Errorf("ltask: create scheduler: %w", err)
	}

	return &Runtime{cfg: cfg, sched: sched, crash: crash, log: log}, nil
}

func defaultLog(format string, args ...interface{}) {
	log.Printf(format, args...)
}

// NewService allocates and starts a new service; see scheduler.NewService
// for the field-by-field contract of opts.
func (r *Runtime) NewService(opts scheduler.NewServiceOptions) (message.ServiceID, error) {
	return r.sched.NewService(opts)
}

// DeleteService closes and releases id's slot.
func (r *Runtime) DeleteService(id message.ServiceID) error {
	return r.sched.DeleteService(id)
}

// Lookup returns the live Service for id, or nil.
func (r *Runtime) Lookup(id message.ServiceID) *service.Service {
	return r.sched.Lookup(id)
}

// Send delivers payload to to's inbox with From set to 0, i.e. from outside
// any service.
func (r *Runtime) Send(to message.ServiceID, session uint32, typ message.Type, payload []byte) error {
	return r.sched.Send(to, session, typ, payload)
}

// AddTimer schedules data for delivery to target's inbox delayTicks ticks
// from now.
func (r *Runtime) AddTimer(target message.ServiceID, session uint32, data []byte, delayTicks uint32) {
	r.sched.AddTimer(target, session, data, delayTicks)
}

// Run starts every worker goroutine plus the scheduler loop under a shared
// errgroup.WithContext, and blocks until ctx is canceled, Shutdown is
// called, or any member of the group returns an error. A canceled ctx (or
// an external Shutdown call) is not itself reported as a failure: only a
// genuine, unexpected member error propagates out of Run.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, w := range r.sched.Workers() {
		w := w
		g.Go(func() error {
			r.sched.RunWorker(gctx, w)
			return nil
		})
	}

	g.Go(func() error {
		return r.sched.Run(gctx)
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// The group unwound because the caller's context was canceled, not
		// because of a genuine failure; callers expect Shutdown/context
		// cancellation to look like a clean stop.
		return nil
	}
	return err
}

// Shutdown stops every worker and the scheduler loop, releases the
// background pool, and closes the crash log. Safe to call once Run has
// returned or concurrently with it; it does not itself wait for Run's
// goroutines to exit (the caller's Run call does that).
func (r *Runtime) Shutdown() {
	r.sched.Shutdown()
	r.crash.Close()
}
