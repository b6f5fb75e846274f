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

// Package scheduler implements the runtime's central cooperative loop: it
// harvests pending outbox messages and routes them, harvests completed jobs
// from workers and re-enqueues whatever is ready to run again, dispatches
// the ready-list onto idle (or, failing that, stealable) workers, ticks the
// timing wheel, and parks on the external-event pipe when nothing happened.
//
// Everything here assumes a single goroutine drives Run; the worker pool and
// service pool are both safe for that goroutine to touch without locking
// beyond what they already do internally for the cross-goroutine handoffs
// (service_ready/service_done, the per-service inbox).
package scheduler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/ltask/config"
	"github.com/cloudwego/ltask/crashlog"
	"github.com/cloudwego/ltask/interp"
	"github.com/cloudwego/ltask/internal/bgpool"
	"github.com/cloudwego/ltask/internal/clock"
	"github.com/cloudwego/ltask/internal/extevent"
	"github.com/cloudwego/ltask/message"
	"github.com/cloudwego/ltask/service"
	"github.com/cloudwego/ltask/timingwheel"
	"github.com/cloudwego/ltask/worker"
)

// LogFunc is the injectable logging hook, matching the rest of the runtime.
type LogFunc func(format string, args ...interface{})

// ErrPoolExhausted is returned by NewService when the service pool has no
// free slot.
var ErrPoolExhausted = errors.New("scheduler: service pool exhausted")

// ErrUnknownService is returned when a direct send targets a ServiceID with
// no live occupant.
var ErrUnknownService = errors.New("scheduler: unknown or dead service")

// ErrBackpressure is returned when a direct send's destination inbox is full.
var ErrBackpressure = errors.New("scheduler: destination inbox full")

const idleWaitTimeout = 10 * time.Millisecond

// timerPayload is what gets carried through the timing wheel for a
// scheduled inbox delivery.
type timerPayload struct {
	target  message.ServiceID
	session uint32
	data    []byte
}

// NewServiceOptions configures a freshly created service.
type NewServiceOptions struct {
	PreferredID  message.ServiceID // 0 lets the pool pick
	Label        string
	MemLimit     int64
	Binding      int // worker index to pin to, or -1 for none
	NewInterp    interp.New
	BootstrapKey []byte
	Source       []byte
	ChunkName    string
}

// Scheduler is the runtime's central loop and the only mutator of the
// service pool and the ready list.
type Scheduler struct {
	cfg      *config.Config
	pool     *service.Pool
	workers  []*worker.Worker
	wheel    *timingwheel.Wheel
	clockSrc *clock.Source
	ext      *extevent.Event
	crash    *crashlog.Sink
	bg       *bgpool.Pool
	log      LogFunc

	readyMu sync.Mutex
	ready   []message.ServiceID
	cursor  int // round-robin starting point for worker selection

	quit int32
}

// New wires up a Scheduler: a ServicePool sized per cfg, one Worker per
// cfg.Worker, a timing wheel anchored at src, and a self-pipe for idle
// parking. crash may be nil to discard crash records. New returns an error
// if the self-pipe cannot be created; there is no timed-sleep fallback.
func New(cfg *config.Config, src *clock.Source, crash *crashlog.Sink, log LogFunc) (*Scheduler, error) {
	if log == nil {
		log = func(string, ...interface{}) {}
	}

	ext, err := extevent.New()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create external event: %w", err)
	}

	bg, err := bgpool.New(4)
	if err != nil {
		ext.Close()
		return nil, fmt.Errorf("scheduler: create background pool: %w", err)
	}

	workers := make([]*worker.Worker, cfg.Worker)
	for i := range workers {
		workers[i] = worker.New(worker.ID(i), worker.LogFunc(log))
	}

	return &Scheduler{
		cfg:      cfg,
		pool:     service.NewPool(cfg.MaxService, cfg.Queue, service.LogFunc(log)),
		workers:  workers,
		wheel:    timingwheel.New(src, timingwheel.LogFunc(log)),
		clockSrc: src,
		ext:      ext,
		crash:    crash,
		bg:       bg,
		log:      log,
	}, nil
}

// Workers returns the fixed worker slice, for a caller (the top-level
// Runtime) to spawn one goroutine per worker running RunWorker.
func (s *Scheduler) Workers() []*worker.Worker { return s.workers }

// Lookup returns the Service for id, or nil.
func (s *Scheduler) Lookup(id message.ServiceID) *service.Service { return s.pool.Lookup(id) }

// NewService allocates and initializes a service: creates its interpreter,
// loads its source, and schedules its first Resume. On any failure the
// partially constructed service is closed and its slot released.
func (s *Scheduler) NewService(opts NewServiceOptions) (message.ServiceID, error) {
	id := s.pool.New(opts.PreferredID)
	if id == 0 {
		return 0, ErrPoolExhausted
	}
	svc := s.pool.Lookup(id)

	if opts.Label != "" {
		svc.SetLabel(opts.Label)
	}
	if opts.MemLimit > 0 {
		svc.SetMemLimit(opts.MemLimit)
	}
	if opts.Binding >= 0 {
		svc.BindingSet(opts.Binding)
		if opts.Binding < len(s.workers) && !s.workers[opts.Binding].Bind(id) {
			s.log("SCHEDULER: binding queue full on worker %d for new service %d", opts.Binding, id)
		}
	}

	if err := svc.Init(opts.NewInterp, opts.BootstrapKey); err != nil {
		svc.Close()
		s.pool.Delete(id)
		return 0, err
	}
	if err := svc.LoadSource(opts.Source, opts.ChunkName); err != nil {
		svc.Close()
		s.pool.Delete(id)
		return 0, err
	}

	s.makeReady(svc)
	return id, nil
}

// DeleteService closes and releases id's slot. Closing drains the inbox and
// releases the interpreter; deleting an unknown ID is a no-op.
func (s *Scheduler) DeleteService(id message.ServiceID) error {
	svc := s.pool.Lookup(id)
	if svc == nil {
		return nil
	}
	if err := svc.Close(); err != nil {
		s.log("SCHEDULER: error closing service %d: %v", id, err)
	}
	return s.pool.Delete(id)
}

// Send delivers payload directly into to's inbox with From set to 0 (no
// sending service), for an embedding host kicking off work from outside any
// service's own outbox. Mirrors the receipt semantics routeMessage applies
// to ordinary inter-service sends, but reports the outcome synchronously
// via the returned error instead of a receipt.
func (s *Scheduler) Send(to message.ServiceID, session uint32, typ message.Type, payload []byte) error {
	dest := s.pool.Lookup(to)
	if dest == nil {
		return ErrUnknownService
	}
	msg := message.New(0, to, session, typ, payload)
	switch dest.PushMessage(msg) {
	case 0:
		s.makeReady(dest)
		return nil
	case 1:
		message.Delete(msg)
		return ErrBackpressure
	default:
		message.Delete(msg)
		return ErrUnknownService
	}
}

// AddTimer schedules data for delivery to target's inbox delayTicks ticks
// from now, as message.TypeIdle carrying session.
func (s *Scheduler) AddTimer(target message.ServiceID, session uint32, data []byte, delayTicks uint32) {
	s.wheel.Add(timerPayload{target: target, session: session, data: data}, delayTicks)
}

// RunOnce executes exactly one loop iteration: harvest outboxes, harvest
// done-slots, dispatch the ready-list, tick the timing wheel, and — if
// nothing happened — park on the external event. Exported primarily for
// tests; Run calls it in a loop.
func (s *Scheduler) RunOnce() {
	now := s.clockSrc.Now0p1ms()

	progress := s.harvestOutboxes()
	if s.harvestDoneSlots() {
		progress = true
	}
	if s.dispatch(now) {
		progress = true
	}
	s.wheel.Update(now, s.onTimerFire)

	if !progress {
		s.ext.Wait(idleWaitTimeout)
	}
}

// Run drives the scheduler loop until ctx is canceled or Shutdown is called.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if atomic.LoadInt32(&s.quit) != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			// A parked worker only checks ctx between jobs; wake each one so
			// its RunWorker loop observes the cancellation and returns.
			for _, w := range s.workers {
				w.Wakeup()
			}
			return ctx.Err()
		default:
		}
		s.RunOnce()
	}
}

// Shutdown stops the scheduler loop and wakes every worker so it can
// observe its own quit signal. It does not wait for worker goroutines to
// exit; the caller (Runtime) is expected to do that.
func (s *Scheduler) Shutdown() {
	atomic.StoreInt32(&s.quit, 1)
	for _, w := range s.workers {
		w.Quit()
	}
	s.ext.Trigger()
	s.bg.Release()
	s.ext.Close()
}

// RunWorker pumps jobs for w until ctx is canceled or w observes Quit: take
// a job, resume it, publish completion, repeat; park when there's nothing
// to do. Intended to be run as its own goroutine, one per worker.
func (s *Scheduler) RunWorker(ctx context.Context, w *worker.Worker) {
	for {
		if w.Quitting() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok := w.GetJob()
		if !ok {
			w.Sleep()
			continue
		}

		svc := s.pool.Lookup(id)
		if svc == nil {
			w.CompleteJob(id)
			continue
		}

		outcome := svc.Resume()
		if outcome.Result == interp.Error {
			s.recordCrash(svc, outcome.Err)
		}
		if !w.CompleteJob(id) {
			s.log("SCHEDULER: worker %d failed to publish completion for service %d", w.ID(), id)
		}
		// Wake the central loop promptly rather than waiting out its idle
		// timeout, so a completed job gets harvested with low latency.
		s.ext.Trigger()
	}
}

// harvestOutboxes routes every Running service's pending outbox message.
func (s *Scheduler) harvestOutboxes() (progress bool) {
	s.pool.Each(func(svc *service.Service) {
		if svc.StatusGet() != service.Running {
			return
		}
		msg := svc.MessageOut()
		if msg == nil {
			return
		}
		progress = true
		s.routeMessage(svc, msg)
	})
	return progress
}

func (s *Scheduler) routeMessage(sender *service.Service, msg *message.Message) {
	if msg.To == 0 {
		s.handleControl(msg)
		sender.WriteReceipt(service.ReceiptDone, nil)
		message.Delete(msg)
		return
	}

	dest := s.pool.Lookup(msg.To)
	if dest == nil {
		sender.WriteReceipt(service.ReceiptError, msg)
		return
	}

	switch dest.PushMessage(msg) {
	case 0:
		sender.WriteReceipt(service.ReceiptDone, nil)
		s.makeReady(dest)
	case 1:
		sender.WriteReceipt(service.ReceiptBlock, msg)
	default:
		sender.WriteReceipt(service.ReceiptError, msg)
	}
}

func (s *Scheduler) handleControl(msg *message.Message) {
	switch msg.Type {
	case message.TypeScheduleDel:
		if len(msg.Payload) < 4 {
			s.log("SCHEDULER: malformed schedule_del control message from service %d", msg.From)
			return
		}
		target := message.ServiceID(binary.BigEndian.Uint32(msg.Payload))
		if err := s.DeleteService(target); err != nil {
			s.log("SCHEDULER: schedule_del of service %d failed: %v", target, err)
		}
	case message.TypeScheduleNew:
		// There is no generic wire format for an interp.New factory
		// function, so a root service cannot ask for a new service purely
		// by sending bytes; the host creates services through NewService
		// directly. This control type is accepted (not an error) so a
		// script that optimistically sends one doesn't itself fail, but it
		// is a documented no-op.
		s.log("SCHEDULER: schedule_new control message from service %d ignored; create services via Scheduler.NewService", msg.From)
	default:
		s.log("SCHEDULER: unexpected control message type %s from service %d", msg.Type, msg.From)
	}
}

// harvestDoneSlots collects completed jobs from every worker, restoring the
// service to Idle (unless Resume already marked it Dead) and re-enqueuing
// it if its inbox still has work waiting.
func (s *Scheduler) harvestDoneSlots() (progress bool) {
	for _, w := range s.workers {
		id, ok := w.DoneJob()
		if !ok {
			continue
		}
		progress = true

		svc := s.pool.Lookup(id)
		if svc == nil {
			continue
		}
		if svc.StatusGet() != service.Dead {
			svc.StatusSet(service.Idle)
		}
		if svc.InboxLen() > 0 {
			s.makeReady(svc)
		}
	}
	return progress
}

// dispatch hands out ready services to workers until the ready list is
// empty or no worker can currently take one. A pass handles at most the
// entries queued when it began, so a service pushed back onto the ready
// list by a steal waits for the next pass instead of stealing in turn.
func (s *Scheduler) dispatch(now uint64) (progress bool) {
	s.readyMu.Lock()
	budget := len(s.ready)
	s.readyMu.Unlock()
	for ; budget > 0; budget-- {
		id, ok := s.popReady()
		if !ok {
			return progress
		}

		svc := s.pool.Lookup(id)
		if svc == nil || svc.StatusGet() == service.Dead {
			continue
		}

		w := s.pickWorker(svc)
		if w == nil {
			s.pushReadyFront(id)
			return progress
		}

		assigned := w.AssignJob(id, now)
		if assigned == 0 {
			s.pushReadyFront(id)
			return progress
		}

		assignedSvc := svc
		if assigned != id {
			// The worker's own binding queue preempted our candidate; the
			// candidate goes back to the ready list to be retried, and we
			// mark whichever service actually got assigned instead.
			s.pushReadyFront(id)
			assignedSvc = s.pool.Lookup(assigned)
			if assignedSvc == nil {
				continue
			}
		}
		assignedSvc.StatusSet(service.Running)
		progress = true
	}
	return progress
}

// pickWorker prefers svc's bound worker, then any worker with an empty
// ready slot, then — as a last resort to repair a stale assignment — a
// worker whose current (unbound) job can be stolen and redirected.
func (s *Scheduler) pickWorker(svc *service.Service) *worker.Worker {
	if b := svc.BindingGet(); b >= 0 && b < len(s.workers) {
		return s.workers[b]
	}

	n := len(s.workers)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		if s.workers[idx].ReadyEmpty() {
			s.cursor = (idx + 1) % n
			return s.workers[idx]
		}
	}
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		if stolen, ok := s.workers[idx].StealJob(); ok {
			s.pushReadyFront(stolen)
			return s.workers[idx]
		}
	}
	return nil
}

func (s *Scheduler) onTimerFire(payload interface{}) {
	tp, ok := payload.(timerPayload)
	if !ok {
		return
	}
	dest := s.pool.Lookup(tp.target)
	if dest == nil {
		return
	}
	msg := message.New(0, tp.target, tp.session, message.TypeIdle, tp.data)
	switch dest.PushMessage(msg) {
	case 0:
		s.makeReady(dest)
	default:
		message.Delete(msg)
		s.log("SCHEDULER: timer message for service %d dropped (status=%s)", tp.target, dest.StatusGet())
	}
}

func (s *Scheduler) recordCrash(svc *service.Service, err error) {
	label := svc.Label()
	id := svc.ID()
	var buf [4096]byte
	n := svc.Backtrace(buf[:])
	bt := string(buf[:n])

	s.bg.Go(func() {
		if s.crash == nil {
			return
		}
		if werr := s.crash.Write(label, err.Error(), bt); werr != nil {
			s.log("SCHEDULER: crash log write failed for service %d: %v", id, werr)
		}
	})
}

// makeReady transitions an Idle service to Scheduling and appends it to the
// ready list. A no-op for any other status, so a service already in flight
// (Scheduling or Running) or Dead is never double-enqueued.
func (s *Scheduler) makeReady(svc *service.Service) {
	if svc.StatusGet() != service.Idle {
		return
	}
	svc.StatusSet(service.Scheduling)
	s.readyMu.Lock()
	s.ready = append(s.ready, svc.ID())
	s.readyMu.Unlock()
}

func (s *Scheduler) popReady() (message.ServiceID, bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if len(s.ready) == 0 {
		return 0, false
	}
	id := s.ready[0]
	s.ready = s.ready[1:]
	return id, true
}

func (s *Scheduler) pushReadyFront(id message.ServiceID) {
	s.readyMu.Lock()
	s.ready = append([]message.ServiceID{id}, s.ready...)
	s.readyMu.Unlock()
}
