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

// Package worker implements one cooperative scheduling slot: a single-entry
// ready mailbox the Scheduler publishes into, a single-entry done mailbox
// the Worker publishes into on completion, a small bounded queue of services
// pinned to this Worker by affinity, and a park/wake primitive the Worker
// blocks on between jobs. All cross-goroutine handoffs are CAS-guarded so
// the Scheduler's attempt to steal back a stale assignment can never race
// the Worker's attempt to consume it into a torn state.
package worker

import (
	"sync/atomic"

	"github.com/cloudwego/ltask/container/ring"
	"github.com/cloudwego/ltask/internal/park"
	"github.com/cloudwego/ltask/message"
)

// ID identifies a worker slot, 0..N-1 for an N-worker pool.
type ID int

// LogFunc is the injectable logging hook, matching the rest of the runtime.
type LogFunc func(format string, args ...interface{})

const bindingQueueCap = 16

// Worker is one scheduling slot. The zero value is not usable; use New.
type Worker struct {
	id ID

	// serviceReady: producer = Scheduler (AssignJob/StealJob), consumer =
	// this Worker (GetJob). Holds a message.ServiceID, 0 meaning empty.
	serviceReady uint32
	// readyBound records whether the service currently published in
	// serviceReady was taken from this worker's binding queue, so StealJob
	// can refuse without the Scheduler having to consult the ServicePool
	// itself. A service published as AssignJob's candidate is not marked,
	// even when it is bound to this worker.
	readyBound int32

	// serviceDone: producer = this Worker (CompleteJob), consumer =
	// Scheduler (DoneJob).
	serviceDone uint32

	// bindingQueue holds services pinned to this worker that are ready but
	// have not yet been published into serviceReady. AssignJob drains this
	// first, ahead of whatever candidate the Scheduler offered, so affinity
	// holds without the Scheduler tracking per-worker bindings itself.
	bindingQueue *ring.Queue[message.ServiceID]

	quit int32 // atomic bool: term_signal, read through Quitting

	parker *park.Parker

	scheduleTime uint64 // atomic: clock.Source.Now0p1ms() at last AssignJob

	log LogFunc
}

// New returns a ready-to-use Worker identified by id.
func New(id ID, log LogFunc) *Worker {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Worker{
		id:           id,
		bindingQueue: ring.New[message.ServiceID](bindingQueueCap),
		parker:       park.New(),
		log:          log,
	}
}

// ID returns this worker's index.
func (w *Worker) ID() ID { return w.id }

// Bind enqueues svc onto this worker's binding queue, pinning it here for
// future dispatch. Returns false if the binding queue is full (the
// Scheduler should fall back to ordinary affinity-less dispatch and retry).
func (w *Worker) Bind(svc message.ServiceID) bool {
	return w.bindingQueue.Push(svc)
}

// ScheduleTime returns the tick value recorded at the last successful
// AssignJob, for fairness/diagnostics.
func (w *Worker) ScheduleTime() uint64 { return atomic.LoadUint64(&w.scheduleTime) }

// ReadyEmpty reports whether the ready slot is currently free, letting a
// scheduler's dispatch pass prefer an idle worker over one whose assignment
// would need to be stolen first.
func (w *Worker) ReadyEmpty() bool {
	return atomic.LoadUint32(&w.serviceReady) == 0
}

// AssignJob publishes a job into this worker's ready slot and wakes it.
// If the worker's binding queue is nonempty, the pinned service there takes
// priority over candidate (which the Scheduler should then re-queue
// elsewhere); the caller learns which service actually got assigned via the
// return value. Returns 0 if the ready slot was already occupied (the
// caller should pick another worker).
func (w *Worker) AssignJob(candidate message.ServiceID, now uint64) message.ServiceID {
	if atomic.LoadUint32(&w.serviceReady) != 0 {
		return 0
	}

	bound := false
	job := candidate
	if pinned, ok := w.bindingQueue.Pop(); ok {
		job = pinned
		bound = true
	}

	if !atomic.CompareAndSwapUint32(&w.serviceReady, 0, uint32(job)) {
		// Lost the race to a concurrent AssignJob/StealJob; put the pinned
		// service back at the front of the line rather than drop it.
		if bound {
			if !w.bindingQueue.Push(job) {
				w.log("WORKER: binding queue full while returning a preempted job for service %d on worker %d", job, w.id)
			}
		}
		return 0
	}

	if bound {
		atomic.StoreInt32(&w.readyBound, 1)
	} else {
		atomic.StoreInt32(&w.readyBound, 0)
	}
	atomic.StoreUint64(&w.scheduleTime, now)
	w.parker.Wake()
	return job
}

// GetJob is called by the worker's own goroutine to take whatever is
// published in serviceReady, clearing the slot. Returns (0, false) if empty.
func (w *Worker) GetJob() (message.ServiceID, bool) {
	for {
		cur := atomic.LoadUint32(&w.serviceReady)
		if cur == 0 {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&w.serviceReady, cur, 0) {
			atomic.StoreInt32(&w.readyBound, 0)
			return message.ServiceID(cur), true
		}
	}
}

// StealJob is called by the Scheduler to reclaim a stale, unconsumed
// assignment. Refuses (returns 0, false) if the occupant was taken from this
// worker's binding queue. An occupant that AssignJob published as the
// candidate can be stolen even when that service is bound to this worker.
func (w *Worker) StealJob() (message.ServiceID, bool) {
	if atomic.LoadInt32(&w.readyBound) != 0 {
		return 0, false
	}
	for {
		cur := atomic.LoadUint32(&w.serviceReady)
		if cur == 0 {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(&w.serviceReady, cur, 0) {
			return message.ServiceID(cur), true
		}
		if atomic.LoadInt32(&w.readyBound) != 0 {
			return 0, false
		}
	}
}

// CompleteJob is called by the worker's own goroutine after Resume returns,
// publishing the finished service into serviceDone for the Scheduler to
// harvest. Returns false if a previous completion hasn't been harvested yet
// (should not happen in the single-consumer/single-producer design; logged
// as a bug if it does).
func (w *Worker) CompleteJob(svc message.ServiceID) bool {
	if !atomic.CompareAndSwapUint32(&w.serviceDone, 0, uint32(svc)) {
		w.log("WORKER: service_done slot occupied on worker %d while completing service %d", w.id, svc)
		return false
	}
	return true
}

// DoneJob is called by the Scheduler to harvest a completed service.
// Returns (0, false) if nothing is pending.
func (w *Worker) DoneJob() (message.ServiceID, bool) {
	cur := atomic.LoadUint32(&w.serviceDone)
	if cur == 0 {
		return 0, false
	}
	if atomic.CompareAndSwapUint32(&w.serviceDone, cur, 0) {
		return message.ServiceID(cur), true
	}
	return 0, false
}

// Sleep parks the worker until Wakeup is called or Quit is observed. The
// underlying Parker's flag guard means a Wakeup that arrives just before
// Sleep is called is never lost, and a worker that calls Sleep again after
// an unconsumed wakeup returns immediately rather than blocking.
func (w *Worker) Sleep() {
	w.parker.Sleep()
}

// Wakeup signals the worker to stop sleeping. Safe to call whether or not
// the worker is actually parked, and safe under concurrent callers: exactly
// one of them observes the signal taking effect, but both return having
// guaranteed the worker wakes at least once.
func (w *Worker) Wakeup() {
	w.parker.Wake()
}

// Quit raises the terminate signal and wakes the worker so it can observe
// it rather than staying parked forever.
func (w *Worker) Quit() {
	atomic.StoreInt32(&w.quit, 1)
	w.parker.Wake()
}

// Quitting reports whether Quit has been called.
func (w *Worker) Quitting() bool {
	return atomic.LoadInt32(&w.quit) != 0
}
