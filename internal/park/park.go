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

// Package park implements a flag-guarded condition variable for exactly one
// waiter and any number of signalers. It is the primitive a Worker parks on
// between jobs and a Scheduler uses to wake it.
//
// The flag eliminates both lost wakeups (a signal that arrives before the
// waiter calls Wait is not forgotten) and spurious wakeups (Wait only
// returns once the flag has actually been observed set), so the waiter never
// has to re-check its own application-level state in a loop.
package park

import "sync"

// Parker is a single-waiter, multi-signaler park/wake primitive.
type Parker struct {
	mu   sync.Mutex
	cond *sync.Cond
	flag bool
}

// New returns a ready-to-use Parker.
func New() *Parker {
	p := &Parker{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// TriggerBegin acquires the internal lock and raises the flag. Call
// TriggerEnd to release the lock, signaling the waiter only if wake is true.
//
// Splitting trigger into Begin/End lets a caller update other state the
// waiter needs to see (e.g. publish a job into a slot) while still holding
// the lock that guards flag, without a second acquisition.
func (p *Parker) TriggerBegin() {
	p.mu.Lock()
	p.flag = true
}

// TriggerEnd releases the lock taken by TriggerBegin. If wake is true the
// condition variable is signaled; the single waiter (if any) proceeds to
// observe flag set. If wake is false, flag is cleared again without
// signaling, so the trigger has no effect and a later Wait still blocks.
func (p *Parker) TriggerEnd(wake bool) {
	if wake {
		p.cond.Signal()
	} else {
		p.flag = false
	}
	p.mu.Unlock()
}

// WaitBegin acquires the internal lock for the waiter.
func (p *Parker) WaitBegin() {
	p.mu.Lock()
}

// Wait blocks until flag has been set by a signaler, looping on spurious
// wakeups. Must be called with the lock held (after WaitBegin).
func (p *Parker) Wait() {
	for !p.flag {
		p.cond.Wait()
	}
}

// WaitEnd clears flag and releases the lock taken by WaitBegin.
func (p *Parker) WaitEnd() {
	p.flag = false
	p.mu.Unlock()
}

// Sleep is the common case of WaitBegin; Wait; WaitEnd as a single call,
// convenient for a Worker that has nothing else to do between.
func (p *Parker) Sleep() {
	p.WaitBegin()
	p.Wait()
	p.WaitEnd()
}

// Wake is the common case of TriggerBegin; TriggerEnd(true) as a single
// call, used by a signaler that isn't otherwise touching guarded state.
func (p *Parker) Wake() {
	p.TriggerBegin()
	p.TriggerEnd(true)
}
