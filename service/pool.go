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

package service

import (
	"math/bits"
	"sync"
)

// Pool is a fixed-size, ID-indexed slot table. Size is the next power of
// two >= the configured max_service, so slot lookup is id & mask rather
// than a hash. Allocation uses a monotonically incrementing cursor with
// linear probing, matching spec.md §4.6; a stale ID whose slot was since
// reused by a different generation is distinguished by validating the
// occupant's own recorded ID against the query.
type Pool struct {
	mu       sync.Mutex
	slots    []*Service
	mask     uint32
	cursor   uint32
	inboxCap int
	log      LogFunc
}

// NewPool returns a Pool sized to hold at least maxService concurrent
// services, each given an inbox of inboxCap capacity.
func NewPool(maxService, inboxCap int, log LogFunc) *Pool {
	size := nextPow2(maxService)
	return &Pool{
		slots:    make([]*Service, size),
		mask:     uint32(size - 1),
		cursor:   1, // ID 0 is reserved for "none"
		inboxCap: inboxCap,
		log:      log,
	}
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// New allocates a slot and returns the new Service's ID, or 0 if the pool
// is exhausted (a full sweep of the slot table found no free slot) or the
// requested preferredID's slot is already occupied.
//
// If preferredID is nonzero, that exact ID is used (failing if occupied).
// Otherwise the pool probes forward from its internal cursor.
func (p *Pool) New(preferredID ID) ID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if preferredID != 0 {
		idx := uint32(preferredID) & p.mask
		if p.slots[idx] != nil {
			return 0
		}
		p.slots[idx] = newService(preferredID, p.inboxCap, p.log)
		return preferredID
	}

	size := uint32(len(p.slots))
	for i := uint32(0); i < size; i++ {
		candidate := p.cursor
		p.cursor++
		if p.cursor == 0 {
			p.cursor = 1 // never hand out ID 0
		}
		idx := candidate & p.mask
		if candidate != 0 && p.slots[idx] == nil {
			p.slots[idx] = newService(candidate, p.inboxCap, p.log)
			return candidate
		}
	}
	return 0 // pool exhausted
}

// Lookup returns the Service for id, or nil if the slot is empty or
// occupied by a different generation (i.e. id was deleted and the slot
// reused, or never allocated).
func (p *Pool) Lookup(id ID) *Service {
	if id == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := uint32(id) & p.mask
	s := p.slots[idx]
	if s == nil || s.ID() != id {
		return nil
	}
	return s
}

// Delete frees id's slot. It requires Close to have been called first (see
// SPEC_FULL.md's Open Question decision); returns ErrNotClosed otherwise.
// Deleting an unknown or already-deleted ID is a no-op returning nil.
func (p *Pool) Delete(id ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := uint32(id) & p.mask
	s := p.slots[idx]
	if s == nil || s.ID() != id {
		return nil
	}
	if !s.IsClosed() {
		return ErrNotClosed
	}
	p.slots[idx] = nil
	return nil
}

// Len returns the number of occupied slots. Intended for diagnostics and
// tests; it walks the whole slot table under the pool's lock.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Cap returns the total number of slots.
func (p *Pool) Cap() int { return len(p.slots) }

// Each calls f once for every currently occupied slot, under a snapshot
// taken at the start of the call (services created or deleted mid-iteration
// are not observed). The Scheduler uses this to sweep outboxes once per
// loop iteration. f runs after the pool's lock is released, so it may call
// back into the Pool (routing does Lookup and, for schedule_del, Delete).
func (p *Pool) Each(f func(*Service)) {
	p.mu.Lock()
	snapshot := make([]*Service, 0, len(p.slots))
	for _, s := range p.slots {
		if s != nil {
			snapshot = append(snapshot, s)
		}
	}
	p.mu.Unlock()

	for _, s := range snapshot {
		f(s)
	}
}
