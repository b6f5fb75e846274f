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

// Package timingwheel implements the runtime's delayed-event facility: a
// 4-level hierarchical timing wheel ticking at 0.1ms granularity. One "near"
// wheel of 256 slots catches anything due inside the next 25.6ms; four
// 64-slot cascade wheels above it catch everything else, each covering six
// more bits of the absolute tick counter. An entry never moves until its
// bucket is due, at which point it cascades one level down (possibly
// straight into the near wheel) carrying the same absolute expire tick it
// was scheduled with, so nothing is ever lost or fired early across a
// cascade.
package timingwheel

import (
	"sync"

	"github.com/cloudwego/ltask/internal/clock"
)

const (
	nearShift = 8
	nearSize  = 1 << nearShift
	nearMask  = nearSize - 1

	levelShift = 6
	levelSize  = 1 << levelShift
	levelMask  = levelSize - 1

	numCascades = 4
)

// LogFunc is the injectable logging hook, matching the rest of the runtime.
type LogFunc func(format string, args ...interface{})

// entry is an intrusive singly-linked list node. A slot owns a chain of
// entries; cascading transfers the whole chain to Add in one pass rather
// than copying payloads.
type entry struct {
	expire  uint32
	payload interface{}
	next    *entry
}

// bucket is a FIFO chain of entries sharing a wheel slot.
type bucket struct {
	head, tail *entry
}

func (b *bucket) push(e *entry) {
	e.next = nil
	if b.tail == nil {
		b.head, b.tail = e, e
		return
	}
	b.tail.next = e
	b.tail = e
}

// drain detaches and returns the whole chain, leaving the bucket empty.
func (b *bucket) drain() *entry {
	head := b.head
	b.head, b.tail = nil, nil
	return head
}

// Wheel is the hierarchical timing wheel. The zero value is not usable; use
// New. All mutation is serialized by a single mutex playing the role of the
// spinlock described for the original implementation: contention here is
// expected to be rare (one Add per scheduled timer, one Update per
// scheduler loop iteration) so a spinlock would buy nothing a mutex doesn't
// already give on the platforms Go targets.
type Wheel struct {
	mu sync.Mutex

	near    [nearSize]bucket
	cascade [numCascades][levelSize]bucket

	tick      uint32
	lastPoint uint64
	epoch     uint64

	log LogFunc
}

// New creates a Wheel anchored at src's current tick. src.Epoch() is
// recorded so a caller can later translate an absolute expire tick back to
// wall-clock time.
func New(src *clock.Source, log LogFunc) *Wheel {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Wheel{
		lastPoint: src.Now0p1ms(),
		epoch:     src.Epoch(),
		log:       log,
	}
}

// Epoch returns the wall-clock 0.1ms value corresponding to tick 0.
func (w *Wheel) Epoch() uint64 { return w.epoch }

// Tick returns the wheel's current absolute tick counter, for diagnostics.
func (w *Wheel) Tick() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Add schedules payload to fire delayTicks ticks from now. delayTicks == 0
// fires on the next Update/tick call, matching spec's delay-0 scenario.
func (w *Wheel) Add(payload interface{}, delayTicks uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.addLocked(payload, w.tick+delayTicks)
}

func (w *Wheel) addLocked(payload interface{}, expire uint32) {
	e := &entry{expire: expire, payload: payload}
	current := w.tick

	if (expire | nearMask) == (current | nearMask) {
		w.near[expire&nearMask].push(e)
		return
	}

	mask := uint32(nearSize) << levelShift
	level := 0
	for level < numCascades-1 {
		if (expire | (mask - 1)) == (current | (mask - 1)) {
			break
		}
		mask <<= levelShift
		level++
	}
	idx := (expire >> uint(nearShift+level*levelShift)) & levelMask
	w.cascade[level][idx].push(e)
}

// Update advances the wheel to now (0.1ms ticks since the Source it was
// built from) and invokes dispatch once per entry that became due along the
// way. A negative drift (now < last observed point) is logged and the
// wheel's notion of "now" is resynchronized without emitting any ticks for
// the regression interval, per spec.
func (w *Wheel) Update(now uint64, dispatch func(interface{})) {
	w.mu.Lock()
	if now < w.lastPoint {
		w.log("TIMINGWHEEL: clock regression detected (now=%d last=%d); resynchronizing", now, w.lastPoint)
		w.lastPoint = now
		w.mu.Unlock()
		return
	}
	diff := now - w.lastPoint
	w.lastPoint = now
	w.mu.Unlock()

	for i := uint64(0); i < diff; i++ {
		w.tickOnce(dispatch)
	}
}

// tickOnce implements spec's three-step tick: dispatch anything due at the
// current tick, advance the tick and cascade, then dispatch again (a
// cascaded entry can land exactly on the new current tick).
func (w *Wheel) tickOnce(dispatch func(interface{})) {
	w.mu.Lock()
	due := w.near[w.tick&nearMask].drain()

	w.tick++
	if w.tick == 0 {
		w.cascadeLocked(numCascades-1, 0)
	} else {
		w.shiftLocked()
	}

	due2 := w.near[w.tick&nearMask].drain()
	w.mu.Unlock()

	dispatchChain(due, dispatch)
	dispatchChain(due2, dispatch)
}

// shiftLocked walks cascade levels upward from the near wheel, stopping at
// the first level whose index bits (for the new tick) are nonzero — that
// level's bucket at that index is the only one that can have become due.
// Everything above stays put since its low bits haven't rolled over yet.
func (w *Wheel) shiftLocked() {
	mask := uint32(nearSize)
	t := w.tick >> nearShift
	for level := 0; level < numCascades; level++ {
		if w.tick&(mask-1) != 0 {
			return
		}
		idx := t & levelMask
		if idx != 0 {
			w.cascadeLocked(level, idx)
			return
		}
		mask <<= levelShift
		t >>= levelShift
	}
}

// cascadeLocked drains cascade[level][idx] and reinserts every entry via
// addLocked using its original absolute expire tick, so entries are never
// lost and never fire early.
func (w *Wheel) cascadeLocked(level int, idx uint32) {
	e := w.cascade[level][idx].drain()
	for e != nil {
		next := e.next
		w.addLocked(e.payload, e.expire)
		e = next
	}
}

func dispatchChain(e *entry, dispatch func(interface{})) {
	for e != nil {
		dispatch(e.payload)
		e = e.next
	}
}
