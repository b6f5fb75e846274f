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

// Package message defines the immutable envelope services communicate with,
// and the ownership rules around its payload: a Message is allocated on
// send, passed through at most one inbox slot, and released by whoever last
// holds it.
package message

import "github.com/cloudwego/ltask/cache/mempool"

// ServiceID is a nonzero 32-bit service handle. Zero means "none"/"the
// scheduler" depending on context (see the service package).
type ServiceID uint32

// Type classifies a Message the way the host interprets it; the runtime
// itself only special-cases Signal (zero payload, routed to the root) and
// the schedule-control types (routed to ServiceID 0).
type Type uint8

const (
	TypeSystem Type = iota
	TypeRequest
	TypeResponse
	TypeError
	TypeSignal
	TypeIdle
	// TypeScheduleNew and TypeScheduleDel are only meaningful when To == 0:
	// they are control messages from the root service to the scheduler.
	TypeScheduleNew
	TypeScheduleDel
)

func (t Type) String() string {
	switch t {
	case TypeSystem:
		return "system"
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	case TypeIdle:
		return "idle"
	case TypeScheduleNew:
		return "schedule_new"
	case TypeScheduleDel:
		return "schedule_del"
	default:
		return "unknown"
	}
}

// smallAllocFloor matches mempool's own bucket floor: payloads smaller than
// this aren't worth routing through the pooled-footer bookkeeping.
const smallAllocFloor = 4 << 10

// Message is an immutable envelope. Payload ownership transfers to whoever
// holds the Message; the final holder must call Delete to release it.
type Message struct {
	From    ServiceID
	To      ServiceID
	Session uint32
	Type    Type
	Payload []byte
}

// New allocates a Message, copying src into a fresh, pool-backed payload
// buffer. Signal messages and other zero-payload types should pass nil.
func New(from, to ServiceID, session uint32, typ Type, src []byte) *Message {
	return &Message{
		From:    from,
		To:      to,
		Session: session,
		Type:    typ,
		Payload: allocPayload(src),
	}
}

// Clone returns an independent copy of m, with its own payload buffer. Used
// on the bounce/retry paths that need to keep the original Message alive
// across a receipt round-trip.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	return New(m.From, m.To, m.Session, m.Type, m.Payload)
}

// Delete releases the payload and the envelope. Deleting a nil Message is a
// no-op, mirroring message_delete's treatment of a null message.
func Delete(m *Message) {
	if m == nil {
		return
	}
	freePayload(m.Payload)
	m.Payload = nil
}

func allocPayload(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	if len(src) < smallAllocFloor {
		buf := make([]byte, len(src))
		copy(buf, src)
		return buf
	}
	buf := mempool.Malloc(len(src))
	copy(buf, src)
	return buf
}

func freePayload(buf []byte) {
	if len(buf) == 0 {
		return
	}
	// mempool.Free is a safe no-op for buffers it didn't allocate (it
	// checks the footer magic before touching the pool), so buffers from
	// the make() path above are simply dropped for the GC to collect.
	mempool.Free(buf)
}
