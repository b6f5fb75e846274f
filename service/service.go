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

// Package service implements the per-service execution context: an
// interpreter handle, inbox, single-slot outbox and receipt, status, and
// memory/CPU accounting. See Pool (pool.go) for the slot table services live
// in.
package service

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/ltask/container/ring"
	"github.com/cloudwego/ltask/interp"
	"github.com/cloudwego/ltask/message"
)

// ID is a nonzero 32-bit service handle. ID 0 is reserved for "none" /
// "the scheduler" depending on context; ID 1 is the conventional root
// service.
type ID = message.ServiceID

// Status is a Service's lifecycle state.
type Status int32

const (
	Uninitialized Status = iota
	Idle
	Scheduling
	Running
	Dead
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Scheduling:
		return "scheduling"
	case Running:
		return "running"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ReceiptKind is the scheduler's response to a previously sent Message.
type ReceiptKind int32

const (
	ReceiptNone ReceiptKind = iota
	ReceiptDone
	ReceiptError
	ReceiptBlock
	ReceiptResponse
)

func (k ReceiptKind) String() string {
	switch k {
	case ReceiptNone:
		return "none"
	case ReceiptDone:
		return "done"
	case ReceiptError:
		return "error"
	case ReceiptBlock:
		return "block"
	case ReceiptResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Receipt is a single pending scheduler response, optionally carrying a
// bounce message to be read ahead of the inbox.
type Receipt struct {
	Kind   ReceiptKind
	Bounce *message.Message
}

const maxLabelLen = 31

const registryBootstrapKey = "ltask.bootstrap"

var (
	// ErrOutboxOccupied is returned by SendMessage when the outbox
	// already holds an unharvested message.
	ErrOutboxOccupied = errors.New("service: outbox already occupied")
	// ErrDead is returned by operations that refuse to act on a Dead
	// service.
	ErrDead = errors.New("service: service is dead")
	// ErrNotClosed is returned by Pool.Delete when Close was not called
	// first; see SPEC_FULL.md's Open Question decision.
	ErrNotClosed = errors.New("service: delete requires close first")
)

// LogFunc is the injectable logging hook, matching concurrency/gopool's
// "SetPanicHandler" style override of a log.Printf default.
type LogFunc func(format string, args ...interface{})

// Stats holds a Service's memory and CPU accounting. All fields are
// accessed through atomics since diagnostic readers may read them from a
// different goroutine than the one currently running the service; per
// spec.md §5, readers must treat them as estimates.
type Stats struct {
	bytesInUse  int64
	limit       int64
	allocCounts [interp.NumAllocKinds]int64
	cpuTicks    int64 // cumulative CPU cost, in 0.1ms ticks
	lastResume  int64 // unix nanos
}

// BytesInUse returns the current estimate of live interpreter bytes.
func (s *Stats) BytesInUse() int64 { return atomic.LoadInt64(&s.bytesInUse) }

// Limit returns the soft memory limit, or 0 for unlimited.
func (s *Stats) Limit() int64 { return atomic.LoadInt64(&s.limit) }

// SetLimit installs a new soft memory limit; 0 means unlimited. Shrinking or
// growing the limit is always allowed, only growth of bytesInUse above a
// nonzero limit is ever rejected.
func (s *Stats) SetLimit(n int64) { atomic.StoreInt64(&s.limit, n) }

// AllocCount returns the cumulative allocation count for kind.
func (s *Stats) AllocCount(kind interp.AllocKind) int64 {
	return atomic.LoadInt64(&s.allocCounts[kind])
}

// CPUTicks returns cumulative CPU cost in 0.1ms ticks.
func (s *Stats) CPUTicks() int64 { return atomic.LoadInt64(&s.cpuTicks) }

// statAllocator adapts a Service's Stats into the interp.Allocator hook
// installed on its Interpreter at Init time.
type statAllocator struct {
	s *Stats
}

func (a *statAllocator) Allow(kind interp.AllocKind, oldSize, newSize int) bool {
	if newSize <= oldSize {
		return true // shrinking or freeing is always allowed
	}
	limit := atomic.LoadInt64(&a.s.limit)
	if limit == 0 {
		return true
	}
	grow := int64(newSize - oldSize)
	return atomic.LoadInt64(&a.s.bytesInUse)+grow <= limit
}

func (a *statAllocator) Track(kind interp.AllocKind, oldSize, newSize int) {
	delta := int64(newSize - oldSize)
	atomic.AddInt64(&a.s.bytesInUse, delta)
	if newSize > 0 {
		atomic.AddInt64(&a.s.allocCounts[kind], 1)
	}
}

// Service is a single isolated execution context. The zero value is not
// usable; construct one through a Pool.
type Service struct {
	id ID

	status int32 // atomic Status

	interp interp.Interpreter
	stats  Stats

	inbox *ring.Queue[*message.Message]

	mu      sync.Mutex
	outbox  *message.Message
	receipt Receipt

	affinity  int32 // atomic: worker index, or -1 for none
	sockEvent int32 // atomic: socket-event index, or -1 for none

	label atomic.Value // string

	log LogFunc

	closed bool
}

func newService(id ID, inboxCap int, log LogFunc) *Service {
	if log == nil {
		log = defaultLog
	}
	s := &Service{
		id:        id,
		status:    int32(Uninitialized),
		inbox:     ring.New[*message.Message](inboxCap),
		affinity:  -1,
		sockEvent: -1,
		log:       log,
	}
	s.label.Store("")
	return s
}

func defaultLog(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

// ID returns the service's nonzero handle.
func (s *Service) ID() ID { return s.id }

// StatusGet returns the current lifecycle state.
func (s *Service) StatusGet() Status { return Status(atomic.LoadInt32(&s.status)) }

// StatusSet transitions the service to status.
func (s *Service) StatusSet(status Status) { atomic.StoreInt32(&s.status, int32(status)) }

// Label returns the service's diagnostic label.
func (s *Service) Label() string { return s.label.Load().(string) }

// SetLabel sets the diagnostic label, silently truncating to 31 bytes.
func (s *Service) SetLabel(label string) {
	if len(label) > maxLabelLen {
		label = label[:maxLabelLen]
	}
	s.label.Store(label)
}

// MemLimit returns the soft memory limit (0 == unlimited).
func (s *Service) MemLimit() int64 { return s.stats.Limit() }

// SetMemLimit installs a new soft memory limit.
func (s *Service) SetMemLimit(n int64) { s.stats.SetLimit(n) }

// MemCount returns the service's live memory accounting block (not a copy);
// its fields are read atomically through its accessors.
func (s *Service) MemCount() *Stats { return &s.stats }

// BindingGet returns the worker index this service is pinned to, or -1.
func (s *Service) BindingGet() int { return int(atomic.LoadInt32(&s.affinity)) }

// BindingSet pins the service to worker index w (or -1 to clear).
func (s *Service) BindingSet(w int) { atomic.StoreInt32(&s.affinity, int32(w)) }

// SockEventGet returns the socket-event index, or -1 if none.
func (s *Service) SockEventGet() int { return int(atomic.LoadInt32(&s.sockEvent)) }

// SockEventInit assigns the socket-event index.
func (s *Service) SockEventInit(idx int) { atomic.StoreInt32(&s.sockEvent, int32(idx)) }

// CPUCost returns the cumulative CPU cost, in 0.1ms ticks.
func (s *Service) CPUCost() int64 { return s.stats.CPUTicks() }

// Init creates the interpreter, wires its allocator to this service's
// stats, publishes bootstrapKey into its registry, opens standard
// libraries, and switches its GC to generational mode. On any failure the
// interpreter (if created) is closed and the error is returned.
func (s *Service) Init(newInterp interp.New, bootstrapKey []byte) error {
	it, err := newInterp()
	if err != nil {
		return fmt.Errorf("service %d: create interpreter: %w", s.id, err)
	}
	it.SetAllocator(&statAllocator{s: &s.stats})
	it.SetRegistry(registryBootstrapKey, bootstrapKey)
	it.OpenLibs()
	it.SetGenerationalGC()
	s.interp = it
	return nil
}

// LoadSource compiles code into the interpreter's top coroutine. On success
// the service transitions Uninitialized -> Idle; on failure -> Dead.
func (s *Service) LoadSource(code []byte, chunkname string) error {
	if err := s.interp.Load(code, chunkname); err != nil {
		s.StatusSet(Dead)
		return fmt.Errorf("service %d: load %s: %w", s.id, chunkname, err)
	}
	s.StatusSet(Idle)
	return nil
}

// ResumeOutcome is the result of a single Resume call, folding the
// interpreter's Result together with whatever error it produced.
type ResumeOutcome struct {
	Result interp.Result
	Err    error
}

// Resume invokes the interpreter's coroutine, accumulating CPU-time
// accounting around the call. On a non-yield, non-ok result the service
// transitions to Dead. The outcome carries only the result and the error; a
// caller that needs backtrace text for the crash log calls Backtrace next,
// while the interpreter still holds the failing state.
func (s *Service) Resume() ResumeOutcome {
	start := time.Now()
	atomic.StoreInt64(&s.stats.lastResume, start.UnixNano())

	res, err := s.interp.Resume()

	elapsedTicks := time.Since(start).Nanoseconds() / 100000
	atomic.AddInt64(&s.stats.cpuTicks, elapsedTicks)

	if res != interp.Yield && res != interp.Ok {
		s.StatusSet(Dead)
	}
	return ResumeOutcome{Result: res, Err: err}
}

// Backtrace renders the currently running coroutine's backtrace into buf,
// returning the number of bytes written.
func (s *Service) Backtrace(buf []byte) int {
	return s.interp.Backtrace(buf)
}

// PushMessage enqueues msg to the inbox. Returns -1 if the service is dead
// (msg is not enqueued, caller retains ownership), 1 if the inbox is full
// (backpressure, caller retains ownership), 0 if accepted.
func (s *Service) PushMessage(msg *message.Message) int {
	if s.StatusGet() == Dead {
		return -1
	}
	if !s.inbox.Push(msg) {
		return 1
	}
	return 0
}

// PopMessage returns a bounce carried in the receipt slot if any, otherwise
// dequeues from the inbox. Returns nil if nothing is available.
func (s *Service) PopMessage() *message.Message {
	s.mu.Lock()
	if s.receipt.Bounce != nil {
		b := s.receipt.Bounce
		s.receipt.Bounce = nil
		s.mu.Unlock()
		return b
	}
	s.mu.Unlock()

	m, ok := s.inbox.Pop()
	if !ok {
		return nil
	}
	return m
}

// InboxLen returns the current inbox length.
func (s *Service) InboxLen() int { return s.inbox.Len() }

// SendMessage publishes msg into the single outbox slot. Fails with
// ErrOutboxOccupied if a previous message has not yet been harvested.
func (s *Service) SendMessage(msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbox != nil {
		return ErrOutboxOccupied
	}
	s.outbox = msg
	return nil
}

// MessageOut takes the outbox slot, if any, leaving it empty.
func (s *Service) MessageOut() *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.outbox
	s.outbox = nil
	return m
}

// WriteReceipt writes a receipt back to this service. Overwriting a
// non-None pending receipt is allowed (latest receipt wins, per
// SPEC_FULL.md's Open Question decision); the prior bounce, if any, is
// dropped and a warning is logged.
func (s *Service) WriteReceipt(kind ReceiptKind, bounce *message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receipt.Kind != ReceiptNone {
		s.log("service %d: receipt overwritten before being read (was %s, now %s); dropping prior bounce", s.id, s.receipt.Kind, kind)
		message.Delete(s.receipt.Bounce)
	}
	s.receipt = Receipt{Kind: kind, Bounce: bounce}
}

// ReadReceipt takes the pending receipt, resetting it to ReceiptNone.
func (s *Service) ReadReceipt() Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.receipt
	s.receipt = Receipt{}
	return r
}

// SendSignal atomically publishes a zero-payload Signal message from this
// service to root into its outbox slot, dropping any prior unharvested
// message in the process. Used for urgent host notifications that must
// never be blocked by backpressure on the normal send path.
func (s *Service) SendSignal(root ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outbox != nil {
		s.log("service %d: dropping unharvested outbox message to send signal", s.id)
		message.Delete(s.outbox)
	}
	s.outbox = message.New(s.id, root, 0, message.TypeSignal, nil)
}

// Close closes the interpreter and marks the service Dead, preserving its
// pool slot. Close is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	outbox := s.outbox
	s.outbox = nil
	bounce := s.receipt.Bounce
	s.receipt = Receipt{}
	s.mu.Unlock()

	if alreadyClosed {
		return nil
	}
	message.Delete(outbox)
	message.Delete(bounce)
	for {
		m, ok := s.inbox.Pop()
		if !ok {
			break
		}
		message.Delete(m)
	}
	s.StatusSet(Dead)
	if s.interp != nil {
		return s.interp.Close()
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Service) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
