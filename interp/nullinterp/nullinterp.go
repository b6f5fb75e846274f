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

// Package nullinterp is a minimal, pure-Go stand-in for the embedded
// scripting interpreter named (but deliberately not implemented) by
// spec.md. It treats "source" as a short list of opcodes (send, yield,
// exit, panic) instead of a real scripting language, which is enough to
// drive the scheduler, worker, and service packages through their full
// resume/yield/error lifecycle in tests without pulling in a real VM.
package nullinterp

import (
	"errors"
	"fmt"

	"github.com/cloudwego/ltask/interp"
)

// Host is the narrow callback surface a Service gives its interpreter so
// opcodes can actually cause an outbound send, rather than just existing
// for show. It is defined in terms of primitives (not message.ServiceID) to
// avoid nullinterp depending on the message/service packages.
type Host interface {
	Send(to uint32, session uint32, typ uint8, payload []byte) bool
}

// OpCode is one instruction in a Program.
type OpCode int

const (
	OpSend OpCode = iota
	OpYield
	OpExit
	OpPanic
)

// Instruction is one opcode plus its operands.
type Instruction struct {
	Op      OpCode
	To      uint32
	Session uint32
	Type    uint8
	Payload []byte
	Message string // used by OpPanic
}

// Program is the "source" nullinterp compiles: a flat instruction list.
type Program []Instruction

var ErrNotProgram = errors.New("nullinterp: source is not a nullinterp.Program")

// Interp implements interp.Interpreter.
type Interp struct {
	host Host

	alloc     interp.Allocator
	registry  map[string][]byte
	generational bool
	libsOpen  bool

	program Program
	pc      int
	closed  bool
	running bool
}

// New returns a fresh Interp bound to host, matching the interp.New
// constructor shape.
func New(host Host) (interp.Interpreter, error) {
	return &Interp{host: host, registry: map[string][]byte{}}, nil
}

func (i *Interp) OpenLibs() { i.libsOpen = true }

func (i *Interp) SetAllocator(a interp.Allocator) { i.alloc = a }

func (i *Interp) SetGenerationalGC() { i.generational = true }

func (i *Interp) SetRegistry(name string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	i.registry[name] = cp
}

func (i *Interp) GetRegistry(name string) ([]byte, bool) {
	v, ok := i.registry[name]
	return v, ok
}

// Load accepts a nullinterp.Program encoded via the package-level Encode
// helper (see encode.go); LoadProgram sets a Program directly, without the
// byte encoding. chunkname is only used in error text.
func (i *Interp) Load(source []byte, chunkname string) error {
	prog, err := Decode(source)
	if err != nil {
		return fmt.Errorf("nullinterp: load %s: %w", chunkname, err)
	}
	i.program = prog
	i.pc = 0
	if i.alloc != nil {
		if !i.alloc.Allow(interp.KindFunction, 0, len(source)) {
			return fmt.Errorf("nullinterp: load %s: out of memory", chunkname)
		}
		i.alloc.Track(interp.KindFunction, 0, len(source))
	}
	return nil
}

// LoadProgram is a test convenience that bypasses the byte-encoding round
// trip entirely.
func (i *Interp) LoadProgram(p Program) {
	i.program = p
	i.pc = 0
}

// Resume executes instructions from the current program counter until it
// hits OpYield (suspend, resumable), OpExit (normal completion), OpPanic
// (error), or runs off the end of the program (treated as OpExit).
func (i *Interp) Resume() (interp.Result, error) {
	if i.closed {
		return interp.Error, errors.New("nullinterp: resume on closed interpreter")
	}
	i.running = true
	defer func() { i.running = false }()

	for i.pc < len(i.program) {
		ins := i.program[i.pc]
		i.pc++
		switch ins.Op {
		case OpSend:
			if i.host != nil {
				i.host.Send(ins.To, ins.Session, ins.Type, ins.Payload)
			}
		case OpYield:
			return interp.Yield, nil
		case OpExit:
			return interp.Ok, nil
		case OpPanic:
			msg := ins.Message
			if msg == "" {
				msg = "nullinterp: scripted panic"
			}
			return interp.Error, errors.New(msg)
		default:
			return interp.Error, fmt.Errorf("nullinterp: unknown opcode %d", ins.Op)
		}
	}
	return interp.Ok, nil
}

// Backtrace renders a minimal one-frame backtrace: nullinterp has no call
// stack worth walking, so it reports the program counter instead, in the
// same "short_src:line: in ..." shape a real backtrace uses.
func (i *Interp) Backtrace(buf []byte) int {
	s := fmt.Sprintf("nullinterp:%d: in main chunk\n", i.pc)
	n := copy(buf, s)
	return n
}

func (i *Interp) Close() error {
	i.closed = true
	return nil
}
