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

// Package interp declares the embedded-interpreter contract. It is the only
// external collaborator named in spec.md §6: the runtime treats a service's
// interpreter as an opaque black box it resumes, never peeking at its
// scripting language.
package interp

// AllocKind buckets an interpreter allocation for the per-service memory
// histogram. Any real scripting-language embedding is expected to map its
// own internal object kinds onto these buckets; the runtime does not try to
// infer kind from allocation shape (see DESIGN.md for why the teacher's C
// original's "osize < LUA_NUMTYPES" trick is not carried over).
type AllocKind int

const (
	KindString AllocKind = iota
	KindTable
	KindFunction
	KindUserdata
	KindThread
	KindOther
	NumAllocKinds
)

// Result is the outcome of a single Resume call.
type Result int

const (
	// Yield means the interpreter's coroutine suspended itself and
	// expects to be resumed again later; the worker returns the service
	// to the scheduler without marking it Dead.
	Yield Result = iota
	// Ok means the coroutine ran to completion normally.
	Ok
	// Error means the coroutine raised an uncaught error; the service
	// transitions to Dead after its backtrace is emitted.
	Error
)

// Allocator is the hook the runtime installs into a freshly created
// Interpreter so Service-level memory accounting can observe every
// allocation, reallocation, and free the interpreter performs, and reject
// growth past a soft limit. oldSize/newSize follow the realloc(ptr, osize,
// nsize) convention: nsize == 0 means free, oldSize == 0 means fresh
// allocation.
type Allocator interface {
	// Allow is consulted before a growing allocation is performed. It
	// returns false if the allocation would exceed the service's limit,
	// in which case the interpreter must treat it as an out-of-memory
	// condition.
	Allow(kind AllocKind, oldSize, newSize int) bool
	// Track records a completed allocation/free so byte and
	// allocation-count statistics stay current.
	Track(kind AllocKind, oldSize, newSize int)
}

// Interpreter is the embedded script engine the runtime resumes. A real
// implementation wraps a scripting VM (Lua, JavaScript, ...); see
// interp/nullinterp for a minimal reference implementation used by this
// repository's own tests.
type Interpreter interface {
	// OpenLibs installs the interpreter's standard library surface.
	OpenLibs()
	// SetAllocator installs the accounting hook described above. Called
	// once at creation, before any other method.
	SetAllocator(a Allocator)
	// SetGenerationalGC switches the interpreter's collector into
	// generational mode, matching the bootstrap step in spec.md §4.5.
	SetGenerationalGC()
	// SetRegistry publishes a value into the interpreter's registry under
	// name, used once at bootstrap to hand the service its bootstrap key.
	SetRegistry(name string, value []byte)
	// GetRegistry reads a previously published registry value.
	GetRegistry(name string) ([]byte, bool)

	// Load compiles source into the top-level coroutine. chunkname is
	// used only for error messages and backtraces.
	Load(source []byte, chunkname string) error

	// Resume runs the top-level coroutine until it yields, returns, or
	// errors. args/rets follow the embedding's own calling convention and
	// are opaque to the runtime.
	Resume() (Result, error)

	// Backtrace renders a backtrace of the currently running coroutine
	// into buf, returning the number of bytes written. Implementations
	// must truncate cleanly if buf is too small.
	Backtrace(buf []byte) int

	// Close releases the interpreter's resources. Calling any other
	// method after Close is a programmer error.
	Close() error
}

// New is the constructor signature a concrete interpreter package is
// expected to expose; the runtime itself never calls it directly; it is
// injected by the caller that builds a Runtime (see the top-level package).
type New func() (Interpreter, error)
