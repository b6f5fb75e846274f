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

// Package extevent turns a cross-thread/cross-goroutine signal into a
// readable file descriptor, so a host that already multiplexes its own
// socket I/O on some external poller can fold the scheduler's wakeups into
// the same wait. It is the classic self-pipe: rather than a real pipe(2),
// which isn't available uniformly across platforms, a loopback TCP socket
// pair is used, following the same portability tradeoff the embedding
// host's original implementation made.
package extevent

import (
	"net"
	"sync/atomic"
	"time"
)

// Event is a self-pipe: Trigger is safe to call from any number of
// goroutines; Wait (or the raw Fd, for an external poller) observes it.
type Event struct {
	armed int32 // atomic: 0 or 1

	listener net.Listener
	writer   net.Conn // write end, used by Trigger
	reader   net.Conn // read end, exposed via Fd/Wait

	readerFile rawFile
}

// rawFile is the subset of *os.File we need without importing os in the
// common path; kept as a small indirection so platforms without SyscallConn
// support could stub it out.
type rawFile interface {
	Fd() uintptr
	Read(b []byte) (int, error)
	Close() error
}

// New creates a loopback TCP socket pair and returns an Event wrapping it.
// Socket setup can fail (e.g. a sandboxed environment with no loopback
// interface); callers must fall back to a plain timed sleep in that case,
// per the external-event contract.
func New() (*Event, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	acceptc := make(chan net.Conn, 1)
	errc := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errc <- err
			return
		}
		acceptc <- c
	}()

	writer, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}

	var reader net.Conn
	select {
	case reader = <-acceptc:
	case err := <-errc:
		writer.Close()
		ln.Close()
		return nil, err
	}

	// We no longer need to accept new connections once the pair is
	// established; the listener's only job was to let us Dial into
	// ourselves.
	ln.Close()

	f, err := asFile(reader)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	e := &Event{
		writer:     writer,
		reader:     reader,
		readerFile: f,
	}
	return e, nil
}

// Fd returns the read end's file descriptor, suitable for registration with
// an external readiness poller (epoll, kqueue, IOCP via a compat shim, ...).
func (e *Event) Fd() uintptr {
	return e.readerFile.Fd()
}

// Trigger is idempotent and lock-free: only the 0->1 transition of the
// internal armed flag actually writes a byte to the pipe, so a storm of
// concurrent Trigger calls produces at most one pending wakeup byte.
func (e *Event) Trigger() {
	if atomic.CompareAndSwapInt32(&e.armed, 0, 1) {
		e.writer.Write([]byte{1})
	}
}

// Wait blocks (up to timeout, if positive) for the event to become armed,
// draining up to 128 bytes from the read end and clearing the armed flag
// before returning. A timeout <= 0 means wait forever.
func (e *Event) Wait(timeout time.Duration) error {
	if timeout > 0 {
		e.reader.SetReadDeadline(time.Now().Add(timeout))
		defer e.reader.SetReadDeadline(time.Time{})
	}
	var buf [128]byte
	_, err := e.reader.Read(buf[:])
	atomic.StoreInt32(&e.armed, 0)
	return err
}

// Close releases both ends of the socket pair.
func (e *Event) Close() error {
	e.writer.Close()
	e.readerFile.Close()
	return e.reader.Close()
}
