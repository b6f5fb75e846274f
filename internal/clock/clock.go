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

// Package clock provides the runtime's two time bases, both expressed in
// 0.1ms ("tick") units: a monotonic clock anchored at the Source's creation and a
// wall clock anchored at Unix epoch. Both are derived from the Go runtime's
// own monotonic/wall clock pair inside time.Now, the same way the embedding
// host's original C implementation paired CLOCK_MONOTONIC with
// gettimeofday/clock_gettime(CLOCK_REALTIME) at startup so ticks could later
// be translated back to wall time.
package clock

import "time"

const ticksPerMilli = 10 // 0.1ms granularity: 1ms == 10 ticks

// Source pairs a monotonic tick counter with the wall-clock tick value
// recorded at the same instant, so callers that only see tick deltas (e.g.
// the timing wheel) can still translate back to a wall-clock timestamp.
type Source struct {
	start    time.Time
	epoch0p1 uint64
}

// NewSource anchors a new Source at the current instant.
func NewSource() *Source {
	now := time.Now()
	return &Source{
		start:    now,
		epoch0p1: uint64(now.UnixNano()) / 100000,
	}
}

// Now0p1ms returns the number of 0.1ms ticks elapsed since the Source was
// created, using the monotonic reading embedded in time.Time.
func (s *Source) Now0p1ms() uint64 {
	return uint64(time.Since(s.start).Nanoseconds()) / 100000
}

// WallNow0p1ms returns the current wall-clock time in 0.1ms units since the
// Unix epoch.
func (s *Source) WallNow0p1ms() uint64 {
	return uint64(time.Now().UnixNano()) / 100000
}

// Epoch returns the wall-clock 0.1ms value that corresponded to tick 0 at
// creation time. The timing wheel records this once so a host can translate
// an absolute expire tick back into wall-clock time.
func (s *Source) Epoch() uint64 {
	return s.epoch0p1
}

// CPUTicks returns d expressed in 0.1ms ticks, rounding down. It is used to
// accumulate a Service's cumulative CPU-time statistic from a measured
// wall-clock resume duration: the runtime does not have access to a
// per-goroutine CPU timer (Go does not expose one), so, like most embeddings
// of single-threaded interpreters onto a cooperatively scheduled worker, we
// treat "time the worker spent inside Resume" as the CPU cost estimate.
func CPUTicks(d time.Duration) int64 {
	return d.Nanoseconds() / 100000
}
