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

// Package config holds the single configuration struct loaded once at
// runtime startup, following the shape of internal/iouring.Config /
// DefaultConfig in the teacher codebase.
package config

import (
	"fmt"
	"math/bits"
)

// Config configures a Runtime. Load it once and pass it to runtime.New.
type Config struct {
	// Worker is the number of worker goroutines (standing in for OS
	// threads) that cooperatively run services. Must be in [1, 256].
	Worker int

	// Queue is the inbox capacity per service. Must be a power of two,
	// >= 2.
	Queue int

	// QueueSending is the outbound routing queue capacity. Defaults to
	// Queue when zero.
	QueueSending int

	// MaxService is the maximum number of concurrent services. Rounded
	// up to the next power of two.
	MaxService int

	// ExternalQueue is the capacity of the external-wakeup queue.
	ExternalQueue int

	// CrashLog is the path fatal service errors are appended to. Must be
	// at most 127 bytes when encoded, matching the embedding host's
	// fixed-size path buffer.
	CrashLog string
}

// DefaultConfig returns a new Config with the defaults named in the
// configuration table.
func DefaultConfig() *Config {
	return &Config{
		Worker:        8,
		Queue:         4096,
		QueueSending:  4096,
		MaxService:    65536,
		ExternalQueue: 1024,
		CrashLog:      "",
	}
}

// Validate normalizes and checks the Config, returning an error describing
// the first problem found.
func (c *Config) Validate() error {
	if c.Worker < 1 || c.Worker > 256 {
		return fmt.Errorf("config: worker must be in [1, 256], got %d", c.Worker)
	}
	if c.Queue < 2 || !isPow2(c.Queue) {
		return fmt.Errorf("config: queue must be a power of two >= 2, got %d", c.Queue)
	}
	if c.QueueSending == 0 {
		c.QueueSending = c.Queue
	}
	if !isPow2(c.QueueSending) {
		return fmt.Errorf("config: queue_sending must be a power of two, got %d", c.QueueSending)
	}
	if c.MaxService <= 0 {
		return fmt.Errorf("config: max_service must be positive, got %d", c.MaxService)
	}
	c.MaxService = nextPow2(c.MaxService)
	if len(c.CrashLog) > 127 {
		return fmt.Errorf("config: crashlog path exceeds 127 bytes")
	}
	return nil
}

func isPow2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
