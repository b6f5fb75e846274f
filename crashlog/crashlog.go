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

// Package crashlog appends fatal service error records to a configured
// file, one record per fatal Resume error.
package crashlog

import (
	"fmt"
	"os"
	"sync"
)

// Sink appends "<label>: <error>\n<backtrace>\n" records to Path. The zero
// value discards everything, which is what an empty config.Config.CrashLog
// means.
type Sink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open returns a Sink appending to path. An empty path returns a
// discard-everything Sink rather than an error, matching an unset
// config.CrashLog meaning "no crash log".
func Open(path string) (*Sink, error) {
	if path == "" {
		return &Sink{}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("crashlog: open %s: %w", path, err)
	}
	return &Sink{path: path, f: f}, nil
}

// Write appends one crash record. Safe for concurrent use by multiple
// workers reporting fatal errors from different services at once.
func (s *Sink) Write(label, errMsg, backtrace string) error {
	if s.f == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.f, "%s: %s\n%s\n", label, errMsg, backtrace)
	return err
}

// Close releases the underlying file, if any.
func (s *Sink) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}
