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

package extevent

import (
	"errors"
	"net"
)

// asFile exposes the underlying *os.File of a TCP connection so its fd can
// be handed to an external poller, matching original_source/src/sockevent.h's
// sockevent_fd, which returns the same read-end descriptor for registration
// with the host's own poller.
func asFile(c net.Conn) (rawFile, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, errors.New("extevent: not a *net.TCPConn")
	}
	return tc.File()
}
