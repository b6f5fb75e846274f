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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerThenWaitReturnsImmediately(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	e.Trigger()
	err = e.Wait(time.Second)
	require.NoError(t, err)
}

func TestWaitTimesOutWithoutTrigger(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	err = e.Wait(20 * time.Millisecond)
	require.Error(t, err, "Wait should time out when nothing triggered it")
}

func TestTriggerIsIdempotentUnderConcurrency(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			e.Trigger()
			close(done)
		}()
		<-done
		done = make(chan struct{})
	}

	// Exactly one pending wakeup must be observed; a second Wait with a
	// short deadline should time out rather than see a leftover byte.
	require.NoError(t, e.Wait(time.Second))
	require.Error(t, e.Wait(20*time.Millisecond))
}

func TestFdIsUsable(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	require.NotZero(t, e.Fd())
}
