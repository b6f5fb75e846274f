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

package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushPopRoundTrip(t *testing.T) {
	q := New[int](8)
	require.True(t, q.Push(42))
	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = q.Pop()
	assert.False(t, ok, "pop on empty must report false")
}

func TestCapacityRoundsUpToPow2(t *testing.T) {
	q := New[int](5)
	assert.Equal(t, 8, q.Cap())
}

func TestSizeTwoBoundary(t *testing.T) {
	q := New[int](2)
	require.True(t, q.Push(1))
	assert.False(t, q.Push(2), "second push into a size-2 ring must fail until a pop frees a slot")

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.True(t, q.Push(3))
}

func TestFIFOOrdering(t *testing.T) {
	q := New[int](8)
	for i := 1; i <= 7; i++ {
		require.True(t, q.Push(i))
	}
	assert.False(t, q.Push(8), "ring of size 8 holds at most 7 live elements")
	for i := 1; i <= 7; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
}

func TestConcurrentSPSC(t *testing.T) {
	const n = 100000
	q := New[int](1024)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 1; i <= n; i++ {
			for !q.Push(i) {
				// spin until the consumer frees a slot
			}
		}
	}()

	go func() {
		defer wg.Done()
		want := 1
		for want <= n {
			v, ok := q.Pop()
			if !ok {
				continue
			}
			if v != want {
				t.Errorf("out of order: got %d want %d", v, want)
				return
			}
			want++
		}
	}()

	wg.Wait()
}
