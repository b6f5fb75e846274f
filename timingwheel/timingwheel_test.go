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

package timingwheel

import (
	"testing"

	"github.com/cloudwego/ltask/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWheel() *Wheel {
	return New(clock.NewSource(), nil)
}

func TestDelayZeroFiresOnNextUpdate(t *testing.T) {
	w := newTestWheel()
	w.Add("X", 0)

	var got []interface{}
	w.Update(1, func(p interface{}) { got = append(got, p) })

	require.Len(t, got, 1)
	assert.Equal(t, "X", got[0])
}

func TestDelayWithinNearWheelFiresAtExactTick(t *testing.T) {
	w := newTestWheel()
	w.Add("X", 10)

	var fired int
	for i := uint64(1); i <= 9; i++ {
		w.Update(i, func(interface{}) { fired++ })
	}
	assert.Equal(t, 0, fired, "must not fire before its delay elapses")

	w.Update(10, func(interface{}) { fired++ })
	assert.Equal(t, 1, fired)
}

func TestDelayCrossing2Pow8BoundaryCascadesCorrectly(t *testing.T) {
	w := newTestWheel()
	// 300 > 255 (near wheel width), forcing a cascade-level insertion that
	// must migrate back down into the near wheel as the tick approaches it.
	w.Add("X", 300)

	var got []interface{}
	w.Update(300, func(p interface{}) { got = append(got, p) })

	require.Len(t, got, 1, "must fire exactly once when crossing the near/cascade boundary")
	assert.Equal(t, "X", got[0])
}

func TestDeepCascadePathFiresExactlyOnce(t *testing.T) {
	w := newTestWheel()
	w.Add("Y", 16384)

	var got []interface{}
	w.Update(16384, func(p interface{}) { got = append(got, p) })

	require.Len(t, got, 1, "deep cascade entries must still fire exactly once")
	assert.Equal(t, "Y", got[0])
}

func TestEntriesNeverFireEarly(t *testing.T) {
	w := newTestWheel()
	w.Add("late", 1000)

	var got []interface{}
	w.Update(999, func(p interface{}) { got = append(got, p) })
	assert.Empty(t, got, "must not fire one tick early")

	w.Update(1000, func(p interface{}) { got = append(got, p) })
	require.Len(t, got, 1)
}

func TestMultipleEntriesAtSameTickAllFire(t *testing.T) {
	w := newTestWheel()
	w.Add("a", 50)
	w.Add("b", 50)
	w.Add("c", 50)

	var got []interface{}
	w.Update(50, func(p interface{}) { got = append(got, p) })

	assert.ElementsMatch(t, []interface{}{"a", "b", "c"}, got)
}

func TestUpdateCanAdvanceMultipleTicksInOneCall(t *testing.T) {
	w := newTestWheel()
	w.Add("a", 5)
	w.Add("b", 20)

	var got []interface{}
	w.Update(25, func(p interface{}) { got = append(got, p) })

	assert.ElementsMatch(t, []interface{}{"a", "b"}, got)
}

func TestClockRegressionIsLoggedAndResynchronized(t *testing.T) {
	var warnings int
	w := New(clock.NewSource(), func(string, ...interface{}) { warnings++ })
	w.Add("X", 10)

	w.Update(5, func(interface{}) {})
	w.Update(2, func(interface{}) {}) // regression: 2 < 5

	assert.Equal(t, 1, warnings)

	// "X" must still fire once the tick counter reaches 10: it has advanced
	// 5 so far, so 5 more ticks past the resynchronized point (2) are needed.
	var got []interface{}
	w.Update(7, func(p interface{}) { got = append(got, p) })
	require.Len(t, got, 1)
	assert.Equal(t, "X", got[0])
}

func TestWheelWrapAroundMovesLevel3SlotZero(t *testing.T) {
	w := newTestWheel()
	w.tick = ^uint32(0) // one tick away from wraparound
	w.Add("wrap", 1)

	var got []interface{}
	w.Update(1, func(p interface{}) { got = append(got, p) })

	require.Len(t, got, 1)
	assert.Equal(t, "wrap", got[0])
}
