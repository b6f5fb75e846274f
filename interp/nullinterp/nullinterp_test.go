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

package nullinterp

import (
	"testing"

	"github.com/cloudwego/ltask/interp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	sent []uint32
}

func (h *fakeHost) Send(to, session uint32, typ uint8, payload []byte) bool {
	h.sent = append(h.sent, to)
	return true
}

func TestResumeYieldThenContinue(t *testing.T) {
	host := &fakeHost{}
	i, err := New(host)
	require.NoError(t, err)
	ii := i.(*Interp)
	ii.LoadProgram(Program{
		{Op: OpSend, To: 3, Session: 7, Payload: []byte("ping")},
		{Op: OpYield},
		{Op: OpSend, To: 3, Session: 8, Payload: []byte("pong")},
		{Op: OpExit},
	})

	res, err := i.Resume()
	require.NoError(t, err)
	assert.Equal(t, interp.Yield, res)
	assert.Equal(t, []uint32{3}, host.sent)

	res, err = i.Resume()
	require.NoError(t, err)
	assert.Equal(t, interp.Ok, res)
	assert.Equal(t, []uint32{3, 3}, host.sent)
}

func TestResumePanicReturnsError(t *testing.T) {
	i, _ := New(nil)
	ii := i.(*Interp)
	ii.LoadProgram(Program{{Op: OpPanic, Message: "boom"}})

	res, err := i.Resume()
	assert.Equal(t, interp.Error, res)
	assert.EqualError(t, err, "boom")
}

func TestResumeOnClosedErrors(t *testing.T) {
	i, _ := New(nil)
	require.NoError(t, i.Close())
	_, err := i.Resume()
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Program{{Op: OpSend, To: 1, Payload: []byte("hi")}, {Op: OpExit}}
	b := Encode(p)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLoadRejectsGarbage(t *testing.T) {
	i, _ := New(nil)
	err := i.Load([]byte("not a gob stream"), "chunk")
	assert.Error(t, err)
}
