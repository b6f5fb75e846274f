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

package service

import (
	"testing"

	"github.com/cloudwego/ltask/interp"
	"github.com/cloudwego/ltask/interp/nullinterp"
	"github.com/cloudwego/ltask/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHost struct{}

func (nopHost) Send(to, session uint32, typ uint8, payload []byte) bool { return true }

func TestOutboxSingleSlot(t *testing.T) {
	s := newService(1, 4, nil)
	m1 := message.New(1, 2, 0, message.TypeRequest, []byte("a"))
	require.NoError(t, s.SendMessage(m1))

	m2 := message.New(1, 2, 0, message.TypeRequest, []byte("b"))
	err := s.SendMessage(m2)
	assert.ErrorIs(t, err, ErrOutboxOccupied)
	message.Delete(m2)

	got := s.MessageOut()
	assert.Same(t, m1, got)
	assert.Nil(t, s.MessageOut())
	message.Delete(m1)
}

func TestReceiptOverwriteDropsBounce(t *testing.T) {
	s := newService(1, 4, nil)
	b1 := message.New(0, 1, 0, message.TypeResponse, []byte("first"))
	s.WriteReceipt(ReceiptDone, b1)

	b2 := message.New(0, 1, 0, message.TypeResponse, []byte("second"))
	s.WriteReceipt(ReceiptError, b2) // overwrites; b1 dropped with a warning

	r := s.ReadReceipt()
	assert.Equal(t, ReceiptError, r.Kind)
	assert.Same(t, b2, r.Bounce)
	message.Delete(b2)

	// Reading again yields the zero receipt.
	r2 := s.ReadReceipt()
	assert.Equal(t, ReceiptNone, r2.Kind)
	assert.Nil(t, r2.Bounce)
}

func TestPushMessageBackpressure(t *testing.T) {
	s := newService(1, 2, nil)
	m1 := message.New(9, 1, 0, message.TypeRequest, []byte("1"))
	assert.Equal(t, 0, s.PushMessage(m1))

	m2 := message.New(9, 1, 0, message.TypeRequest, []byte("2"))
	assert.Equal(t, 1, s.PushMessage(m2)) // ring of cap 2 holds at most 1 live element
	message.Delete(m2)

	got := s.PopMessage()
	assert.Same(t, m1, got)
	message.Delete(m1)
}

func TestPushMessageOnDeadServiceRejected(t *testing.T) {
	s := newService(1, 4, nil)
	s.StatusSet(Dead)
	m := message.New(9, 1, 0, message.TypeRequest, []byte("x"))
	assert.Equal(t, -1, s.PushMessage(m))
	message.Delete(m)
}

func TestPopMessagePrefersBounce(t *testing.T) {
	s := newService(1, 4, nil)
	inboxMsg := message.New(9, 1, 0, message.TypeRequest, []byte("inbox"))
	require.Equal(t, 0, s.PushMessage(inboxMsg))

	bounce := message.New(0, 1, 0, message.TypeResponse, []byte("bounce"))
	s.WriteReceipt(ReceiptDone, bounce)

	got := s.PopMessage()
	assert.Same(t, bounce, got, "bounce must be read before the inbox")
	message.Delete(bounce)

	got2 := s.PopMessage()
	assert.Same(t, inboxMsg, got2)
	message.Delete(inboxMsg)
}

func TestSendSignalDropsPriorOutbox(t *testing.T) {
	s := newService(2, 4, nil)
	prior := message.New(2, 3, 0, message.TypeRequest, []byte("stale"))
	require.NoError(t, s.SendMessage(prior))

	s.SendSignal(1)

	out := s.MessageOut()
	require.NotNil(t, out)
	assert.Equal(t, message.TypeSignal, out.Type)
	assert.Equal(t, ID(1), out.To)
	message.Delete(out)
}

func TestLabelTruncatesTo31Bytes(t *testing.T) {
	s := newService(1, 4, nil)
	long := "this label is definitely longer than thirty one bytes"
	s.SetLabel(long)
	assert.LessOrEqual(t, len(s.Label()), 31)
	assert.Equal(t, long[:31], s.Label())
}

func TestMemLimitRejectsGrowthOverLimit(t *testing.T) {
	s := newService(1, 4, nil)
	s.SetMemLimit(100)
	a := &statAllocator{s: &s.stats}
	assert.True(t, a.Allow(interp.KindOther, 0, 100))
	a.Track(interp.KindOther, 0, 100)
	assert.False(t, a.Allow(interp.KindOther, 0, 1), "growth past the limit must be rejected")
	assert.True(t, a.Allow(interp.KindOther, 100, 50), "shrinking is always allowed")
}

func TestInitLoadResumeEndToEnd(t *testing.T) {
	s := newService(2, 4, nil)

	factory := func() (interp.Interpreter, error) {
		return nullinterp.New(nopHost{})
	}
	require.NoError(t, s.Init(factory, []byte("bootstrap-key")))
	assert.Equal(t, Uninitialized, s.StatusGet())

	prog := nullinterp.Program{
		{Op: nullinterp.OpSend, To: 3, Session: 1, Payload: []byte("ping")},
		{Op: nullinterp.OpYield},
		{Op: nullinterp.OpExit},
	}
	require.NoError(t, s.LoadSource(nullinterp.Encode(prog), "test.chunk"))
	assert.Equal(t, Idle, s.StatusGet())

	out := s.Resume()
	assert.Equal(t, interp.Yield, out.Result)
	assert.Equal(t, Idle, s.StatusGet(), "yield must not kill the service")

	out = s.Resume()
	assert.Equal(t, interp.Ok, out.Result)

	require.NoError(t, s.Close())
}

func TestLoadSourceFailureKillsService(t *testing.T) {
	s := newService(2, 4, nil)
	factory := func() (interp.Interpreter, error) { return nullinterp.New(nopHost{}) }
	require.NoError(t, s.Init(factory, nil))

	err := s.LoadSource([]byte("not a valid gob stream"), "bad.chunk")
	assert.Error(t, err)
	assert.Equal(t, Dead, s.StatusGet())
}

func TestResumeErrorTransitionsToDead(t *testing.T) {
	s := newService(2, 4, nil)
	factory := func() (interp.Interpreter, error) { return nullinterp.New(nopHost{}) }
	require.NoError(t, s.Init(factory, nil))
	require.NoError(t, s.LoadSource(nullinterp.Encode(nullinterp.Program{
		{Op: nullinterp.OpPanic, Message: "boom"},
	}), "panic.chunk"))

	out := s.Resume()
	assert.Equal(t, interp.Error, out.Result)
	assert.Error(t, out.Err)
	assert.Equal(t, Dead, s.StatusGet())
}

func TestCloseIsIdempotentAndDrainsInbox(t *testing.T) {
	s := newService(1, 4, nil)
	it, err := nullinterp.New(nopHost{})
	require.NoError(t, err)
	s.interp = it

	m := message.New(9, 1, 0, message.TypeRequest, []byte("x"))
	require.Equal(t, 0, s.PushMessage(m))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent
	assert.Equal(t, Dead, s.StatusGet())
	assert.Nil(t, s.PopMessage())
}
