// Copyright 2025 Peercall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package call

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/peercall/peercall/pkg/rtc"
)

func newTestManager(t *testing.T) (*Manager, *fakeRelay, *fakeStore) {
	t.Helper()
	r := newFakeRelay()
	st := &fakeStore{}
	m := NewManager(ManagerParams{
		Identity: testLocal,
		Store:    st,
		Relay:    r,
		Acquirer: &fakeAcquirer{},
		NewTransport: func(h rtc.Handlers) (Transport, error) {
			tr := &fakeTransport{}
			tr.handlers = h
			return tr, nil
		},
	})
	return m, r, st
}

func TestManagerOneCallPerChat(t *testing.T) {
	m, _, _ := newTestManager(t)

	s, err := m.PlaceCall(context.Background(), testChat, testRemote, false)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = m.PlaceCall(context.Background(), testChat, testRemote, false)
	require.Error(t, err)

	// A call in another chat is fine.
	other, err := m.PlaceCall(context.Background(), "chat-2", "carol", false)
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestManagerDropsEndedSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	s, err := m.PlaceCall(context.Background(), testChat, testRemote, false)
	require.NoError(t, err)
	require.Same(t, s, m.Session(testChat))

	s.End(context.Background())
	waitFor(t, func() bool { return m.Session(testChat) == nil }, "ended session should be dropped")

	// The chat is free for a new call.
	_, err = m.PlaceCall(context.Background(), testChat, testRemote, true)
	require.NoError(t, err)
}

func TestManagerAcceptIncoming(t *testing.T) {
	m, _, _ := newTestManager(t)

	s, err := m.AcceptIncoming(context.Background(), IncomingCall{
		Caller: testRemote,
		ChatID: testChat,
		Video:  true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusRinging, s.Status())
	require.True(t, s.IsIncoming())

	require.NoError(t, s.Accept(context.Background()))
	require.Equal(t, StatusConnected, s.Status())
}

func TestManagerCloseEndsAll(t *testing.T) {
	m, _, st := newTestManager(t)

	_, err := m.PlaceCall(context.Background(), testChat, testRemote, false)
	require.NoError(t, err)
	_, err = m.PlaceCall(context.Background(), "chat-2", "carol", false)
	require.NoError(t, err)

	m.Close(context.Background())

	require.Nil(t, m.Session(testChat))
	require.Nil(t, m.Session("chat-2"))
	require.Len(t, st.callLogs(), 2)
}
