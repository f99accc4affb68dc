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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peercall/peercall/pkg/store"
)

type watcherEnv struct {
	relay    *fakeRelay
	store    *fakeStore
	w        *Watcher
	incoming chan IncomingCall
	cancel   context.CancelFunc
}

func newWatcherEnv(t *testing.T) *watcherEnv {
	t.Helper()
	env := &watcherEnv{
		relay:    newFakeRelay(),
		store:    &fakeStore{},
		incoming: make(chan IncomingCall, 8),
	}
	var err error
	env.w, err = NewWatcher(WatcherParams{
		Identity:     testLocal,
		Store:        env.store,
		Relay:        env.relay,
		PollInterval: 10 * time.Millisecond,
		OnIncoming: func(c IncomingCall) {
			env.incoming <- c
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	go func() { _ = env.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		env.w.Close()
	})
	// Let the subscription land before tests publish.
	time.Sleep(5 * time.Millisecond)
	return env
}

func (env *watcherEnv) broadcast(t *testing.T, ring RingNotification) {
	t.Helper()
	data, err := json.Marshal(ring)
	require.NoError(t, err)
	require.NoError(t, env.relay.Publish(context.Background(), IncomingCallsTopic, data))
}

func (env *watcherEnv) expectRing(t *testing.T, caller, chatID string) IncomingCall {
	t.Helper()
	select {
	case c := <-env.incoming:
		require.Equal(t, caller, c.Caller)
		require.Equal(t, chatID, c.ChatID)
		return c
	case <-time.After(time.Second):
		t.Fatal("expected an incoming call")
		return IncomingCall{}
	}
}

func (env *watcherEnv) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case c := <-env.incoming:
		t.Fatalf("unexpected incoming call from %s", c.Caller)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherBroadcastDetection(t *testing.T) {
	env := newWatcherEnv(t)

	env.broadcast(t, RingNotification{From: testRemote, To: testLocal, ChatID: testChat, IsVideo: true})

	c := env.expectRing(t, testRemote, testChat)
	require.True(t, c.Video)
	require.NotNil(t, env.w.Current())
}

func TestWatcherIgnoresOtherRecipients(t *testing.T) {
	env := newWatcherEnv(t)

	env.broadcast(t, RingNotification{From: testRemote, To: "carol", ChatID: testChat})

	env.expectSilence(t)
	require.Nil(t, env.w.Current())
}

func TestWatcherPollDetection(t *testing.T) {
	env := newWatcherEnv(t)

	// No broadcast: only the pending record exists, as when the ring was
	// sent while this node was offline.
	env.store.mu.Lock()
	env.store.pending = []store.ActiveCall{{
		ChatID:    testChat,
		Caller:    testRemote,
		Recipient: testLocal,
		Status:    store.ActivePending,
	}}
	env.store.mu.Unlock()

	env.expectRing(t, testRemote, testChat)
}

func TestWatcherDedupes(t *testing.T) {
	env := newWatcherEnv(t)

	// Broadcast plus repeated polls of the same pending record must surface
	// the ring once.
	env.store.mu.Lock()
	env.store.pending = []store.ActiveCall{{
		ChatID:    testChat,
		Caller:    testRemote,
		Recipient: testLocal,
		Status:    store.ActivePending,
	}}
	env.store.mu.Unlock()
	env.broadcast(t, RingNotification{From: testRemote, To: testLocal, ChatID: testChat})

	env.expectRing(t, testRemote, testChat)
	env.expectSilence(t)
}

func TestWatcherSecondCallHeldWhileSurfaced(t *testing.T) {
	env := newWatcherEnv(t)

	env.broadcast(t, RingNotification{From: testRemote, To: testLocal, ChatID: testChat})
	env.expectRing(t, testRemote, testChat)

	// A second caller must not replace the surfaced ring.
	env.broadcast(t, RingNotification{From: "carol", To: testLocal, ChatID: "chat-2"})
	env.expectSilence(t)
	require.Equal(t, testRemote, env.w.Current().Caller)
}

func TestWatcherClearAllowsNewRing(t *testing.T) {
	env := newWatcherEnv(t)

	env.broadcast(t, RingNotification{From: testRemote, To: testLocal, ChatID: testChat})
	env.expectRing(t, testRemote, testChat)

	env.w.Clear(testChat)
	require.Nil(t, env.w.Current())

	// The same chat can ring again after the surface was released.
	env.broadcast(t, RingNotification{From: testRemote, To: testLocal, ChatID: testChat})
	env.expectRing(t, testRemote, testChat)
}
