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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanupIdempotent(t *testing.T) {
	env := newSessionEnv(t, true, false)
	require.NoError(t, env.s.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.s.Cleanup(context.Background())
		}()
	}
	wg.Wait()

	env.tr.mu.Lock()
	closes := env.tr.closeCount
	env.tr.mu.Unlock()
	require.Equal(t, 1, closes, "transport closed once")
	require.Len(t, env.store.deleted, 1, "record deleted once")
	require.Equal(t, int32(1), env.closes.Load(), "completion callback fired once")
}

func TestCleanupReleasesEverything(t *testing.T) {
	env := newSessionEnv(t, true, true)
	require.NoError(t, env.s.Start(context.Background()))
	lm := env.s.LocalMedia()
	require.NotNil(t, lm)

	env.s.Cleanup(context.Background())

	require.Nil(t, env.s.LocalMedia())
	require.False(t, env.s.State().HasRemoteVideo)
	require.Equal(t, []string{"chat-1|bob|alice"}, env.store.deleted)

	select {
	case chatID := <-env.cleared:
		require.Equal(t, testChat, chatID)
	default:
		t.Fatal("incoming-call surface not cleared")
	}

	select {
	case <-env.s.Closed():
	default:
		t.Fatal("Closed should be resolved")
	}
}

func TestCleanupRecordOrientationOutbound(t *testing.T) {
	env := newSessionEnv(t, false, false)
	require.NoError(t, env.s.Start(context.Background()))

	env.s.Cleanup(context.Background())

	// Outbound: alice called bob, the record key must match what the
	// bootstrap created.
	require.Equal(t, []string{"chat-1|alice|bob"}, env.store.deleted)
}

func TestCleanupSurvivesFailingSteps(t *testing.T) {
	env := newSessionEnv(t, true, false)
	require.NoError(t, env.s.Start(context.Background()))

	// A transport that panics on close must not strand the rest.
	env.s.mu.Lock()
	env.s.transport = &panicTransport{}
	env.s.mu.Unlock()

	env.s.Cleanup(context.Background())

	require.Len(t, env.store.deleted, 1)
	require.Equal(t, int32(1), env.closes.Load())
}

type panicTransport struct {
	fakeTransport
}

func (*panicTransport) Close() error { panic("broken transport") }
