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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/peercall/peercall/pkg/media"
	"github.com/peercall/peercall/pkg/relay"
	"github.com/peercall/peercall/pkg/rtc"
	"github.com/peercall/peercall/pkg/store"
)

// fakeRelay is an in-memory message bus with the same delivery semantics as
// the redis relay: per-topic fan-out, no persistence, no ordering across
// topics.
type fakeRelay struct {
	mu         sync.Mutex
	subs       map[string][]*fakeSub
	published  []relay.Message
	publishErr error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{subs: make(map[string][]*fakeSub)}
}

func (r *fakeRelay) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return r.publishErr
	}
	msg := relay.Message{Topic: topic, Payload: payload}
	r.published = append(r.published, msg)
	for _, s := range r.subs[topic] {
		if !s.closed {
			s.ch <- msg
		}
	}
	return nil
}

func (r *fakeRelay) Subscribe(ctx context.Context, topic string) (relay.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeSub{r: r, topic: topic, ch: make(chan relay.Message, 64)}
	r.subs[topic] = append(r.subs[topic], s)
	return s, nil
}

// sent decodes every signal published on topic so far.
func (r *fakeRelay) sent(t *testing.T, topic string) []Signal {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Signal
	for _, m := range r.published {
		if m.Topic != topic {
			continue
		}
		var sig Signal
		require.NoError(t, json.Unmarshal(m.Payload, &sig))
		out = append(out, sig)
	}
	return out
}

func (r *fakeRelay) sentOfType(t *testing.T, topic string, typ SignalType) []Signal {
	t.Helper()
	var out []Signal
	for _, sig := range r.sent(t, topic) {
		if sig.Type == typ {
			out = append(out, sig)
		}
	}
	return out
}

type fakeSub struct {
	r      *fakeRelay
	topic  string
	ch     chan relay.Message
	closed bool
}

func (s *fakeSub) Messages() <-chan relay.Message { return s.ch }

func (s *fakeSub) Close() error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// fakeStore records every mutation in order.
type fakeStore struct {
	mu      sync.Mutex
	ops     []string
	created []store.ActiveCall
	deleted []string // "chatID|caller|recipient"
	logs    []store.CallLog
	pending []store.ActiveCall

	createErr  error
	sweepErr   error
	pendingErr error
}

func (f *fakeStore) CreateActiveCall(ctx context.Context, call store.ActiveCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.ops = append(f.ops, "create")
	f.created = append(f.created, call)
	return nil
}

func (f *fakeStore) AcceptActiveCall(ctx context.Context, chatID, caller, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "accept:"+chatID+"|"+caller+"|"+recipient)
	return nil
}

func (f *fakeStore) DeleteActiveCall(ctx context.Context, chatID, caller, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "delete")
	f.deleted = append(f.deleted, chatID+"|"+caller+"|"+recipient)
	return nil
}

func (f *fakeStore) DeleteActiveCallsFor(ctx context.Context, caller, recipient string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sweepErr != nil {
		return f.sweepErr
	}
	f.ops = append(f.ops, "sweep:"+caller+"|"+recipient)
	return nil
}

func (f *fakeStore) PendingCallsFor(ctx context.Context, recipient string) ([]store.ActiveCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	out := make([]store.ActiveCall, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeStore) InsertCallLog(ctx context.Context, log store.CallLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "log")
	f.logs = append(f.logs, log)
	return nil
}

func (f *fakeStore) opList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeStore) callLogs() []store.CallLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.CallLog, len(f.logs))
	copy(out, f.logs)
	return out
}

// fakeTransport records the negotiation calls made against it.
type fakeTransport struct {
	mu         sync.Mutex
	offers     []bool // iceRestart flag per CreateOffer call
	answers    int
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closeCount int

	handlers rtc.Handlers
}

func newFakeTransportFactory(tr *fakeTransport) TransportFactory {
	return func(h rtc.Handlers) (Transport, error) {
		tr.handlers = h
		return tr, nil
	}
}

func (tr *fakeTransport) AddLocalMedia(m *media.LocalMedia) error { return nil }

func (tr *fakeTransport) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.offers = append(tr.offers, iceRestart)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, nil
}

func (tr *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil
}

func (tr *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.remote = &sdp
	return nil
}

func (tr *fakeTransport) HasRemoteDescription() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.remote != nil
}

func (tr *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.candidates = append(tr.candidates, c)
	return nil
}

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.closeCount++
	return nil
}

func (tr *fakeTransport) offerList() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]bool, len(tr.offers))
	copy(out, tr.offers)
	return out
}

func (tr *fakeTransport) answerCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.answers
}

// fakeAcquirer fails the first `failures` attempts with failErr, then
// returns empty local media.
type fakeAcquirer struct {
	mu       sync.Mutex
	calls    int
	failures int
	failErr  error
}

func (a *fakeAcquirer) Acquire(ctx context.Context, videoRequested bool) (*media.LocalMedia, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failures {
		return nil, a.failErr
	}
	return media.NewLocalMedia(nil, videoRequested), nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

const (
	testChat   = "chat-1"
	testLocal  = "alice"
	testRemote = "bob"
)

type sessionEnv struct {
	relay   *fakeRelay
	store   *fakeStore
	tr      *fakeTransport
	acq     *fakeAcquirer
	s       *Session
	nowNs   *atomic.Int64
	fatals  chan string
	cleared chan string
	closes  *atomic.Int32
}

func newSessionEnv(t *testing.T, incoming, video bool) *sessionEnv {
	t.Helper()
	env := &sessionEnv{
		relay:   newFakeRelay(),
		store:   &fakeStore{},
		tr:      &fakeTransport{},
		acq:     &fakeAcquirer{},
		nowNs:   &atomic.Int64{},
		fatals:  make(chan string, 4),
		cleared: make(chan string, 4),
		closes:  &atomic.Int32{},
	}
	env.nowNs.Store(time.Now().UnixNano())

	env.s = NewSession(SessionParams{
		ChatID:       testChat,
		LocalUser:    testLocal,
		RemoteUser:   testRemote,
		Incoming:     incoming,
		Video:        video,
		Store:        env.store,
		Relay:        env.relay,
		Acquirer:     env.acq,
		NewTransport: newFakeTransportFactory(env.tr),
		OnClose: func() {
			env.closes.Add(1)
		},
		OnFatal: func(reason string) {
			env.fatals <- reason
		},
		ClearIncoming: func(chatID string) {
			env.cleared <- chatID
		},
	})
	env.s.now = func() time.Time { return time.Unix(0, env.nowNs.Load()) }
	// Keep the ticker quiet; duration is derived from the injected clock.
	env.s.tick = time.Hour
	env.s.fatalDelay = time.Millisecond
	env.s.followUpDelay = 20 * time.Millisecond
	return env
}

func (env *sessionEnv) advance(d time.Duration) {
	env.nowNs.Add(int64(d))
}

// deliver publishes a signal addressed to the local user on the session's
// topic, as the remote peer would.
func (env *sessionEnv) deliver(t *testing.T, sig Signal) {
	t.Helper()
	if sig.From == "" {
		sig.From = testRemote
	}
	if sig.To == "" {
		sig.To = testLocal
	}
	data, err := json.Marshal(sig)
	require.NoError(t, err)
	require.NoError(t, env.relay.Publish(context.Background(), SignalingTopic(testChat), data))
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond, msg)
}
