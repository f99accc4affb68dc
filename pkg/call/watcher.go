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
	"strings"
	"time"

	"github.com/frostbyte73/core"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"

	"github.com/peercall/peercall/pkg/relay"
	"github.com/peercall/peercall/pkg/store"
)

// IncomingCall is one ring surfaced to the host.
type IncomingCall struct {
	Caller string
	ChatID string
	Video  bool
}

type WatcherParams struct {
	Identity     string
	Store        store.Store
	Relay        relay.Relay
	PollInterval time.Duration
	Log          logger.Logger

	// OnIncoming fires once per detected ring until Clear releases it.
	OnIncoming func(IncomingCall)
}

// Watcher detects incoming calls two ways at once: the broadcast topic for
// low latency, and a periodic poll of pending call records as a fallback
// for rings broadcast while this node was not listening. Both paths feed
// one dedupe gate, so the host sees each ring once.
type Watcher struct {
	identity string
	store    store.Store
	relay    relay.Relay
	interval time.Duration
	log      logger.Logger
	notify   func(IncomingCall)

	seen    *lru.Cache[string, time.Time]
	current chan *IncomingCall // 1-slot mailbox holding the surfaced call
	closing core.Fuse
}

func NewWatcher(p WatcherParams) (*Watcher, error) {
	seen, err := lru.New[string, time.Time](128)
	if err != nil {
		return nil, err
	}
	log := p.Log
	if log == nil {
		log = logger.GetLogger()
	}
	w := &Watcher{
		identity: p.Identity,
		store:    p.Store,
		relay:    p.Relay,
		interval: p.PollInterval,
		log:      log.WithValues("identity", p.Identity),
		notify:   p.OnIncoming,
		seen:     seen,
		current:  make(chan *IncomingCall, 1),
	}
	w.current <- nil
	return w, nil
}

// Run blocks until the context is cancelled or Close is called.
func (w *Watcher) Run(ctx context.Context) error {
	sub, err := w.relay.Subscribe(ctx, IncomingCallsTopic)
	if err != nil {
		return err
	}
	defer sub.Close()

	// Poll immediately so a ring that happened before this node subscribed
	// is not delayed by a full interval.
	w.poll(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closing.Watch():
			return nil
		case <-ticker.C:
			w.poll(ctx)
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			w.handleBroadcast(msg)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	calls, err := w.store.PendingCallsFor(ctx, w.identity)
	if err != nil {
		w.log.Warnw("failed to poll pending calls", err)
		return
	}
	for _, c := range calls {
		w.surface(IncomingCall{Caller: c.Caller, ChatID: c.ChatID, Video: c.VideoEnabled})
	}
}

func (w *Watcher) handleBroadcast(msg relay.Message) {
	var ring RingNotification
	if err := json.Unmarshal(msg.Payload, &ring); err != nil {
		w.log.Warnw("dropping malformed ring notification", err)
		return
	}
	if ring.To != w.identity {
		return
	}
	w.surface(IncomingCall{Caller: ring.From, ChatID: ring.ChatID, Video: ring.IsVideo})
}

// surface passes one ring through the dedupe gate: nothing new is surfaced
// while a call is already showing, and a ring already seen stays silent
// until Clear.
func (w *Watcher) surface(call IncomingCall) {
	key := call.ChatID + "|" + call.Caller
	cur := <-w.current
	if cur != nil {
		w.current <- cur
		return
	}
	if _, ok := w.seen.Get(key); ok {
		w.current <- nil
		return
	}
	w.seen.Add(key, time.Now())
	w.current <- &call

	w.log.Infow("incoming call detected", "caller", call.Caller, "chatID", call.ChatID, "video", call.Video)
	if w.notify != nil {
		w.notify(call)
	}
}

// Current returns the surfaced incoming call, if any.
func (w *Watcher) Current() *IncomingCall {
	cur := <-w.current
	w.current <- cur
	if cur == nil {
		return nil
	}
	c := *cur
	return &c
}

// Clear releases the surfaced call for the given chat so later rings on the
// same chat can surface again. Session cleanup calls this.
func (w *Watcher) Clear(chatID string) {
	cur := <-w.current
	if cur != nil && cur.ChatID == chatID {
		cur = nil
	}
	w.current <- cur
	for _, key := range w.seen.Keys() {
		if strings.HasPrefix(key, chatID+"|") {
			w.seen.Remove(key)
		}
	}
}

func (w *Watcher) Close() {
	w.closing.Break()
}
