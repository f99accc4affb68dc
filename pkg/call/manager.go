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

	"github.com/livekit/protocol/logger"

	perrors "github.com/peercall/peercall/pkg/errors"
	"github.com/peercall/peercall/pkg/media"
	"github.com/peercall/peercall/pkg/media/tones"
	"github.com/peercall/peercall/pkg/relay"
	"github.com/peercall/peercall/pkg/stats"
	"github.com/peercall/peercall/pkg/store"
)

type ManagerParams struct {
	Identity     string
	Store        store.Store
	Relay        relay.Relay
	Acquirer     media.Acquirer
	NewTransport TransportFactory
	Monitor      *stats.Monitor
	Ringtone     tones.Writer
	Log          logger.Logger

	// OnFatal propagates a session's FatalRecovery request to the host.
	OnFatal func(chatID, reason string)
	// ClearIncoming releases the incoming-call surface for a chat.
	ClearIncoming func(chatID string)
}

// Manager owns the live sessions, at most one per chat.
type Manager struct {
	p   ManagerParams
	log logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(p ManagerParams) *Manager {
	log := p.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Manager{
		p:        p,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// PlaceCall starts an outbound call to remote in the given chat.
func (m *Manager) PlaceCall(ctx context.Context, chatID, remote string, video bool) (*Session, error) {
	return m.startSession(ctx, chatID, remote, false, video)
}

// AcceptIncoming builds the inbound session for a surfaced ring. The
// session starts in ringing; the host calls Accept or Decline on it.
func (m *Manager) AcceptIncoming(ctx context.Context, call IncomingCall) (*Session, error) {
	return m.startSession(ctx, call.ChatID, call.Caller, true, call.Video)
}

func (m *Manager) startSession(ctx context.Context, chatID, remote string, incoming, video bool) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.sessions[chatID]; ok {
		m.mu.Unlock()
		return nil, perrors.ErrCallInProgress
	}
	s := NewSession(SessionParams{
		ChatID:       chatID,
		LocalUser:    m.p.Identity,
		RemoteUser:   remote,
		Incoming:     incoming,
		Video:        video,
		Store:        m.p.Store,
		Relay:        m.p.Relay,
		Acquirer:     m.p.Acquirer,
		NewTransport: m.p.NewTransport,
		Monitor:      m.p.Monitor,
		Ringtone:     m.p.Ringtone,
		Log:          m.log,
		OnClose: func() {
			m.drop(chatID)
		},
		OnFatal: func(reason string) {
			if m.p.OnFatal != nil {
				m.p.OnFatal(chatID, reason)
			}
		},
		ClearIncoming: m.p.ClearIncoming,
	})
	m.sessions[chatID] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		// Start already scheduled its own teardown through the fatal path.
		return nil, err
	}
	return s, nil
}

func (m *Manager) drop(chatID string) {
	m.mu.Lock()
	delete(m.sessions, chatID)
	m.mu.Unlock()
}

// Session returns the live session for a chat, if any.
func (m *Manager) Session(chatID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[chatID]
}

// Close ends every live session and waits for their cleanup to finish.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		active = append(active, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range active {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.End(ctx)
			<-s.Closed()
		}(s)
	}
	wg.Wait()
}
