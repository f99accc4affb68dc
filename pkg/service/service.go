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

// Package service assembles the call engine from its parts: config, the
// postgres store, the redis relay, device capture, webrtc transport, the
// incoming-call watcher and the session manager.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/redis"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peercall/peercall/pkg/call"
	"github.com/peercall/peercall/pkg/config"
	"github.com/peercall/peercall/pkg/media"
	"github.com/peercall/peercall/pkg/media/tones"
	"github.com/peercall/peercall/pkg/relay"
	"github.com/peercall/peercall/pkg/rtc"
	"github.com/peercall/peercall/pkg/stats"
	"github.com/peercall/peercall/pkg/store"
	"github.com/peercall/peercall/version"
)

type Service struct {
	conf *config.Config
	log  logger.Logger

	db      *store.Postgres
	relay   relay.Relay
	mon     *stats.Monitor
	manager *call.Manager
	watcher *call.Watcher

	promServer *http.Server

	// onRecover is the host's FatalRecovery action. Set before Run.
	onRecover  func(chatID, reason string)
	onIncoming func(call.IncomingCall)

	shutdown core.Fuse
}

// NewService connects the durable backends and builds the call engine.
// Ringtone may be nil for a silent host.
func NewService(ctx context.Context, conf *config.Config, ringtone tones.Writer, log logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.GetLogger()
	}

	db, err := store.OpenPostgres(ctx, conf.Postgres)
	if err != nil {
		return nil, err
	}

	rc, err := redis.GetRedisClient(conf.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Service{
		conf:  conf,
		log:   log,
		db:    db,
		relay: relay.NewRedis(rc),
		mon:   stats.NewMonitor(conf.NodeID),
	}

	s.manager = call.NewManager(call.ManagerParams{
		Identity: conf.Identity,
		Store:    db,
		Relay:    s.relay,
		Acquirer: media.NewDeviceAcquirer(),
		NewTransport: func(h rtc.Handlers) (call.Transport, error) {
			return rtc.NewPeerConnection(conf.ICEServers, h)
		},
		Monitor:  s.mon,
		Ringtone: ringtone,
		Log:      log,
		OnFatal: func(chatID, reason string) {
			s.handleFatal(chatID, reason)
		},
		ClearIncoming: func(chatID string) {
			s.watcher.Clear(chatID)
		},
	})

	s.watcher, err = call.NewWatcher(call.WatcherParams{
		Identity:     conf.Identity,
		Store:        db,
		Relay:        s.relay,
		PollInterval: conf.PollInterval(),
		Log:          log,
		OnIncoming: func(c call.IncomingCall) {
			if s.onIncoming != nil {
				s.onIncoming(c)
			}
		},
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if conf.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.promServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", conf.PrometheusPort),
			Handler: mux,
		}
	}

	return s, nil
}

// OnRecover registers the host action for a session's FatalRecovery
// request: tear down whatever call UI exists and return to idle.
func (s *Service) OnRecover(fn func(chatID, reason string)) {
	s.onRecover = fn
}

// OnIncomingCall registers the host notification for a surfaced ring.
func (s *Service) OnIncomingCall(fn func(call.IncomingCall)) {
	s.onIncoming = fn
}

// Run blocks until Stop or context cancellation.
func (s *Service) Run(ctx context.Context) error {
	s.log.Infow("starting call service",
		"version", version.Version, "identity", s.conf.Identity, "nodeID", s.conf.NodeID)

	if err := s.mon.Start(); err != nil {
		return err
	}
	if s.promServer != nil {
		go func() {
			if err := s.promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorw("prometheus listener failed", err)
			}
		}()
	}

	watcherDone := make(chan error, 1)
	go func() {
		watcherDone <- s.watcher.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-s.shutdown.Watch():
	case err := <-watcherDone:
		if err != nil && ctx.Err() == nil {
			s.log.Errorw("incoming call watcher stopped", err)
		}
	}

	s.close(ctx)
	return nil
}

// Stop requests shutdown; Run performs it.
func (s *Service) Stop() {
	s.shutdown.Break()
}

func (s *Service) close(ctx context.Context) {
	s.watcher.Close()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.manager.Close(closeCtx)

	if s.promServer != nil {
		_ = s.promServer.Shutdown(closeCtx)
	}
	s.mon.Shutdown()
	s.mon.Stop()
	if err := s.db.Close(); err != nil {
		s.log.Warnw("failed to close postgres", err)
	}
	s.log.Infow("call service stopped")
}

// PlaceCall starts an outbound call in the given chat.
func (s *Service) PlaceCall(ctx context.Context, chatID, remote string, video bool) (*call.Session, error) {
	return s.manager.PlaceCall(ctx, chatID, remote, video)
}

// AnswerIncoming builds the session for the currently surfaced ring. The
// returned session is ringing; Accept or Decline it.
func (s *Service) AnswerIncoming(ctx context.Context) (*call.Session, error) {
	cur := s.watcher.Current()
	if cur == nil {
		return nil, nil
	}
	return s.manager.AcceptIncoming(ctx, *cur)
}

// DeclineIncoming rejects the surfaced ring without building a session:
// no media is acquired just to say no. It notifies the caller, removes the
// pending record and releases the incoming-call surface.
func (s *Service) DeclineIncoming(ctx context.Context) error {
	cur := s.watcher.Current()
	if cur == nil {
		return nil
	}
	sig, err := json.Marshal(call.Signal{
		Type: call.SignalCallDeclined,
		From: s.conf.Identity,
		To:   cur.Caller,
	})
	if err != nil {
		return err
	}
	if err := s.relay.Publish(ctx, call.SignalingTopic(cur.ChatID), sig); err != nil {
		s.log.Warnw("failed to send decline signal", err)
	}
	if err := s.db.DeleteActiveCall(ctx, cur.ChatID, cur.Caller, s.conf.Identity); err != nil {
		s.log.Warnw("failed to delete pending call record", err)
	}
	s.watcher.Clear(cur.ChatID)
	return nil
}

// Session returns the live session for a chat, if any.
func (s *Service) Session(chatID string) *call.Session {
	return s.manager.Session(chatID)
}

func (s *Service) handleFatal(chatID, reason string) {
	s.log.Warnw("call session requested recovery", nil, "chatID", chatID, "reason", reason)
	s.watcher.Clear(chatID)
	if s.onRecover != nil {
		s.onRecover(chatID, reason)
	}
}
