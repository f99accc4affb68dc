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
	"sync"

	"github.com/livekit/protocol/logger"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/peercall/peercall/pkg/relay"
	"github.com/peercall/peercall/pkg/stats"
)

type SignalType string

const (
	SignalOffer              SignalType = "offer"
	SignalAnswer             SignalType = "answer"
	SignalICECandidate       SignalType = "ice-candidate"
	SignalCallAccepted       SignalType = "call-accepted"
	SignalCallDeclined       SignalType = "call-declined"
	SignalCallEnded          SignalType = "call-ended"
	SignalCameraToggle       SignalType = "camera-toggle"
	SignalTroubleshootVideo  SignalType = "troubleshoot-video"
	SignalRequestVideoTracks SignalType = "request-video-tracks"
	SignalRequestEnableVideo SignalType = "request-enable-video"
	SignalReconnectVideo     SignalType = "reconnect-video"
)

// Signal is one tagged message on the per-call relay topic. Messages not
// addressed to the local user are ignored on receipt.
type Signal struct {
	Type      SignalType                 `json:"type"`
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	CameraOn  *bool                      `json:"isCameraOn,omitempty"`
}

// IncomingCallsTopic carries the fire-and-forget ring notification, separate
// from the per-call signaling topic.
const IncomingCallsTopic = "incoming_calls"

// RingNotification tells a user someone is calling them.
type RingNotification struct {
	From    string `json:"from"`
	To      string `json:"to"`
	ChatID  string `json:"chatId"`
	IsVideo bool   `json:"isVideo"`
}

// SignalingTopic returns the relay topic for one call session.
func SignalingTopic(chatID string) string {
	return "call:" + chatID
}

// signalChannel is the bidirectional relay handle scoped to one call.
type signalChannel struct {
	relay relay.Relay
	topic string
	self  string
	log   logger.Logger
	mon   *stats.Monitor

	sub relay.Subscription

	closeOnce sync.Once
	closeErr  error
}

// openSignalChannel subscribes before returning, so the caller may send
// immediately without racing its own listener.
func openSignalChannel(ctx context.Context, r relay.Relay, chatID, self string, log logger.Logger, mon *stats.Monitor) (*signalChannel, error) {
	topic := SignalingTopic(chatID)
	sub, err := r.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe signaling channel")
	}
	return &signalChannel{
		relay: r,
		topic: topic,
		self:  self,
		log:   log,
		mon:   mon,
		sub:   sub,
	}, nil
}

// run dispatches inbound signals to handler until the channel is closed.
// Malformed payloads and messages for other users are dropped.
func (c *signalChannel) run(handler func(*Signal)) {
	go func() {
		for msg := range c.sub.Messages() {
			var sig Signal
			if err := json.Unmarshal(msg.Payload, &sig); err != nil {
				c.log.Warnw("dropping malformed signal", err, "topic", c.topic)
				continue
			}
			if sig.To != c.self {
				continue
			}
			c.mon.SignalMessage(stats.Inbound, string(sig.Type))
			handler(&sig)
		}
	}()
}

func (c *signalChannel) send(ctx context.Context, sig *Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return errors.Wrap(err, "encode signal")
	}
	if err := c.relay.Publish(ctx, c.topic, data); err != nil {
		return err
	}
	c.mon.SignalMessage(stats.Outbound, string(sig.Type))
	return nil
}

func (c *signalChannel) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.sub.Close()
	})
	return c.closeErr
}

// describeSDP summarizes a session description for logs: the media sections
// it carries, e.g. "audio+video".
func describeSDP(desc *webrtc.SessionDescription) string {
	if desc == nil {
		return "none"
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return "unparsable"
	}
	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	if len(kinds) == 0 {
		return "empty"
	}
	return strings.Join(kinds, "+")
}
