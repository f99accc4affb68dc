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

// Package call implements the two-party call engine: lifecycle state
// machine, signaling protocol, offer/answer/ICE negotiation, and ordered
// idempotent teardown. It talks to the outside world only through the
// store, relay, media and transport interfaces.
package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/pkg/media"
	"github.com/peercall/peercall/pkg/rtc"
	"github.com/peercall/peercall/pkg/store"
)

// Status is the call lifecycle state. Declined and Ended are terminal: once
// reached, no further transition is observable.
type Status int

const (
	StatusInitiating Status = iota
	StatusRinging
	StatusConnected
	StatusDeclined
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusInitiating:
		return "initiating"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	case StatusDeclined:
		return "declined"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

func (s Status) Terminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

// canTransition centralizes the lifecycle guards so call sites cannot skip
// them.
func (s Status) canTransition(to Status) bool {
	if s == to || s.Terminal() {
		return false
	}
	switch to {
	case StatusInitiating:
		return false
	case StatusRinging:
		return s == StatusInitiating
	case StatusConnected:
		return s == StatusInitiating || s == StatusRinging
	case StatusDeclined, StatusEnded:
		return true
	}
	return false
}

// logStatusFor derives the call log status from the status the session held
// at the moment End was invoked.
func logStatusFor(prev Status) store.LogStatus {
	switch prev {
	case StatusConnected:
		return store.LogCompleted
	case StatusDeclined:
		return store.LogDeclined
	default:
		return store.LogMissed
	}
}

// Transport is the peer connection surface the state machine drives. The
// production implementation is rtc.PeerConn; tests inject a fake.
type Transport interface {
	AddLocalMedia(m *media.LocalMedia) error
	// CreateOffer creates an offer and installs it as the local description.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and installs it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	HasRemoteDescription() bool
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// TransportFactory builds the transport for one session with its event
// handlers attached.
type TransportFactory func(h rtc.Handlers) (Transport, error)

type EventKind int

const (
	// EventStatus reports a lifecycle transition.
	EventStatus EventKind = iota
	// EventRemoteTrack reports a newly received remote track.
	EventRemoteTrack
	// EventFatal asks the host to discard this session and recreate the call
	// surface from scratch. It is the replacement for the original page
	// reload and the only recovery mechanism for several error classes.
	EventFatal
)

type Event struct {
	Kind   EventKind
	Status Status
	Track  rtc.RemoteTrack
	Reason string
}

// State is the host-facing snapshot of one session.
type State struct {
	Status          Status
	Error           string
	CallDuration    int // seconds, 0 until connected
	IsMuted         bool
	IsCameraOn      bool
	HasRemoteVideo  bool
	IsVideoEnabled  bool
	Troubleshooting bool
}
