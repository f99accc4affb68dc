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

// Package rtc constructs the peer connection for a call and wires its event
// callbacks to caller-supplied handlers. It performs no retries and reacts
// to no state transitions itself; that is the session's job.
package rtc

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/peercall/peercall/pkg/media"
)

// RemoteTrack describes a track received from the peer.
type RemoteTrack struct {
	ID   string
	Kind webrtc.RTPCodecType
}

// Handlers are the sole channel by which the peer connection reports events.
// All callbacks are invoked asynchronously by the transport.
type Handlers struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnTrack                 func(RemoteTrack)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnICEStateChange        func(webrtc.ICEConnectionState)
}

// PeerConn wraps a pion PeerConnection with the narrow surface the call
// state machine consumes.
type PeerConn struct {
	pc *webrtc.PeerConnection
}

// NewPeerConnection assembles the webrtc API and creates a connection with
// the fixed STUN configuration. No TURN is configured.
func NewPeerConnection(iceServers []string, h Handlers) (*PeerConn, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5s, too short
	// for paths with short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, errors.Wrap(err, "new peer connection")
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack == nil {
			return
		}
		h.OnTrack(RemoteTrack{ID: track.ID(), Kind: track.Kind()})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(state)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if h.OnICEStateChange != nil {
			h.OnICEStateChange(state)
		}
	})

	return &PeerConn{pc: pc}, nil
}

// AddLocalMedia attaches every captured local track. When there is nothing
// to send yet, recvonly transceivers keep CreateOffer producing valid
// m-lines with ICE credentials.
func (p *PeerConn) AddLocalMedia(m *media.LocalMedia) error {
	tracks := m.Tracks()
	if len(tracks) == 0 {
		return p.addRecvOnlyTransceivers()
	}
	for _, t := range tracks {
		if _, err := p.pc.AddTrack(t); err != nil {
			return errors.Wrapf(err, "add %s track", t.Kind())
		}
	}
	return nil
}

func (p *PeerConn) addRecvOnlyTransceivers() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return errors.Wrapf(err, "add %s transceiver", kind)
		}
	}
	return nil
}

// CreateOffer creates an offer and sets it as the local description.
func (p *PeerConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create offer")
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local description")
	}
	return offer, nil
}

// CreateAnswer creates an answer and sets it as the local description.
func (p *PeerConn) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create answer")
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local description")
	}
	return answer, nil
}

func (p *PeerConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return errors.Wrap(p.pc.SetRemoteDescription(sdp), "set remote description")
}

func (p *PeerConn) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *PeerConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	return errors.Wrap(p.pc.AddICECandidate(c), "add ice candidate")
}

func (p *PeerConn) Close() error {
	return p.pc.Close()
}
