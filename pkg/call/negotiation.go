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
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"

	"github.com/peercall/peercall/pkg/store"
)

// startOutbound runs the caller bootstrap: sweep stale records between this
// pair, create the pending record, broadcast the ring notification, then
// move to ringing and send the initial offer. Record and broadcast failures
// abort the call; the caller raises FatalRecovery.
func (s *Session) startOutbound(ctx context.Context) error {
	// Stale records from crashed sessions would otherwise surface as phantom
	// incoming calls on the remote side.
	if err := s.store.DeleteActiveCallsFor(ctx, s.local, s.remote); err != nil {
		return errors.Wrap(err, "sweep stale call records")
	}
	if err := s.store.CreateActiveCall(ctx, store.ActiveCall{
		ChatID:       s.chatID,
		Caller:       s.local,
		Recipient:    s.remote,
		Status:       store.ActivePending,
		VideoEnabled: s.videoEnabled,
	}); err != nil {
		return errors.Wrap(err, "create call record")
	}

	ring, err := json.Marshal(RingNotification{
		From:    s.local,
		To:      s.remote,
		ChatID:  s.chatID,
		IsVideo: s.videoEnabled,
	})
	if err != nil {
		return errors.Wrap(err, "encode ring notification")
	}
	if err := s.relay.Publish(ctx, IncomingCallsTopic, ring); err != nil {
		return errors.Wrap(err, "broadcast ring notification")
	}

	s.mu.Lock()
	s.transitionLocked(StatusRinging)
	s.mu.Unlock()

	s.sendInitialOffer(ctx)
	return nil
}

// handleAccepted reacts to the callee pressing accept: connect immediately
// rather than waiting for ICE, then send a fresh offer. The pre-accept offer
// may have gone out before the callee's handlers were listening, so the
// post-accept offer is what reliably starts negotiation.
func (s *Session) handleAccepted() {
	s.mu.Lock()
	if s.transitionLocked(StatusConnected) {
		s.stopRingtoneLocked()
		s.startTimerLocked()
	}
	s.mu.Unlock()
	s.sendInitialOffer(s.ctx)
}

// handleRemoteOffer answers an inbound offer. Duplicate offers are dropped
// by the remote description guard; answering a second time would corrupt
// the negotiation state.
func (s *Session) handleRemoteOffer(sig *Signal) {
	if sig.SDP == nil {
		return
	}
	tr := s.currentTransport()
	if tr == nil {
		return
	}
	if tr.HasRemoteDescription() {
		s.log.Debugw("ignoring duplicate offer", "sdp", describeSDP(sig.SDP))
		return
	}
	if err := tr.SetRemoteDescription(*sig.SDP); err != nil {
		s.log.Warnw("failed to apply remote offer", err)
		return
	}
	answer, err := tr.CreateAnswer()
	if err != nil {
		s.log.Warnw("failed to create answer", err)
		return
	}
	if err := s.sendSignal(s.ctx, &Signal{Type: SignalAnswer, To: sig.From, SDP: &answer}); err != nil {
		s.log.Warnw("failed to send answer", err)
	}
}

// handleRemoteAnswer completes a negotiation we initiated. The same guard
// applies: only the first answer is installed.
func (s *Session) handleRemoteAnswer(sig *Signal) {
	if sig.SDP == nil {
		return
	}
	tr := s.currentTransport()
	if tr == nil {
		return
	}
	if tr.HasRemoteDescription() {
		s.log.Debugw("ignoring duplicate answer", "sdp", describeSDP(sig.SDP))
		return
	}
	if err := tr.SetRemoteDescription(*sig.SDP); err != nil {
		s.log.Warnw("failed to apply remote answer", err)
	}
}

// handleRemoteCandidate installs one trickled ICE candidate. Individual
// failures are survivable; other candidate pairs may still connect.
func (s *Session) handleRemoteCandidate(sig *Signal) {
	if sig.Candidate == nil {
		return
	}
	tr := s.currentTransport()
	if tr == nil {
		return
	}
	if err := tr.AddICECandidate(*sig.Candidate); err != nil {
		s.log.Warnw("failed to add ice candidate", err)
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if err := s.sendSignal(s.ctx, &Signal{Type: SignalICECandidate, Candidate: &c}); err != nil {
		s.log.Warnw("failed to send ice candidate", err)
	}
}

// sendInitialOffer starts negotiation for a new call. Failures are logged
// and swallowed: the peer's troubleshoot path or an ICE restart can still
// recover the call.
func (s *Session) sendInitialOffer(ctx context.Context) {
	tr := s.currentTransport()
	if tr == nil {
		return
	}
	offer, err := tr.CreateOffer(false)
	if err != nil {
		s.log.Warnw("failed to create offer", err)
		return
	}
	s.log.Infow("sending offer", "sdp", describeSDP(&offer))
	if err := s.sendSignal(ctx, &Signal{Type: SignalOffer, SDP: &offer}); err != nil {
		s.log.Warnw("failed to send offer", err)
	}
}

// sendRenegotiationOffer re-runs negotiation on the live connection, used
// when track state changed mid-call.
func (s *Session) sendRenegotiationOffer(ctx context.Context, to string) {
	tr := s.currentTransport()
	if tr == nil {
		return
	}
	offer, err := tr.CreateOffer(false)
	if err != nil {
		s.log.Warnw("failed to create renegotiation offer", err)
		return
	}
	s.log.Infow("sending renegotiation offer", "sdp", describeSDP(&offer))
	if err := s.sendSignal(ctx, &Signal{Type: SignalOffer, To: to, SDP: &offer}); err != nil {
		s.log.Warnw("failed to send renegotiation offer", err)
	}
}

// sendICERestartOffer forces new ICE credentials, used when no media ever
// arrived and the transport path itself is suspect.
func (s *Session) sendICERestartOffer(ctx context.Context, to string) {
	tr := s.currentTransport()
	if tr == nil {
		return
	}
	offer, err := tr.CreateOffer(true)
	if err != nil {
		s.log.Warnw("failed to create ice-restart offer", err)
		return
	}
	s.log.Infow("sending ice-restart offer", "sdp", describeSDP(&offer))
	if err := s.sendSignal(ctx, &Signal{Type: SignalOffer, To: to, SDP: &offer}); err != nil {
		s.log.Warnw("failed to send ice-restart offer", err)
	}
}

func (s *Session) currentTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// TroubleshootVideo is the user-triggered "my video is broken" diagnostic
// ladder. Each rung matches a distinct failure signature; after the chosen
// remedy a follow-up check escalates to a full reconnect request if video
// still has not arrived.
func (s *Session) TroubleshootVideo(ctx context.Context) {
	s.mu.Lock()
	if s.troubleshooting || s.closing.IsBroken() {
		s.mu.Unlock()
		return
	}
	s.troubleshooting = true
	tr := s.transport
	started := s.peerMedia.started()
	videoCount, anyEnabled := s.peerMedia.videoTracks()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.troubleshooting = false
		s.mu.Unlock()
	}()

	switch {
	case tr == nil:
		s.setError("Connection error. Please try ending the call and calling again.")
		return
	case !started:
		// No media at all: the transport path is suspect.
		s.sendICERestartOffer(ctx, s.remote)
	case videoCount == 0:
		// Connected but audio-only: ask the peer to attach its video tracks.
		if err := s.sendSignal(ctx, &Signal{Type: SignalRequestVideoTracks}); err != nil {
			s.log.Warnw("failed to request video tracks", err)
		}
	case !anyEnabled:
		// Video tracks exist but the peer has them disabled.
		if err := s.sendSignal(ctx, &Signal{Type: SignalRequestEnableVideo}); err != nil {
			s.log.Warnw("failed to request video enable", err)
		}
	default:
		s.sendRenegotiationOffer(ctx, s.remote)
	}

	time.AfterFunc(s.followUpDelay, func() {
		if s.closing.IsBroken() || s.hasRemoteVideoNow() {
			return
		}
		s.log.Infow("video still missing after troubleshoot, requesting reconnect")
		if err := s.sendSignal(s.ctx, &Signal{Type: SignalReconnectVideo}); err != nil {
			s.log.Warnw("failed to request video reconnect", err)
		}
	})
}

// handleTroubleshootRequest is the peer-side half of the ladder: the remote
// user reported broken video, so renegotiate toward them.
func (s *Session) handleTroubleshootRequest(sig *Signal) {
	s.sendRenegotiationOffer(s.ctx, sig.From)
}

// handleRequestVideoTracks re-offers with current tracks so the video
// m-lines reach the peer.
func (s *Session) handleRequestVideoTracks(sig *Signal) {
	s.sendRenegotiationOffer(s.ctx, sig.From)
}

// handleRequestEnableVideo turns the local camera back on at the peer's
// request and tells them about it.
func (s *Session) handleRequestEnableVideo() {
	s.mu.Lock()
	lm := s.localMedia
	on := s.isCameraOn
	if lm != nil && !on {
		s.isCameraOn = true
		on = true
	}
	s.mu.Unlock()
	if lm == nil {
		return
	}
	lm.SetVideoEnabled(true)
	if err := s.sendSignal(s.ctx, &Signal{Type: SignalCameraToggle, CameraOn: &on}); err != nil {
		s.log.Warnw("failed to send camera-toggle signal", err)
	}
}

// handleReconnectRequest is the last rung: peer-requested ICE restart.
func (s *Session) handleReconnectRequest(sig *Signal) {
	s.sendICERestartOffer(s.ctx, sig.From)
}
