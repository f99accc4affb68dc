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
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"github.com/livekit/protocol/logger"
	"github.com/pion/webrtc/v4"

	perrors "github.com/peercall/peercall/pkg/errors"
	"github.com/peercall/peercall/pkg/media"
	"github.com/peercall/peercall/pkg/media/tones"
	"github.com/peercall/peercall/pkg/relay"
	"github.com/peercall/peercall/pkg/rtc"
	"github.com/peercall/peercall/pkg/stats"
	"github.com/peercall/peercall/pkg/store"
)

const (
	// maxPermissionRetries is how many silent retries a permission denial
	// gets before the session raises FatalRecovery.
	maxPermissionRetries = 2
	// fatalRecoveryDelay is how long an inline error stays visible before
	// the session is discarded.
	fatalRecoveryDelay = 2 * time.Second
	// troubleshootFollowUp is how long the troubleshoot ladder waits before
	// escalating to a full reconnect-video request.
	troubleshootFollowUp = 5 * time.Second

	ringVolume = 0x2000
)

type SessionParams struct {
	ChatID     string
	LocalUser  string
	RemoteUser string
	Incoming   bool
	Video      bool

	Store        store.Store
	Relay        relay.Relay
	Acquirer     media.Acquirer
	NewTransport TransportFactory
	Monitor      *stats.Monitor
	Ringtone     tones.Writer // optional audio sink for ring/ringback
	Log          logger.Logger

	// OnClose is the completion callback, invoked exactly once after cleanup
	// finishes so the host can always unmount the call surface.
	OnClose func()
	// OnFatal is the FatalRecovery action: the host must discard this
	// session and recreate the call surface from scratch.
	OnFatal func(reason string)
	// ClearIncoming clears the surrounding application's incoming-call flag
	// during cleanup.
	ClearIncoming func(chatID string)
}

// Session owns one call between the local user and one remote peer. All
// mutable state lives here; callbacks close over the session, never over
// free-standing cells. Externally-driven entry points (signals, transport
// callbacks, timers, host calls) funnel through the session mutex.
type Session struct {
	id     string
	chatID string
	local  string
	remote string

	incoming     bool
	videoEnabled bool

	log      logger.Logger
	mon      *stats.Monitor
	dir      stats.CallDir
	store    store.Store
	relay    relay.Relay
	acquirer media.Acquirer
	newTr    TransportFactory
	ringtone tones.Writer

	onClose       func()
	onFatal       func(reason string)
	clearIncoming func(chatID string)

	ctx context.Context

	mu              sync.Mutex
	status          Status
	errMsg          string
	startedAt       time.Time
	stopTick        chan struct{}
	ringCancel      context.CancelFunc
	localMedia      *media.LocalMedia
	peerMedia       remoteStream
	hasRemoteVideo  bool
	isMuted         bool
	isCameraOn      bool
	troubleshooting bool
	transport       Transport
	channel         *signalChannel

	durationSec atomic.Int64
	logOnce     sync.Once
	closing     core.Fuse
	events      chan Event

	// overridable in tests
	now           func() time.Time
	tick          time.Duration
	fatalDelay    time.Duration
	followUpDelay time.Duration
}

type remoteTrack struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
}

// remoteStream mirrors the peer's media as observed locally: which tracks
// arrived and whether the peer reports them enabled.
type remoteStream struct {
	tracks []remoteTrack
}

func (r *remoteStream) started() bool { return len(r.tracks) > 0 }

func (r *remoteStream) videoTracks() (count int, anyEnabled bool) {
	for _, t := range r.tracks {
		if t.kind == webrtc.RTPCodecTypeVideo {
			count++
			if t.enabled {
				anyEnabled = true
			}
		}
	}
	return
}

func NewSession(p SessionParams) *Session {
	log := p.Log
	if log == nil {
		log = logger.GetLogger()
	}
	status := StatusInitiating
	dir := stats.Outbound
	if p.Incoming {
		status = StatusRinging
		dir = stats.Inbound
	}
	s := &Session{
		id:            uuid.NewString(),
		chatID:        p.ChatID,
		local:         p.LocalUser,
		remote:        p.RemoteUser,
		incoming:      p.Incoming,
		videoEnabled:  p.Video,
		log:           log.WithValues("chatID", p.ChatID, "remote", p.RemoteUser),
		mon:           p.Monitor,
		dir:           dir,
		store:         p.Store,
		relay:         p.Relay,
		acquirer:      p.Acquirer,
		newTr:         p.NewTransport,
		ringtone:      p.Ringtone,
		onClose:       p.OnClose,
		onFatal:       p.OnFatal,
		clearIncoming: p.ClearIncoming,
		ctx:           context.Background(),
		status:        status,
		isCameraOn:    p.Video,
		events:        make(chan Event, 16),
		now:           time.Now,
		tick:          time.Second,
		fatalDelay:    fatalRecoveryDelay,
		followUpDelay: troubleshootFollowUp,
	}
	return s
}

// Start runs the initialization sequence: acquire local media, build the
// peer transport, subscribe signaling, and for outbound calls run the
// bootstrap (records, ring notification, initial offer). Initialization
// failures raise FatalRecovery; the returned error is informational.
func (s *Session) Start(ctx context.Context) error {
	s.ctx = context.WithoutCancel(ctx)
	s.mon.CallStarted(s.dir)
	s.startRingtone()

	lm, err := s.acquireMedia(ctx)
	if err != nil {
		s.failInit("media", err)
		return err
	}
	s.mu.Lock()
	s.localMedia = lm
	s.mu.Unlock()

	tr, err := s.newTr(s.transportHandlers())
	if err != nil {
		s.failInit("transport", err)
		return err
	}
	if err := tr.AddLocalMedia(lm); err != nil {
		s.failInit("transport", err)
		return err
	}

	// The subscription must be active before any signaling send.
	ch, err := openSignalChannel(ctx, s.relay, s.chatID, s.local, s.log, s.mon)
	if err != nil {
		_ = tr.Close()
		s.failInit("signaling", err)
		return err
	}

	s.mu.Lock()
	s.transport = tr
	s.channel = ch
	s.mu.Unlock()

	ch.run(s.handleSignal)

	if !s.incoming {
		if err := s.startOutbound(ctx); err != nil {
			s.failInit("bootstrap", err)
			return err
		}
	}
	return nil
}

// acquireMedia applies the recovery policy around the acquirer: permission
// denials get up to maxPermissionRetries silent retries, anything else
// fails on the first attempt.
func (s *Session) acquireMedia(ctx context.Context) (*media.LocalMedia, error) {
	retries := 0
	for {
		lm, err := s.acquirer.Acquire(ctx, s.videoEnabled)
		if err == nil {
			return lm, nil
		}
		classified := media.ClassifyError(err)
		s.mon.MediaError(classified.Kind.String())
		if classified.Kind == media.KindPermission && retries < maxPermissionRetries {
			retries++
			s.log.Infow("media permission denied, retrying", "attempt", retries)
			continue
		}
		return nil, classified
	}
}

// Accept transitions an inbound ringing call to connected, notifies the
// caller, and marks the durable record accepted. A failure here has no
// in-place retry: the session raises FatalRecovery.
func (s *Session) Accept(ctx context.Context) error {
	if s.closing.IsBroken() {
		return perrors.ErrSessionClosed
	}
	s.mu.Lock()
	s.stopRingtoneLocked()
	ok := s.transitionLocked(StatusConnected)
	if ok {
		s.startTimerLocked()
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := s.sendSignal(ctx, &Signal{Type: SignalCallAccepted}); err != nil {
		s.fatal("accept", err)
		return err
	}
	if err := s.store.AcceptActiveCall(ctx, s.chatID, s.callerUser(), s.recipientUser()); err != nil {
		s.fatal("accept", err)
		return err
	}
	return nil
}

// Decline rejects a ringing call, tears the session down and raises the
// recovery action. A cleanup failure never blocks recovery.
func (s *Session) Decline(ctx context.Context) {
	s.mu.Lock()
	s.stopRingtoneLocked()
	s.transitionLocked(StatusDeclined)
	s.mu.Unlock()

	if err := s.sendSignal(ctx, &Signal{Type: SignalCallDeclined}); err != nil {
		s.log.Warnw("failed to send call-declined signal", err)
	}
	s.Cleanup(ctx)
	s.emit(Event{Kind: EventFatal, Reason: "declined"})
	if s.onFatal != nil {
		s.onFatal("declined")
	}
}

// End terminates the call from any state. It writes the call log exactly
// once, derived from the status held when End was invoked, best-effort
// signals the peer, and always runs cleanup.
func (s *Session) End(ctx context.Context) {
	s.mu.Lock()
	s.stopRingtoneLocked()
	prev := s.status
	s.transitionLocked(StatusEnded)
	startedAt := s.startedAt
	s.mu.Unlock()

	s.logOnce.Do(func() {
		now := s.now()
		var dur *int
		if prev == StatusConnected && !startedAt.IsZero() {
			d := int(now.Sub(startedAt) / time.Second)
			dur = &d
		}
		start := startedAt
		if start.IsZero() {
			start = now
		}
		rec := store.CallLog{
			Caller:       s.callerUser(),
			Recipient:    s.recipientUser(),
			ChatID:       s.chatID,
			Status:       logStatusFor(prev),
			StartedAt:    start,
			EndedAt:      now,
			Duration:     dur,
			VideoEnabled: s.videoEnabled,
		}
		if err := s.store.InsertCallLog(ctx, rec); err != nil {
			s.log.Warnw("failed to save call log", err)
		}
	})

	if err := s.sendSignal(ctx, &Signal{Type: SignalCallEnded}); err != nil {
		s.log.Warnw("failed to send call-ended signal", err)
	}
	s.Cleanup(ctx)
}

// ToggleMute flips the microphone. Returns the new muted state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	lm := s.localMedia
	if lm == nil {
		muted := s.isMuted
		s.mu.Unlock()
		return muted
	}
	s.isMuted = !s.isMuted
	muted := s.isMuted
	s.mu.Unlock()

	lm.SetAudioEnabled(!muted)
	return muted
}

// ToggleCamera flips the camera and tells the peer, so their UI can reflect
// our video availability. Returns the new camera state.
func (s *Session) ToggleCamera(ctx context.Context) bool {
	s.mu.Lock()
	lm := s.localMedia
	if lm == nil {
		on := s.isCameraOn
		s.mu.Unlock()
		return on
	}
	s.isCameraOn = !s.isCameraOn
	on := s.isCameraOn
	s.mu.Unlock()

	lm.SetVideoEnabled(on)
	if err := s.sendSignal(ctx, &Signal{Type: SignalCameraToggle, CameraOn: &on}); err != nil {
		s.log.Warnw("failed to send camera-toggle signal", err)
	}
	return on
}

// State returns the host-facing snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Status:          s.status,
		Error:           s.errMsg,
		CallDuration:    int(s.durationSec.Load()),
		IsMuted:         s.isMuted,
		IsCameraOn:      s.isCameraOn,
		HasRemoteVideo:  s.hasRemoteVideo,
		IsVideoEnabled:  s.videoEnabled,
		Troubleshooting: s.troubleshooting,
	}
}

// ID is unique per attempt, unlike the chat ID, which repeats across calls.
func (s *Session) ID() string { return s.id }

func (s *Session) ChatID() string   { return s.chatID }
func (s *Session) Duration() int    { return int(s.durationSec.Load()) }
func (s *Session) IsIncoming() bool { return s.incoming }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LocalMedia exposes the captured local tracks for host-side preview.
func (s *Session) LocalMedia() *media.LocalMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localMedia
}

// Events delivers status changes, remote tracks and the FatalRecovery
// request. The channel is buffered; a slow host drops events rather than
// blocking the call path.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Closed fires when cleanup has completed.
func (s *Session) Closed() <-chan struct{} {
	return s.closing.Watch()
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Debugw("dropping event for slow consumer", "kind", ev.Kind)
	}
}

// transitionLocked applies the lifecycle guard. Terminal states absorb all
// further transitions. Callers hold s.mu.
func (s *Session) transitionLocked(to Status) bool {
	if !s.status.canTransition(to) {
		return false
	}
	s.log.Infow("call status changed", "from", s.status.String(), "to", to.String())
	s.status = to
	s.emit(Event{Kind: EventStatus, Status: to})
	return true
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.mu.Unlock()
}

// fatal is the FatalRecovery path standing in for the original full page
// reload: show the error, wait briefly, tear everything down, then ask the
// host to recreate the call surface.
func (s *Session) fatal(reason string, err error) {
	s.log.Errorw("fatal call error", err, "reason", reason)
	s.setError(userMessageFor(reason, err))
	go func() {
		time.Sleep(s.fatalDelay)
		s.Cleanup(s.ctx)
		s.emit(Event{Kind: EventFatal, Reason: reason})
		if s.onFatal != nil {
			s.onFatal(reason)
		}
	}()
}

func (s *Session) failInit(stage string, err error) {
	var mediaErr *media.Error
	if stderrors.As(err, &mediaErr) && mediaErr.Kind == media.KindPermission {
		s.fatal("permission", err)
		return
	}
	s.fatal(stage, err)
}

func userMessageFor(reason string, err error) string {
	switch reason {
	case "permission":
		return "Camera/microphone permission denied. Please allow access and try again."
	case "media":
		return "Failed to access media: " + err.Error()
	default:
		return "Failed to initialize call"
	}
}

// callerUser and recipientUser orient the durable records: the caller is
// always the side that placed the call, regardless of which side is doing
// the bookkeeping.
func (s *Session) callerUser() string {
	if s.incoming {
		return s.remote
	}
	return s.local
}

func (s *Session) recipientUser() string {
	if s.incoming {
		return s.local
	}
	return s.remote
}

func (s *Session) sendSignal(ctx context.Context, sig *Signal) error {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return perrors.ErrSessionClosed
	}
	if sig.From == "" {
		sig.From = s.local
	}
	if sig.To == "" {
		sig.To = s.remote
	}
	return ch.send(ctx, sig)
}

// startTimerLocked sets startedAt exactly once and starts the 1s duration
// ticker. Callers hold s.mu.
func (s *Session) startTimerLocked() {
	if !s.startedAt.IsZero() {
		return
	}
	s.startedAt = s.now()
	s.stopTick = make(chan struct{})
	go s.runTimer(s.stopTick, s.startedAt)
}

func (s *Session) runTimer(stop chan struct{}, started time.Time) {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.durationSec.Store(int64(s.now().Sub(started) / time.Second))
		}
	}
}

func (s *Session) stopTimerLocked() {
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}

func (s *Session) startRingtone() {
	if s.ringtone == nil {
		return
	}
	pattern := tones.Ringback
	if s.incoming {
		pattern = tones.Ring
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.ringCancel = cancel
	s.mu.Unlock()
	go func() {
		if err := tones.Play(ctx, s.ringtone, ringVolume, pattern); err != nil && ctx.Err() == nil {
			s.log.Warnw("ringtone playback failed", err)
		}
	}()
}

func (s *Session) stopRingtoneLocked() {
	if s.ringCancel != nil {
		s.ringCancel()
		s.ringCancel = nil
	}
}

func (s *Session) transportHandlers() rtc.Handlers {
	return rtc.Handlers{
		OnICECandidate:          s.onLocalCandidate,
		OnTrack:                 s.onRemoteTrack,
		OnConnectionStateChange: s.onConnectionState,
		OnICEStateChange:        s.onICEState,
	}
}

func (s *Session) onRemoteTrack(t rtc.RemoteTrack) {
	s.mu.Lock()
	s.peerMedia.tracks = append(s.peerMedia.tracks, remoteTrack{id: t.ID, kind: t.Kind, enabled: true})
	if t.Kind == webrtc.RTPCodecTypeVideo {
		s.hasRemoteVideo = true
	}
	s.mu.Unlock()
	s.log.Infow("received remote track", "kind", t.Kind.String())
	s.emit(Event{Kind: EventRemoteTrack, Track: t})
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.log.Debugw("connection state changed", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.transitionLocked(StatusConnected) {
			s.stopRingtoneLocked()
			s.startTimerLocked()
		}
		s.mu.Unlock()
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		if !s.closing.IsBroken() {
			s.End(s.ctx)
		}
	}
}

func (s *Session) onICEState(state webrtc.ICEConnectionState) {
	s.log.Debugw("ice connection state changed", "state", state.String())
	switch state {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		if !s.closing.IsBroken() {
			s.End(s.ctx)
		}
	}
}

// handleSignal routes one inbound signaling message. Ordering across message
// types is not guaranteed; every handler re-derives state from guards
// instead of assuming arrival order.
func (s *Session) handleSignal(sig *Signal) {
	s.log.Debugw("received signal", "type", string(sig.Type), "from", sig.From)
	switch sig.Type {
	case SignalOffer:
		s.handleRemoteOffer(sig)
	case SignalAnswer:
		s.handleRemoteAnswer(sig)
	case SignalICECandidate:
		s.handleRemoteCandidate(sig)
	case SignalCallAccepted:
		s.handleAccepted()
	case SignalCallDeclined:
		s.mu.Lock()
		s.stopRingtoneLocked()
		s.transitionLocked(StatusDeclined)
		s.mu.Unlock()
		s.Cleanup(s.ctx)
	case SignalCallEnded:
		s.mu.Lock()
		s.stopRingtoneLocked()
		s.transitionLocked(StatusEnded)
		s.mu.Unlock()
		s.Cleanup(s.ctx)
	case SignalCameraToggle:
		s.handleCameraToggle(sig)
	case SignalTroubleshootVideo:
		s.handleTroubleshootRequest(sig)
	case SignalRequestVideoTracks:
		s.handleRequestVideoTracks(sig)
	case SignalRequestEnableVideo:
		s.handleRequestEnableVideo()
	case SignalReconnectVideo:
		s.handleReconnectRequest(sig)
	default:
		s.log.Warnw("unknown signal type", nil, "type", string(sig.Type))
	}
}

// handleCameraToggle updates the local view of the peer's video
// availability.
func (s *Session) handleCameraToggle(sig *Signal) {
	if sig.CameraOn == nil {
		return
	}
	on := *sig.CameraOn
	s.mu.Lock()
	for i := range s.peerMedia.tracks {
		if s.peerMedia.tracks[i].kind == webrtc.RTPCodecTypeVideo {
			s.peerMedia.tracks[i].enabled = on
		}
	}
	if !on {
		s.hasRemoteVideo = false
	} else {
		count, anyEnabled := s.peerMedia.videoTracks()
		s.hasRemoteVideo = count > 0 && anyEnabled
	}
	s.mu.Unlock()
}

func (s *Session) hasRemoteVideoNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRemoteVideo
}
