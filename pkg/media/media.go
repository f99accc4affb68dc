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

// Package media acquires local microphone and camera tracks for a call.
// Acquisition never logs or persists anything; it returns media or a
// classified error and leaves recovery policy to the caller.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is the subset of a captured device track the call engine needs.
// pion/mediadevices tracks satisfy it; tests substitute fakes.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Acquirer requests local capture. Audio is always requested; camera only
// when videoRequested is set.
type Acquirer interface {
	Acquire(ctx context.Context, videoRequested bool) (*LocalMedia, error)
}

// LocalMedia owns the set of captured local tracks for one call session.
// Enable flags model the mute and camera toggles; the peer learns about
// camera changes via the camera-toggle signal, not through the media layer.
type LocalMedia struct {
	mu           sync.Mutex
	tracks       []Track
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

func NewLocalMedia(tracks []Track, video bool) *LocalMedia {
	return &LocalMedia{
		tracks:       tracks,
		audioEnabled: true,
		videoEnabled: video,
	}
}

func (m *LocalMedia) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Track, len(m.tracks))
	copy(out, m.tracks)
	return out
}

func (m *LocalMedia) AudioTracks() []Track { return m.tracksOfKind(webrtc.RTPCodecTypeAudio) }
func (m *LocalMedia) VideoTracks() []Track { return m.tracksOfKind(webrtc.RTPCodecTypeVideo) }

func (m *LocalMedia) tracksOfKind(kind webrtc.RTPCodecType) []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Track
	for _, t := range m.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (m *LocalMedia) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *LocalMedia) SetAudioEnabled(on bool) {
	m.mu.Lock()
	m.audioEnabled = on
	m.mu.Unlock()
}

func (m *LocalMedia) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *LocalMedia) SetVideoEnabled(on bool) {
	m.mu.Lock()
	m.videoEnabled = on
	m.mu.Unlock()
}

// Close stops every captured track. Idempotent: the second and later calls
// are no-ops so teardown can run from multiple paths.
func (m *LocalMedia) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tracks := m.tracks
	m.tracks = nil
	m.mu.Unlock()

	var firstErr error
	for _, t := range tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
