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
	"fmt"
	"time"
)

// Cleanup releases every resource held by the session. It is safe to call
// from any state and any number of times, including concurrently; only the
// first caller runs the steps. Each step is fault-isolated so one failing
// resource never strands the others, and the completion callback always
// fires.
func (s *Session) Cleanup(ctx context.Context) {
	s.closing.Once(func() {
		s.runCleanup(ctx)
	})
}

func (s *Session) runCleanup(ctx context.Context) {
	s.log.Infow("cleaning up call session")

	s.step("stop timer", func() error {
		s.mu.Lock()
		s.stopTimerLocked()
		s.mu.Unlock()
		return nil
	})

	s.step("stop ringtone", func() error {
		s.mu.Lock()
		s.stopRingtoneLocked()
		s.mu.Unlock()
		return nil
	})

	s.step("release media", func() error {
		s.mu.Lock()
		lm := s.localMedia
		s.localMedia = nil
		s.peerMedia = remoteStream{}
		s.hasRemoteVideo = false
		s.mu.Unlock()
		if lm == nil {
			return nil
		}
		return lm.Close()
	})

	s.step("close transport", func() error {
		s.mu.Lock()
		tr := s.transport
		s.transport = nil
		s.mu.Unlock()
		if tr == nil {
			return nil
		}
		return tr.Close()
	})

	s.step("close signaling", func() error {
		s.mu.Lock()
		ch := s.channel
		s.channel = nil
		s.mu.Unlock()
		if ch == nil {
			return nil
		}
		return ch.close()
	})

	s.step("delete call record", func() error {
		return s.store.DeleteActiveCall(ctx, s.chatID, s.callerUser(), s.recipientUser())
	})

	s.step("clear incoming flag", func() error {
		if s.clearIncoming != nil {
			s.clearIncoming(s.chatID)
		}
		return nil
	})

	s.mu.Lock()
	final := s.status
	startedAt := s.startedAt
	s.mu.Unlock()
	var dur time.Duration
	if !startedAt.IsZero() {
		dur = s.now().Sub(startedAt)
	}
	s.mon.CallTerminated(s.dir, final.String(), dur)

	if s.onClose != nil {
		s.onClose()
	}
	s.log.Infow("call session closed", "finalStatus", final.String())
}

// step runs one cleanup action, containing both errors and panics.
func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("cleanup step panicked", fmt.Errorf("%v", r), "step", name)
		}
	}()
	if err := fn(); err != nil {
		s.log.Warnw("cleanup step failed", err, "step", name)
	}
}
