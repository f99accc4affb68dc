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

// Package tones generates the PCM ringtone played while a call is ringing.
// The host supplies the audio sink; this package only produces samples.
package tones

import (
	"context"
	"math"
	"time"
)

// FrameDur is the duration of one generated PCM frame.
const FrameDur = 20 * time.Millisecond

type Hz uint32

type PCM16Sample []int16

func (s PCM16Sample) Clear() {
	for i := range s {
		s[i] = 0
	}
}

// Writer is the audio sink the ringtone is written to.
type Writer interface {
	SampleRate() int
	WriteSample(sample PCM16Sample) error
}

func Generate(buf PCM16Sample, ts, dur time.Duration, amp int16, freq []Hz) time.Duration {
	for i := range buf {
		phi := ts + (dur*time.Duration(i))/time.Duration(len(buf))
		if len(freq) == 0 {
			buf[i] = 0
		} else {
			var sum float64
			for _, hz := range freq {
				ph := (phi * time.Duration(hz) * 2).Seconds() * math.Pi
				sum += math.Sin(ph)
			}
			buf[i] = int16(float64(amp) * sum / float64(len(freq)))
		}
	}
	return ts + dur
}

type Tone struct {
	Freq    []Hz
	Dur     time.Duration
	Silence time.Duration
}

var (
	// Ringback is the pattern a caller hears while waiting for an answer.
	Ringback = []Tone{{Freq: []Hz{425}, Dur: time.Second, Silence: 4 * time.Second}}
	// Ring is the pattern played for an incoming call.
	Ring = []Tone{{Freq: []Hz{425, 450}, Dur: time.Second, Silence: 2 * time.Second}}
)

// Play specified audio tones in a loop until the context is cancelled.
// There is deliberately no autostop: a call left ringing keeps ringing until
// the session acts on it or the peer signals.
func Play(ctx context.Context, audio Writer, vol int16, tones []Tone) error {
	framesPerSec := int(time.Second / FrameDur)
	pcmBuf := make(PCM16Sample, audio.SampleRate()/framesPerSec)

	ticker := time.NewTicker(FrameDur)
	defer ticker.Stop()

	var (
		ts        time.Duration
		freq      []Hz
		remaining time.Duration
		ind       = -1 // ind%2 is tone and silence, ind/2 is the index in tones
	)
	next := func() (t Tone, silence bool) {
		ind++
		ind %= len(tones) * 2
		return tones[ind/2], ind%2 != 0
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		// pick the next tone (or tone vs silence)
		if remaining <= 0 {
			t, silence := next()
			if silence && t.Silence == 0 {
				// no silence for this tone - continue to the next one
				t, silence = next()
			}
			if !silence {
				freq = t.Freq
				remaining = t.Dur
			} else {
				freq = nil
				remaining = t.Silence
			}
		}
		// generate audio tones or silence
		if len(freq) == 0 {
			pcmBuf.Clear() // silence
		} else {
			Generate(pcmBuf, ts, FrameDur, vol, freq)
		}
		if err := audio.WriteSample(pcmBuf); err != nil {
			return err
		}
		remaining -= FrameDur
		ts += FrameDur
	}
}
