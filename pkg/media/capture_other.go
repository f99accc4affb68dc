//go:build !(linux && cgo)

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

package media

import "errors"

// Device capture is wired for Linux only. Other platforms report a device
// error; the session's recovery policy handles it like any capture failure.
func captureUserMedia(videoRequested bool) ([]Track, error) {
	return nil, errors.New("no media capture backend on this platform")
}
