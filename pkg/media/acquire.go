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

import (
	"context"
)

// Target capture resolution hint for video calls.
const (
	videoWidth  = 1280
	videoHeight = 720
)

// DeviceAcquirer captures from real camera/microphone devices via
// pion/mediadevices. The platform backend lives behind build tags; on
// unsupported platforms Acquire reports a device error.
type DeviceAcquirer struct{}

var _ Acquirer = (*DeviceAcquirer)(nil)

func NewDeviceAcquirer() *DeviceAcquirer {
	return &DeviceAcquirer{}
}

func (a *DeviceAcquirer) Acquire(ctx context.Context, videoRequested bool) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, ClassifyError(err)
	}
	tracks, err := captureUserMedia(videoRequested)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return NewLocalMedia(tracks, videoRequested), nil
}
