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
	"fmt"
	"strings"
)

type ErrorKind int

const (
	// KindPermission means the user denied camera/microphone access.
	// The caller may retry a limited number of times.
	KindPermission ErrorKind = iota
	// KindDevice covers every other capture failure (missing hardware,
	// driver errors, busy devices).
	KindDevice
)

func (k ErrorKind) String() string {
	if k == KindPermission {
		return "permission"
	}
	return "device"
}

// Error is a classified media acquisition failure.
type Error struct {
	Kind  ErrorKind
	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media %s error: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// ClassifyError wraps a raw capture error with its kind. Permission denials
// are detected by message; capture backends do not expose typed errors for
// them.
func ClassifyError(err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	msg := strings.ToLower(err.Error())
	kind := KindDevice
	if strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not allowed") ||
		strings.Contains(msg, "permission") {
		kind = KindPermission
	}
	return &Error{Kind: kind, cause: err}
}
