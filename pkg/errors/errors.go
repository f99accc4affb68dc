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

package errors

import (
	"github.com/livekit/psrpc"
)

var (
	ErrNoConfig        = psrpc.NewErrorf(psrpc.InvalidArgument, "missing config")
	ErrMissingIdentity = psrpc.NewErrorf(psrpc.InvalidArgument, "identity is required")
	ErrCallInProgress  = psrpc.NewErrorf(psrpc.ResourceExhausted, "a call is already active for this chat")
	ErrSessionClosed   = psrpc.NewErrorf(psrpc.Unavailable, "call session is closed")
)

func ErrCouldNotParseConfig(err error) psrpc.Error {
	return psrpc.NewErrorf(psrpc.InvalidArgument, "could not parse config: %v", err)
}
