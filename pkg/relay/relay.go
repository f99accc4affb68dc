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

// Package relay is the best-effort broadcast channel used for call signaling.
// Delivery is at-most-once-observed: no acknowledgement, no redelivery, and
// no ordering guarantee beyond same-sender FIFO on one topic.
package relay

import "context"

type Message struct {
	Topic   string
	Payload []byte
}

type Subscription interface {
	// Messages is closed when the subscription is closed.
	Messages() <-chan Message
	Close() error
}

type Relay interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns only after the subscription is active, so a caller
	// may publish immediately afterwards without racing its own listener.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}
