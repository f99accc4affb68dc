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

package relay

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis relays messages over redis pub/sub. Pub/sub is fire-and-forget,
// which matches the required best-effort semantics exactly.
type Redis struct {
	rc redis.UniversalClient
}

var _ Relay = (*Redis)(nil)

func NewRedis(rc redis.UniversalClient) *Redis {
	return &Redis{rc: rc}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	return errors.Wrap(r.rc.Publish(ctx, topic, payload).Err(), "relay publish")
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.rc.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so signaling sends after this
	// point cannot outrun our own listener.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "relay subscribe")
	}

	sub := &redisSub{
		ps:  ps,
		out: make(chan Message, 16),
	}
	go sub.forward()
	return sub, nil
}

type redisSub struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSub) forward() {
	defer close(s.out)
	for m := range s.ps.Channel() {
		s.out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}
	}
}

func (s *redisSub) Messages() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	return s.ps.Close()
}
