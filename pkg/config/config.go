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

package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/redis"
	"github.com/livekit/protocol/utils"
	"github.com/livekit/psrpc"

	"github.com/peercall/peercall/pkg/errors"
)

// DefaultICEServers is the fixed STUN list used for NAT traversal.
// No TURN: calls between peers behind symmetric NATs may fail to connect,
// which is an accepted limitation.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun3.l.google.com:19302",
	"stun:stun4.l.google.com:19302",
}

const (
	// DefaultPollInterval is how often the watcher queries the row store for
	// pending calls addressed to the local user.
	DefaultPollInterval = 3 * time.Second
)

type PostgresConfig struct {
	DSN                string `yaml:"dsn"` // required; contains secrets, never log it
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `yaml:"conn_max_lifetime_sec"`
	PingTimeoutSec     int    `yaml:"ping_timeout_sec"`
}

func (c PostgresConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSec) * time.Second
}

func (c PostgresConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSec) * time.Second
}

type Config struct {
	Redis    *redis.RedisConfig `yaml:"redis"`    // required
	Postgres PostgresConfig     `yaml:"postgres"` // required (env PEERCALL_POSTGRES_DSN)
	Identity string             `yaml:"identity"` // required (env PEERCALL_IDENTITY): local username

	ICEServers      []string `yaml:"ice_servers"`
	PollIntervalSec int      `yaml:"poll_interval_sec"`
	PrometheusPort  int      `yaml:"prometheus_port"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string // Do not provide, will be overwritten
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		Identity:        os.Getenv("PEERCALL_IDENTITY"),
		PollIntervalSec: int(DefaultPollInterval / time.Second),
		ServiceName:     "peercall",
	}
	conf.Postgres.DSN = os.Getenv("PEERCALL_POSTGRES_DSN")
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}

	if conf.Redis == nil {
		return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "redis configuration is required")
	}
	if conf.Postgres.DSN == "" {
		return nil, psrpc.NewErrorf(psrpc.InvalidArgument, "postgres dsn is required")
	}
	if conf.Identity == "" {
		return nil, errors.ErrMissingIdentity
	}
	if len(conf.ICEServers) == 0 {
		conf.ICEServers = DefaultICEServers
	}
	if conf.PollIntervalSec <= 0 {
		conf.PollIntervalSec = int(DefaultPollInterval / time.Second)
	}

	return conf, nil
}

func (conf *Config) Init() error {
	conf.NodeID = utils.NewGuid("PC_")

	if err := conf.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID}
}
