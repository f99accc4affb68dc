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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/peercall/peercall/pkg/call"
	"github.com/peercall/peercall/pkg/config"
	"github.com/peercall/peercall/pkg/errors"
	"github.com/peercall/peercall/pkg/service"
	"github.com/peercall/peercall/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "peercall",
		Usage:       "Peercall",
		Version:     version.Version,
		Description: "Two-party call negotiation service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Peercall yaml config file",
				Sources: cli.EnvVars("PEERCALL_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "config-body",
				Usage:   "Peercall yaml config body",
				Sources: cli.EnvVars("PEERCALL_CONFIG_BODY"),
			},
		},
		Action: runService,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
	}
}

func runService(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c, true)
	if err != nil {
		return err
	}
	log := logger.GetLogger()

	svc, err := service.NewService(ctx, conf, nil, log)
	if err != nil {
		return err
	}
	svc.OnIncomingCall(func(in call.IncomingCall) {
		log.Infow("incoming call", "caller", in.Caller, "chatID", in.ChatID, "video", in.Video)
	})
	svc.OnRecover(func(chatID, reason string) {
		log.Infow("call ended abnormally", "chatID", chatID, "reason", reason)
	})

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	go func() {
		sig := <-stopChan
		log.Infow("exit requested, shutting down", "signal", sig)
		svc.Stop()
	}()

	return svc.Run(ctx)
}

func getConfig(c *cli.Command, initialize bool) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" {
		if configFile == "" {
			return nil, errors.ErrNoConfig
		}
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}

	if initialize {
		if err := conf.Init(); err != nil {
			return nil, err
		}
	}

	return conf, nil
}
