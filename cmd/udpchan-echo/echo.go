// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/myriadlabs/udpchan/config"
	"github.com/myriadlabs/udpchan/pkg/channel"
	"github.com/myriadlabs/udpchan/pkg/eventloop"
	"github.com/myriadlabs/udpchan/pkg/log"
	"github.com/myriadlabs/udpchan/pkg/pipeline"
)

// echoCmd implements subcommands.Command for "echo": it binds one channel
// and writes every inbound datagram back to whichever address it arrived
// from, until interrupted.
type echoCmd struct {
	configPath string
	flags      *config.Flags
}

func (*echoCmd) Name() string     { return "echo" }
func (*echoCmd) Synopsis() string { return "bind a channel and echo every datagram back to its sender" }
func (*echoCmd) Usage() string    { return "echo [flags]\n" }

func (c *echoCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML config file")
	c.flags = config.RegisterFlags(f)
}

func (c *echoCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath, c.flags)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0:0"
	}

	h := &echoHandler{}
	ch, err := channel.New(cfg, channel.DefaultCapabilities(), pipeline.New(h))
	if err != nil {
		fatalf("creating channel: %v", err)
	}
	h.channel = ch

	loop, err := eventloop.New()
	if err != nil {
		fatalf("creating event loop: %v", err)
	}
	if err := ch.Register(loop); err != nil {
		fatalf("registering channel: %v", err)
	}

	local, err := ch.LocalAddr()
	if err != nil {
		fatalf("reading local address: %v", err)
	}
	log.Infof("echo: listening on %s", local)

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := loop.Run(runCtx); err != nil && runCtx.Err() == nil {
		fatalf("event loop: %v", err)
	}
	ch.Close()
	loop.Close()
	return subcommands.ExitSuccess
}

// echoHandler implements pipeline.Handler by submitting every inbound
// packet straight back to its sender.
type echoHandler struct {
	channel *channel.Channel
}

func (h *echoHandler) ChannelRead(pkt pipeline.Packet) {
	payload := pkt.Payload.Clone()
	h.channel.Submit(channel.AddressedMessage{Payload: payload, Recipient: pkt.Sender}, func(r channel.WriteResult) {
		if r.Err != nil {
			log.Warningf("echo: write to %s failed: %v", pkt.Sender, r.Err)
		}
	})
}

func (h *echoHandler) ChannelReadComplete() {}

func (h *echoHandler) ExceptionCaught(err error) {
	log.Warningf("echo: %v", err)
}
