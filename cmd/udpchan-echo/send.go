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
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/myriadlabs/udpchan/config"
	"github.com/myriadlabs/udpchan/pkg/buffer"
	"github.com/myriadlabs/udpchan/pkg/channel"
	"github.com/myriadlabs/udpchan/pkg/eventloop"
	"github.com/myriadlabs/udpchan/pkg/pipeline"
)

// sendCmd implements subcommands.Command for "send": it connects a channel
// to a peer and floods it with fixed-size payloads for a duration,
// reporting throughput on exit the way this codebase's ancestry reports a
// finished AF_XDP run.
type sendCmd struct {
	configPath string
	flags      *config.Flags
	pktSize    int
	duration   time.Duration
}

func (*sendCmd) Name() string { return "send" }
func (*sendCmd) Synopsis() string {
	return "flood a connected peer with fixed-size datagrams and report throughput"
}
func (*sendCmd) Usage() string { return "send -connect <addr> [flags]\n" }

func (c *sendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a YAML config file")
	f.IntVar(&c.pktSize, "size", 1200, "payload size in bytes of each datagram")
	f.DurationVar(&c.duration, "duration", 5*time.Second, "how long to send for")
	c.flags = config.RegisterFlags(f)
}

func (c *sendCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(c.configPath, c.flags)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Connect == "" {
		fatalf("send: -connect is required")
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0:0"
	}

	ch, err := channel.New(cfg, channel.DefaultCapabilities(), pipeline.New())
	if err != nil {
		fatalf("creating channel: %v", err)
	}
	defer ch.Close()

	loop, err := eventloop.New()
	if err != nil {
		fatalf("creating event loop: %v", err)
	}
	defer loop.Close()
	if err := ch.Register(loop); err != nil {
		fatalf("registering channel: %v", err)
	}

	// The burst itself has to run on the goroutine that owns the loop:
	// Submit drives the write path, which arms and disarms EPOLLOUT on
	// the same Registration the loop's epoll instance is dispatching for.
	// A self-pipe kicks that burst off from inside Run's own dispatch
	// loop instead of racing it from this goroutine.
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	runCtx, cancel := context.WithTimeout(ctx, c.duration)
	defer cancel()

	stats := &sendStats{pktSize: c.pktSize}
	kick, err := loop.Register(fds[0], eventloop.InterestRead, func(uint32) {
		var drain [64]byte
		unix.Read(fds[0], drain[:])
		runSendBurst(ch, runCtx, c.pktSize, stats)
		cancel()
	})
	if err != nil {
		fatalf("registering kick pipe: %v", err)
	}
	defer kick.Close()

	unix.Write(fds[1], []byte{0})

	start := time.Now()
	if err := loop.Run(runCtx); err != nil && runCtx.Err() == nil {
		fatalf("event loop: %v", err)
	}
	elapsed := time.Since(start)

	sent, completed, bytesSent := stats.snapshot()
	pps := float64(sent) / elapsed.Seconds()
	fmt.Fprintf(os.Stderr,
		"finished: sent=%s completed=%s bytes=%s | duration=%s | rate=%s pps\n",
		humanize.Comma(int64(sent)),
		humanize.Comma(int64(completed)),
		humanize.Bytes(bytesSent),
		elapsed,
		humanize.Comma(int64(pps)),
	)
	return subcommands.ExitSuccess
}

// sendStats accumulates counters the burst's write completions update.
// Every access happens on the loop's own goroutine, so it needs no
// synchronization of its own.
type sendStats struct {
	pktSize   int
	sent      uint64
	completed uint64
}

func (s *sendStats) snapshot() (sent, completed, bytes uint64) {
	return s.sent, s.completed, s.sent * uint64(s.pktSize)
}

// runSendBurst submits payloads back-to-back until ctx is done. Each
// Submit call drains the write path synchronously; a send that can't
// complete without blocking just stays queued until the next Submit call
// gives the write path another chance to drain it.
func runSendBurst(ch *channel.Channel, ctx context.Context, pktSize int, stats *sendStats) {
	payload := make([]byte, pktSize)
	for ctx.Err() == nil {
		view := buffer.NewDirectView(pktSize)
		view.Write(payload)
		stats.sent++
		ch.Submit(channel.BufferMessage{Payload: view}, func(r channel.WriteResult) {
			if r.Err == nil {
				stats.completed++
			}
		})
	}
}
