// Package config defines the channel's configuration surface and the two
// ways it is populated: a YAML file loaded with gopkg.in/yaml.v3, and a
// flag.FlagSet of CLI overrides for the demo binary. Library callers that
// embed pkg/channel directly construct a Config by hand and never touch
// this package.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogFormat selects the pkg/log Emitter the demo binary installs.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the full set of options a datagram channel recognizes.
type Config struct {
	// Bind is the local address to bind to, e.g. "0.0.0.0:4242" or
	// "[::]:4242". Empty means New does not bind the socket.
	Bind string `yaml:"bind"`

	// Connect, if non-empty, is the remote address the channel connects
	// to immediately after binding.
	Connect string `yaml:"connect"`

	// ReusePort enables SO_REUSEADDR before bind.
	ReusePort bool `yaml:"reuse-port"`

	// RecvBufferSize and SendBufferSize set SO_RCVBUF/SO_SNDBUF when
	// non-zero, overriding the OS default.
	RecvBufferSize int `yaml:"recv-buffer-size"`
	SendBufferSize int `yaml:"send-buffer-size"`

	// EnableGRO toggles UDP_GRO on the socket, causing the kernel to
	// coalesce consecutive datagrams from the same peer into one
	// recvmsg/recvmmsg slot.
	EnableGRO bool `yaml:"enable-gro"`

	// MaxSegmentSize is the largest SegmentSize a SegmentedMessage may
	// request for the kernel to split its payload via UDP_SEGMENT (GSO) in
	// one sendmmsg. Zero disables GSO outright.
	MaxSegmentSize int `yaml:"max-segment-size"`

	// MaxDatagramPayloadSize is the expected per-packet size the read
	// path uses to size a scattering recvmmsg batch. Zero means "one
	// datagram per buffer", i.e. never scatter.
	MaxDatagramPayloadSize int `yaml:"max-datagram-payload-size"`

	// BatchCapacity is the number of iovec/msghdr slots a channel's own
	// NativePacketArray holds, sized once at channel construction.
	BatchCapacity int `yaml:"batch-capacity"`

	// MaxMessagesPerWrite bounds how many queued messages the write path
	// drains in one pass, independent of BatchCapacity. Zero falls back
	// to 1 (one message per pass). It may be set lower than
	// BatchCapacity to keep a single write pass from monopolizing the
	// event loop even when the array has room for more.
	MaxMessagesPerWrite int `yaml:"max-messages-per-write"`

	// WriteSpinLimit bounds how many consecutive single-message sendmsg
	// retries the write path issues before arming EPOLLOUT and returning
	// control to the event loop.
	WriteSpinLimit int `yaml:"write-spin-limit"`

	// ActiveOnOpen makes IsActive report true as soon as the channel is
	// registered with the event loop, even before a successful bind.
	ActiveOnOpen bool `yaml:"active-on-open"`

	// NetworkInterface is the default interface multicast operations
	// resolve against when neither an explicit interface nor the bound
	// local address determines one.
	NetworkInterface string `yaml:"network-interface"`

	// IdleTimeout is parsed from the YAML file but not read by any
	// package; a channel is never closed for lack of inbound traffic,
	// whatever its value.
	IdleTimeout time.Duration `yaml:"idle-timeout"`

	// LogLevel is one of "debug", "info", "warning".
	LogLevel string `yaml:"log-level"`

	// LogFormat is "text" (glog-style) or "json".
	LogFormat LogFormat `yaml:"log-format"`
}

// Default returns a Config with the same defaults the demo binary falls
// back to when neither a YAML file nor a flag override supplies a value.
func Default() Config {
	return Config{
		ReusePort:           true,
		BatchCapacity:       64,
		MaxMessagesPerWrite: 64,
		WriteSpinLimit:      8,
		LogLevel:            "info",
		LogFormat:           LogFormatText,
	}
}

// Load reads a YAML config file at path on top of Default: fields the file
// does not mention keep their default, and a field the file sets, even to
// its zero value, overrides it. A missing file is not an error; Load
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return c, nil
}

// Flags holds the flag.Value pointers RegisterFlags binds. Call fs.Parse,
// then Apply, to layer CLI overrides on top of a YAML-loaded Config.
type Flags struct {
	bind                *string
	connect             *string
	reusePort           *bool
	enableGRO           *bool
	maxSegmentSize      *int
	batchCapacity       *int
	maxMessagesPerWrite *int
	logLevel            *string
	logFormat           *string
}

// RegisterFlags adds one flag per overridable Config field to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	return &Flags{
		bind:                fs.String("bind", "", "local address to bind to"),
		connect:             fs.String("connect", "", "remote address to connect to"),
		reusePort:           fs.Bool("reuse-port", false, "set SO_REUSEADDR before bind"),
		enableGRO:           fs.Bool("gro", false, "enable UDP_GRO on the socket"),
		maxSegmentSize:      fs.Int("segment-size", 0, "max UDP_SEGMENT payload size, 0 disables GSO"),
		batchCapacity:       fs.Int("batch-capacity", 0, "recvmmsg NativePacketArray slot count, 0 keeps the config default"),
		maxMessagesPerWrite: fs.Int("max-messages-per-write", 0, "max queued messages drained per write pass, 0 keeps the config default"),
		logLevel:            fs.String("log-level", "", "debug, info, or warning"),
		logFormat:           fs.String("log-format", "", "text or json"),
	}
}

// Apply layers the parsed flag values onto c, skipping any flag left at
// its zero value so an unset flag never clobbers a value from the YAML
// file.
func (f *Flags) Apply(c *Config) {
	if *f.bind != "" {
		c.Bind = *f.bind
	}
	if *f.connect != "" {
		c.Connect = *f.connect
	}
	if *f.reusePort {
		c.ReusePort = true
	}
	if *f.enableGRO {
		c.EnableGRO = true
	}
	if *f.maxSegmentSize != 0 {
		c.MaxSegmentSize = *f.maxSegmentSize
	}
	if *f.batchCapacity != 0 {
		c.BatchCapacity = *f.batchCapacity
	}
	if *f.maxMessagesPerWrite != 0 {
		c.MaxMessagesPerWrite = *f.maxMessagesPerWrite
	}
	if *f.logLevel != "" {
		c.LogLevel = *f.logLevel
	}
	if *f.logFormat != "" {
		c.LogFormat = LogFormat(*f.logFormat)
	}
}
