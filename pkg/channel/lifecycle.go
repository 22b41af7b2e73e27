package channel

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/myriadlabs/udpchan/config"
	"github.com/myriadlabs/udpchan/pkg/allocator"
	"github.com/myriadlabs/udpchan/pkg/eventloop"
	"github.com/myriadlabs/udpchan/pkg/log"
	"github.com/myriadlabs/udpchan/pkg/pipeline"
	"github.com/myriadlabs/udpchan/pkg/rawfile"
	"golang.org/x/sys/unix"
)

// errLogInterval bounds how often a single channel logs a lifecycle or
// multicast failure, so a peer that keeps tripping the same error (e.g. a
// socket stuck in a bad state) cannot flood the log.
const errLogInterval = time.Second

// Capabilities are the platform offload features probed once at startup.
// The channel never re-probes mid-lifetime; it only reads these booleans
// to pick a read/write strategy.
type Capabilities struct {
	SendMMsg     bool
	RecvMMsg     bool
	Segmentation bool
	GRO          bool
}

// DefaultCapabilities reports every offload this module knows how to use
// as available, which holds on any Linux kernel recent enough to run this
// module (3.0+ for sendmmsg/recvmmsg, 4.18+ for UDP_SEGMENT/UDP_GRO).
// Callers on an older kernel should set the relevant field false instead
// of calling this.
func DefaultCapabilities() Capabilities {
	return Capabilities{SendMMsg: true, RecvMMsg: true, Segmentation: true, GRO: true}
}

// Channel is a single-socket, epoll-driven UDP datagram endpoint. All of
// its I/O-touching methods must run on the goroutine that called
// (*eventloop.Loop).Run for the loop it is registered with.
type Channel struct {
	fd     int
	family int

	open      bool
	bound     bool
	connected bool
	active    bool

	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort

	cfg  config.Config
	caps Capabilities

	filter OutboundFilter
	queue  outboundQueue
	array  *NativePacketArray
	alloc  *allocator.Handle

	pipeline *pipeline.Pipeline
	reg      *eventloop.Registration

	errLog log.Logger
}

// New creates a non-blocking UDP socket and wires it with the given
// configuration, capability probe, and pipeline. It binds to cfg.Bind and
// then connects to cfg.Connect when those are non-empty; with both empty
// the socket is left unbound and unconnected. Register the channel with
// an event loop afterward.
func New(cfg config.Config, caps Capabilities, pl *pipeline.Pipeline) (*Channel, error) {
	family := unix.AF_INET6
	if ap, err := netip.ParseAddrPort(cfg.Bind); err == nil && ap.Addr().Is4() {
		family = unix.AF_INET
	} else if ap, err := netip.ParseAddrPort(cfg.Connect); err == nil && ap.Addr().Is4() {
		family = unix.AF_INET
	}

	fd, err := rawfile.NewSocket(family)
	if err != nil {
		return nil, err
	}

	capacity := cfg.BatchCapacity
	if capacity <= 0 {
		capacity = 1
	}

	c := &Channel{
		fd:       fd,
		family:   family,
		open:     true,
		cfg:      cfg,
		caps:     caps,
		filter:   OutboundFilter{SupportsSegmentation: caps.Segmentation, MaxSegmentSize: cfg.MaxSegmentSize},
		array:    NewNativePacketArray(capacity),
		alloc:    allocator.NewHandle(),
		pipeline: pl,
		errLog:   log.BasicRateLimitedLogger(errLogInterval),
	}

	if cfg.ReusePort {
		if err := rawfile.SetReuseAddr(fd); err != nil {
			rawfile.Close(fd)
			return nil, err
		}
	}
	if cfg.EnableGRO && caps.GRO {
		if err := rawfile.SetUDPGRO(fd, true); err != nil {
			rawfile.Close(fd)
			return nil, err
		}
	}

	if cfg.Bind != "" {
		local, err := netip.ParseAddrPort(cfg.Bind)
		if err != nil {
			rawfile.Close(fd)
			return nil, fmt.Errorf("channel: parsing bind address %q: %w", cfg.Bind, err)
		}
		if err := c.Bind(local); err != nil {
			rawfile.Close(fd)
			return nil, err
		}
	}
	if cfg.Connect != "" {
		remote, err := netip.ParseAddrPort(cfg.Connect)
		if err != nil {
			rawfile.Close(fd)
			return nil, fmt.Errorf("channel: parsing connect address %q: %w", cfg.Connect, err)
		}
		if err := c.Connect(remote); err != nil {
			rawfile.Close(fd)
			return nil, err
		}
	}

	return c, nil
}

// rewriteIPv4AnyForV6Socket substitutes the IPv6 ANY address, preserving
// the port, when asked to bind IPv4 ANY on a socket created for AF_INET6.
func (c *Channel) rewriteIPv4AnyForV6Socket(local netip.AddrPort) netip.AddrPort {
	if c.family == unix.AF_INET6 && local.Addr() == netip.IPv4Unspecified() {
		return netip.AddrPortFrom(netip.IPv6Unspecified(), local.Port())
	}
	return local
}

// Bind binds the channel's socket to local. On success, active becomes
// true and any cached local address is invalidated so the next LocalAddr
// call re-reads it from the kernel.
func (c *Channel) Bind(local netip.AddrPort) error {
	local = c.rewriteIPv4AnyForV6Socket(local)
	if err := rawfile.Bind(c.fd, rawfile.SockaddrFromAddrPort(local)); err != nil {
		c.warnf("channel: bind to %s failed: %v", local, err)
		return err
	}
	c.bound = true
	c.active = true
	c.localAddr = netip.AddrPort{}
	return nil
}

// Connect connects the channel's socket to remote, putting it in the
// kernel's single-peer "connected UDP" mode. On success connected becomes
// true.
func (c *Channel) Connect(remote netip.AddrPort) error {
	if err := rawfile.Connect(c.fd, rawfile.SockaddrFromAddrPort(remote)); err != nil {
		c.warnf("channel: connect to %s failed: %v", remote, err)
		return err
	}
	c.connected = true
	c.remoteAddr = remote
	c.localAddr = netip.AddrPort{}
	c.alloc.Reset()
	return nil
}

// Disconnect clears the socket's peer association. On success connected
// and active are cleared and both cached addresses are invalidated.
func (c *Channel) Disconnect() error {
	if err := rawfile.Connect(c.fd, nil); err != nil {
		c.warnf("channel: disconnect failed: %v", err)
		return err
	}
	c.connected = false
	c.active = false
	c.localAddr = netip.AddrPort{}
	c.remoteAddr = netip.AddrPort{}
	c.alloc.Reset()
	return nil
}

// Close deregisters the channel from its event loop (if registered),
// closes the socket, and releases every payload still sitting in the
// outbound queue with an error completion. Close is idempotent.
func (c *Channel) Close() error {
	if !c.open {
		return nil
	}
	if c.reg != nil {
		c.reg.Close()
		c.reg = nil
	}
	err := rawfile.Close(c.fd)
	if err != nil {
		c.warnf("channel: close failed: %v", err)
	}
	c.open = false
	c.connected = false

	for i := range c.queue.items {
		payloadOf(c.queue.items[i].msg).Release()
		c.queue.items[i].complete(WriteResult{Err: fmt.Errorf("channel: closed with message still queued")})
	}
	c.queue.items = nil

	return err
}

// IsActive reports whether the channel is open and either flagged active
// (by a successful Bind, or by being constructed from an already-bound
// fd) or configured to report active as soon as it is registered.
func (c *Channel) IsActive() bool {
	return c.open && (c.active || (c.cfg.ActiveOnOpen && c.reg != nil))
}

// LocalAddr returns the socket's local address, querying the kernel and
// caching the result if it has not been resolved since the last Bind,
// Connect, or Disconnect.
func (c *Channel) LocalAddr() (netip.AddrPort, error) {
	if c.localAddr.IsValid() {
		return c.localAddr, nil
	}
	sa, err := rawfile.Getsockname(c.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap, err := rawfile.AddrPortFromSockaddrUnix(sa)
	if err != nil {
		return netip.AddrPort{}, err
	}
	c.localAddr = ap
	return ap, nil
}

// RemoteAddr returns the connected peer's address. Only meaningful while
// connected.
func (c *Channel) RemoteAddr() netip.AddrPort {
	return c.remoteAddr
}

// warnf logs through errLog if the channel has one. A Channel built by New
// always does; warnf tolerates a zero-value Channel (as used by in-package
// tests exercising a single method directly) having none.
func (c *Channel) warnf(format string, v ...any) {
	if c.errLog != nil {
		c.errLog.Warningf(format, v...)
	}
}

// Register adds the channel's socket to loop, starting read interest
// immediately. Subsequent I/O-touching calls on the channel must happen on
// loop's own goroutine.
func (c *Channel) Register(loop *eventloop.Loop) error {
	reg, err := loop.Register(c.fd, eventloop.InterestRead, c.handleEvents)
	if err != nil {
		c.warnf("channel: register failed: %v", err)
		return err
	}
	c.reg = reg
	return nil
}

// handleEvents is the eventloop.Handler this channel registers. It
// dispatches to the read and/or write path depending on which readiness
// bits epoll reported. EPOLLERR also runs the read path, so a pending
// socket error (such as ECONNREFUSED on a connected socket) is picked up
// by the next read and surfaced through ExceptionCaught.
func (c *Channel) handleEvents(mask uint32) {
	if mask&(uint32(eventloop.InterestRead)|uint32(rawfile.EventErr)) != 0 {
		c.ReadPath()
	}
	if mask&uint32(eventloop.InterestWrite) != 0 {
		c.WritePath()
	}
}

// Submit filters msg and appends it to the outbound queue, invoking
// complete exactly once when the message is sent or fails. It then
// attempts to drain the queue immediately rather than waiting for the
// next EPOLLOUT, since an edge-triggered socket that was already writable
// will not report so again on its own.
//
// Submit panics if msg does not match one of the OutboundMessage variants,
// or if a Segmented message is submitted on a channel without
// segmentation support — both are caller bugs, not runtime conditions.
func (c *Channel) Submit(msg OutboundMessage, complete func(WriteResult)) {
	filtered, err := c.filter.Filter(msg)
	if err != nil {
		if p := payloadOf(msg); p != nil {
			p.Release()
		}
		panic(err)
	}
	c.queue.push(queuedMessage{msg: filtered, complete: complete})
	c.WritePath()
}
