package channel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/myriadlabs/udpchan/pkg/rawfile"
)

// ErrBlockInterfaceOnly is returned by Block when called with an interface
// but no source address. The RFC 3678 interface-only block overload has no
// meaningful semantics for a single already-joined group and is not
// implemented.
var ErrBlockInterfaceOnly = errors.New("channel: block(group, interface) with no source is unsupported")

// JoinGroup joins the multicast group addr. If iface is the empty string,
// the interface is resolved from the channel's own local address; an
// unbound or ANY-bound channel falls back to the configured
// NetworkInterface, and without one to ifIndex 0, which lets the kernel
// pick based on the routing table. JoinGroup performs a single
// synchronous syscall and returns its result directly; there is no async
// sequencing since group membership sits outside the datagram fast path.
func (c *Channel) JoinGroup(addr netip.Addr, iface string) error {
	ifIndex, err := c.resolveInterface(iface)
	if err != nil {
		c.warnf("channel: join group %s failed: %v", addr, err)
		return err
	}
	if err := rawfile.JoinGroup(c.fd, addr, ifIndex); err != nil {
		c.warnf("channel: join group %s failed: %v", addr, err)
		return err
	}
	return nil
}

// LeaveGroup leaves the multicast group addr, resolving iface the same way
// JoinGroup does.
func (c *Channel) LeaveGroup(addr netip.Addr, iface string) error {
	ifIndex, err := c.resolveInterface(iface)
	if err != nil {
		c.warnf("channel: leave group %s failed: %v", addr, err)
		return err
	}
	if err := rawfile.LeaveGroup(c.fd, addr, ifIndex); err != nil {
		c.warnf("channel: leave group %s failed: %v", addr, err)
		return err
	}
	return nil
}

// Block blocks datagrams from source within group, already joined via
// JoinGroup. The interface-only overload (source left invalid) is
// explicitly unsupported and returns ErrBlockInterfaceOnly; the
// no-interface overload resolves an interface from the channel's local
// address, exactly as JoinGroup/LeaveGroup do, and delegates to the same
// source-specific socket option either way.
func (c *Channel) Block(group, source netip.Addr, iface string) error {
	if !source.IsValid() {
		c.warnf("channel: block on group %s failed: %v", group, ErrBlockInterfaceOnly)
		return ErrBlockInterfaceOnly
	}
	ifIndex, err := c.resolveInterface(iface)
	if err != nil {
		c.warnf("channel: block source %s on group %s failed: %v", source, group, err)
		return err
	}
	if err := rawfile.BlockSource(c.fd, group, source, ifIndex); err != nil {
		c.warnf("channel: block source %s on group %s failed: %v", source, group, err)
		return err
	}
	return nil
}

// Unblock reverses a prior Block for (group, source).
func (c *Channel) Unblock(group, source netip.Addr, iface string) error {
	ifIndex, err := c.resolveInterface(iface)
	if err != nil {
		c.warnf("channel: unblock source %s on group %s failed: %v", source, group, err)
		return err
	}
	if err := rawfile.UnblockSource(c.fd, group, source, ifIndex); err != nil {
		c.warnf("channel: unblock source %s on group %s failed: %v", source, group, err)
		return err
	}
	return nil
}

// JoinSourceGroup joins the source-specific multicast channel (group,
// source), resolving iface the same way JoinGroup does.
func (c *Channel) JoinSourceGroup(group, source netip.Addr, iface string) error {
	ifIndex, err := c.resolveInterface(iface)
	if err != nil {
		c.warnf("channel: join source group (%s, %s) failed: %v", group, source, err)
		return err
	}
	if err := rawfile.JoinSourceGroup(c.fd, group, source, ifIndex); err != nil {
		c.warnf("channel: join source group (%s, %s) failed: %v", group, source, err)
		return err
	}
	return nil
}

// resolveInterface looks up iface by name when given, else uses the
// interface that carries the channel's local address, else falls back to
// the channel's configured NetworkInterface. Behavior when the local
// address is ANY (or the channel is not open) and no interface was
// configured is left to the kernel: ifIndex 0 lets it pick based on the
// routing table rather than failing the call.
func (c *Channel) resolveInterface(iface string) (int, error) {
	if iface == "" {
		if c.open {
			if local, err := c.LocalAddr(); err == nil && !local.Addr().IsUnspecified() {
				ip := net.IP(local.Addr().Unmap().AsSlice())
				ifaces, _ := net.Interfaces()
				for _, ifi := range ifaces {
					addrs, _ := ifi.Addrs()
					for _, a := range addrs {
						if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
							return ifi.Index, nil
						}
					}
				}
			}
		}
		iface = c.cfg.NetworkInterface
	}
	if iface == "" {
		return 0, nil
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return 0, fmt.Errorf("channel: resolving interface %q: %w", iface, err)
	}
	return ifi.Index, nil
}
