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

//go:build linux

package rawfile

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// SockaddrSize is large enough to hold any sockaddr this codebase produces
// (sockaddr_in6 is the largest), matching the per-slot name buffer size a
// NativePacketArray allocates once and reuses across batches.
const SockaddrSize = unix.SizeofSockaddrInet6

// PutSockaddr encodes addr into buf (which must be at least SockaddrSize
// bytes) in the raw sockaddr_in/sockaddr_in6 byte layout the kernel expects
// for msg_name, and returns the number of bytes written. The layout is
// built by hand, field by field, rather than through a Go struct, since
// sendmmsg/recvmmsg need a stable raw buffer rather than a pointer to a
// unix.Sockaddr.
func PutSockaddr(buf []byte, addr netip.AddrPort) int {
	for i := range buf {
		buf[i] = 0
	}
	if addr.Addr().Is4() || (addr.Addr().Is4In6() && addr.Addr().Unmap().Is4()) {
		// struct sockaddr_in { sa_family_t family; in_port_t port; struct in_addr addr; }
		binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET)
		binary.BigEndian.PutUint16(buf[2:4], addr.Port())
		ip4 := addr.Addr().Unmap().As4()
		copy(buf[4:8], ip4[:])
		return int(unix.SizeofSockaddrInet4)
	}
	// struct sockaddr_in6 { sa_family_t family; in_port_t port; uint32 flowinfo; struct in6_addr addr; uint32 scope_id; }
	binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET6)
	binary.BigEndian.PutUint16(buf[2:4], addr.Port())
	ip6 := addr.Addr().As16()
	copy(buf[8:24], ip6[:])
	return int(unix.SizeofSockaddrInet6)
}

// AddrPortFromSockaddr decodes the raw sockaddr bytes written into a
// msg_name buffer by recvmsg/recvmmsg back into a netip.AddrPort.
func AddrPortFromSockaddr(buf []byte) (netip.AddrPort, error) {
	if len(buf) < 2 {
		return netip.AddrPort{}, fmt.Errorf("rawfile: sockaddr buffer too short: %d bytes", len(buf))
	}
	family := binary.LittleEndian.Uint16(buf[0:2])
	switch family {
	case unix.AF_INET:
		if len(buf) < int(unix.SizeofSockaddrInet4) {
			return netip.AddrPort{}, fmt.Errorf("rawfile: short sockaddr_in: %d bytes", len(buf))
		}
		port := binary.BigEndian.Uint16(buf[2:4])
		var ip [4]byte
		copy(ip[:], buf[4:8])
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil
	case unix.AF_INET6:
		if len(buf) < int(unix.SizeofSockaddrInet6) {
			return netip.AddrPort{}, fmt.Errorf("rawfile: short sockaddr_in6: %d bytes", len(buf))
		}
		port := binary.BigEndian.Uint16(buf[2:4])
		var ip [16]byte
		copy(ip[:], buf[8:24])
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("rawfile: unsupported sockaddr family %d", family)
	}
}

// SockaddrFromAddrPort builds a unix.Sockaddr for use with Connect/Bind.
func SockaddrFromAddrPort(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() || (addr.Addr().Is4In6() && addr.Addr().Unmap().Is4()) {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().Unmap().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

// AddrPortFromSockaddrUnix converts a resolved unix.Sockaddr (as returned by
// Getsockname/Getpeername) into a netip.AddrPort.
func AddrPortFromSockaddrUnix(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("rawfile: unsupported sockaddr type %T", sa)
	}
}
