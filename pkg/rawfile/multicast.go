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
	"unsafe"

	"golang.org/x/sys/unix"
)

// JoinGroup joins the multicast group at addr on ifIndex (0 lets the kernel
// pick based on the routing table).
func JoinGroup(fd int, addr netip.Addr, ifIndex int) error {
	if addr.Is4() {
		mreq := &unix.IPMreqn{Multiaddr: addr.As4(), Ifindex: int32(ifIndex)}
		if err := unix.SetsockoptIPMreqn(fd, unix.SOL_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			return fmt.Errorf("rawfile: setsockopt(IP_ADD_MEMBERSHIP): %w", err)
		}
		return nil
	}
	mreq := &unix.IPv6Mreq{Multiaddr: addr.As16(), Interface: uint32(ifIndex)}
	if err := unix.SetsockoptIPv6Mreq(fd, unix.SOL_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
		return fmt.Errorf("rawfile: setsockopt(IPV6_JOIN_GROUP): %w", err)
	}
	return nil
}

// LeaveGroup leaves the multicast group at addr on ifIndex.
func LeaveGroup(fd int, addr netip.Addr, ifIndex int) error {
	if addr.Is4() {
		mreq := &unix.IPMreqn{Multiaddr: addr.As4(), Ifindex: int32(ifIndex)}
		if err := unix.SetsockoptIPMreqn(fd, unix.SOL_IP, unix.IP_DROP_MEMBERSHIP, mreq); err != nil {
			return fmt.Errorf("rawfile: setsockopt(IP_DROP_MEMBERSHIP): %w", err)
		}
		return nil
	}
	mreq := &unix.IPv6Mreq{Multiaddr: addr.As16(), Interface: uint32(ifIndex)}
	if err := unix.SetsockoptIPv6Mreq(fd, unix.SOL_IPV6, unix.IPV6_LEAVE_GROUP, mreq); err != nil {
		return fmt.Errorf("rawfile: setsockopt(IPV6_LEAVE_GROUP): %w", err)
	}
	return nil
}

// groupSourceReq hand-builds the wire layout of "struct group_source_req":
// a uint32 interface index followed by two sockaddr_storage slots (group,
// then source), used by the source-specific join/block socket options.
// sockaddr_storage is 128 bytes on Linux; neither it nor group_source_req
// has a Go definition in this dependency's vendored subset, so this follows
// the same hand-rolled-layout approach PutSockaddr uses for plain
// sockaddr_in/sockaddr_in6.
const sockaddrStorageSize = 128

func groupSourceReq(ifIndex int, group, source netip.Addr) []byte {
	buf := make([]byte, 4+2*sockaddrStorageSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ifIndex))
	putSockaddrStorage(buf[4:4+sockaddrStorageSize], group)
	putSockaddrStorage(buf[4+sockaddrStorageSize:], source)
	return buf
}

func putSockaddrStorage(buf []byte, addr netip.Addr) {
	if addr.Is4() {
		binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET)
		ip4 := addr.As4()
		copy(buf[4:8], ip4[:])
		return
	}
	binary.LittleEndian.PutUint16(buf[0:2], unix.AF_INET6)
	ip6 := addr.As16()
	copy(buf[8:24], ip6[:])
}

// JoinSourceGroup joins the source-specific multicast channel (group,
// source) on ifIndex, via MCAST_JOIN_SOURCE_GROUP.
func JoinSourceGroup(fd int, group, source netip.Addr, ifIndex int) error {
	return setGroupSourceReq(fd, unix.MCAST_JOIN_SOURCE_GROUP, group, source, ifIndex)
}

// BlockSource blocks datagrams from source within an already-joined group,
// via MCAST_BLOCK_SOURCE.
func BlockSource(fd int, group, source netip.Addr, ifIndex int) error {
	return setGroupSourceReq(fd, unix.MCAST_BLOCK_SOURCE, group, source, ifIndex)
}

// UnblockSource reverses a prior BlockSource, via MCAST_UNBLOCK_SOURCE.
func UnblockSource(fd int, group, source netip.Addr, ifIndex int) error {
	return setGroupSourceReq(fd, unix.MCAST_UNBLOCK_SOURCE, group, source, ifIndex)
}

func setGroupSourceReq(fd, opt int, group, source netip.Addr, ifIndex int) error {
	req := groupSourceReq(ifIndex, group, source)
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(fd), uintptr(unix.SOL_IP),
		uintptr(opt), uintptr(unsafe.Pointer(&req[0])), uintptr(len(req)), 0)
	if errno != 0 {
		return fmt.Errorf("rawfile: setsockopt(group_source_req opt=%d): %w", opt, errno)
	}
	return nil
}
