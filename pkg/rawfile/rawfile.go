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

// Package rawfile wraps the host syscalls the datagram channel needs:
// socket/bind/connect/close, the batched sendmmsg/recvmmsg pair, epoll
// registration, and the UDP_SEGMENT/UDP_GRO control-message layout.
// pkg/channel and pkg/eventloop use golang.org/x/sys/unix only for its
// constants and types; the demo's self-pipe in cmd/udpchan-echo calls it
// directly.
package rawfile

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by the non-blocking syscall wrappers below in
// place of EAGAIN/EWOULDBLOCK, so callers can use errors.Is.
var ErrWouldBlock = errors.New("rawfile: operation would block")

// ErrConnectionRefused is returned in place of ECONNREFUSED so pkg/channel
// can recognize it regardless of which syscall surfaced it.
var ErrConnectionRefused = errors.New("rawfile: connection refused")

// translateErrno turns a raw errno into a stable sentinel, or into an error
// that names the call and wraps the original errno (fmt.Errorf with %w) for
// inspection with errors.Is/As.
func translateErrno(call string, errno unix.Errno) error {
	switch errno {
	case 0:
		return nil
	case unix.EAGAIN:
		return ErrWouldBlock
	case unix.ECONNREFUSED:
		return ErrConnectionRefused
	default:
		return fmt.Errorf("rawfile: %s: %w", call, errno)
	}
}

// IsWouldBlock reports whether err originated from EAGAIN/EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// IsConnectionRefused reports whether err originated from ECONNREFUSED. The
// ReadPath uses this to translate the error into a port-unreachable
// condition when the channel is connected.
func IsConnectionRefused(err error) bool {
	return errors.Is(err, ErrConnectionRefused)
}

// NewSocket creates a non-blocking UDP socket for the given address family
// (unix.AF_INET or unix.AF_INET6).
func NewSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("rawfile: socket: %w", err)
	}
	return fd, nil
}

// SetReuseAddr enables SO_REUSEADDR, matching the option most UDP servers
// in this codebase's ancestry set before Bind.
func SetReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("rawfile: setsockopt(SO_REUSEADDR): %w", err)
	}
	return nil
}

// SetUDPGRO toggles the UDP_GRO socket option, which causes the kernel to
// coalesce received datagrams and report their original segment size via a
// UDP_GRO control message.
func SetUDPGRO(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_UDP, unix.UDP_GRO, v); err != nil {
		return fmt.Errorf("rawfile: setsockopt(UDP_GRO): %w", err)
	}
	return nil
}

// Close closes fd, translating EINTR-free semantics (Linux always closes the
// fd even when close(2) returns EINTR).
func Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("rawfile: close: %w", err)
	}
	return nil
}

// Read performs a single non-blocking read(2).
func Read(fd int, b []byte) (int, error) {
	n, err := unix.Read(fd, b)
	if err != nil {
		return n, translateErrno("read", err.(unix.Errno))
	}
	return n, nil
}

// Write performs a single non-blocking write(2), used by the write path's
// spin strategy on a connected socket.
func Write(fd int, b []byte) (int, error) {
	n, err := unix.Write(fd, b)
	if err != nil {
		return n, translateErrno("write", err.(unix.Errno))
	}
	return n, nil
}

// SendTo performs a single non-blocking sendto(2) to addr, used by the
// write path's spin strategy on an unconnected socket.
func SendTo(fd int, b []byte, sa unix.Sockaddr) (int, error) {
	if err := unix.Sendto(fd, b, unix.MSG_DONTWAIT, sa); err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return 0, translateErrno("sendto", errno)
		}
		return 0, fmt.Errorf("rawfile: sendto: %w", err)
	}
	return len(b), nil
}

// Connect issues connect(2). Passing a nil sa performs connect(AF_UNSPEC),
// i.e. disconnect.
func Connect(fd int, sa unix.Sockaddr) error {
	if sa == nil {
		return disconnect(fd)
	}
	if err := unix.Connect(fd, sa); err != nil {
		return translateErrno("connect", err.(unix.Errno))
	}
	return nil
}

func disconnect(fd int) error {
	// connect(AF_UNSPEC) on Linux clears the peer association on a
	// datagram socket.
	var sa unix.RawSockaddrAny
	sa.Addr.Family = unix.AF_UNSPEC
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd), uintptr(unsafe.Pointer(&sa)), unsafe.Sizeof(sa.Addr))
	if errno != 0 && errno != unix.EAFNOSUPPORT {
		return translateErrno("connect(AF_UNSPEC)", errno)
	}
	return nil
}

// Bind issues bind(2).
func Bind(fd int, sa unix.Sockaddr) error {
	if err := unix.Bind(fd, sa); err != nil {
		return translateErrno("bind", err.(unix.Errno))
	}
	return nil
}

// Getsockname issues getsockname(2).
func Getsockname(fd int) (unix.Sockaddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, translateErrno("getsockname", err.(unix.Errno))
	}
	return sa, nil
}

// Getpeername issues getpeername(2).
func Getpeername(fd int) (unix.Sockaddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, translateErrno("getpeername", err.(unix.Errno))
	}
	return sa, nil
}
