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
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMsgHdr mirrors the kernel's struct mmsghdr, used by sendmmsg(2)/
// recvmmsg(2) to ship more than one datagram per syscall.
type MMsgHdr struct {
	Msg unix.Msghdr
	Len uint32
	_   [4]byte
}

// SizeofMMsgHdr is the size of an MMsgHdr in bytes.
const SizeofMMsgHdr = unsafe.Sizeof(MMsgHdr{})

// SupportsSendMMsg is set to true, which holds on every Linux kernel this
// module targets (3.0+); it is not probed at run time and no package reads
// it. The single-message fallback path is selected through
// channel.Capabilities.SendMMsg instead.
var SupportsSendMMsg = true

// SupportsRecvMMsg is the recvmmsg(2) counterpart of SupportsSendMMsg:
// set to true, not probed, and not read by any package.
var SupportsRecvMMsg = true

// SendMMsg issues sendmmsg(2) for up to len(hdrs) messages and returns the
// number actually sent. It never blocks: EAGAIN/EWOULDBLOCK surfaces as
// (0, nil), matching the edge-triggered write path's "socket not writable"
// case rather than as an error.
func SendMMsg(fd int, hdrs []MMsgHdr) (int, error) {
	if len(hdrs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall6(unix.SYS_SENDMMSG, uintptr(fd), uintptr(unsafe.Pointer(&hdrs[0])), uintptr(len(hdrs)), uintptr(unix.MSG_DONTWAIT), 0, 0)
	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, translateErrno("sendmmsg", errno)
	}
	return int(n), nil
}

// RecvMMsg issues recvmmsg(2) for up to len(hdrs) messages and returns the
// number actually received. EAGAIN/EWOULDBLOCK surfaces as (0, nil).
func RecvMMsg(fd int, hdrs []MMsgHdr) (int, error) {
	if len(hdrs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall6(unix.SYS_RECVMMSG, uintptr(fd), uintptr(unsafe.Pointer(&hdrs[0])), uintptr(len(hdrs)), uintptr(unix.MSG_DONTWAIT), 0, 0)
	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, translateErrno("recvmmsg", errno)
	}
	return int(n), nil
}

// SendMsg issues a single non-blocking sendmsg(2).
func SendMsg(fd int, msg *unix.Msghdr) (int, error) {
	n, _, errno := unix.Syscall(unix.SYS_SENDMSG, uintptr(fd), uintptr(unsafe.Pointer(msg)), uintptr(unix.MSG_DONTWAIT))
	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, translateErrno("sendmsg", errno)
	}
	return int(n), nil
}

// RecvMsg issues a single non-blocking recvmsg(2).
func RecvMsg(fd int, msg *unix.Msghdr) (int, error) {
	n, _, errno := unix.Syscall(unix.SYS_RECVMSG, uintptr(fd), uintptr(unsafe.Pointer(msg)), uintptr(unix.MSG_DONTWAIT))
	if errno != 0 {
		if errno == unix.EAGAIN || errno == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, translateErrno("recvmsg", errno)
	}
	return int(n), nil
}
