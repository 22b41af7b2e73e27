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
	"unsafe"

	"golang.org/x/sys/unix"
)

// SegmentSizeCmsg builds a SOL_UDP/UDP_SEGMENT control message requesting
// the kernel split a single large write into datagrams of segSize bytes
// each (GSO). segSize must fit in a uint16.
func SegmentSizeCmsg(segSize int) []byte {
	b := make([]byte, unix.CmsgSpace(2))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = unix.SOL_UDP
	h.Type = unix.UDP_SEGMENT
	h.SetLen(unix.CmsgLen(2))
	binary.LittleEndian.PutUint16(b[unix.CmsgLen(0):], uint16(segSize))
	return b
}

// ParseGROSegmentSize scans a control message buffer produced by recvmsg(2)
// for a SOL_UDP/UDP_GRO message and returns the kernel-reported segment
// size of the coalesced datagram, or 0 if none is present.
func ParseGROSegmentSize(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_UDP && m.Header.Type == unix.UDP_GRO && len(m.Data) >= 2 {
			return int(binary.LittleEndian.Uint16(m.Data))
		}
	}
	return 0
}
