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
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Event mirrors the subset of EPOLLIN/EPOLLOUT/EPOLLERR/EPOLLHUP the event
// loop cares about. The event loop always ORs in unix.EPOLLET itself: every
// registration in this codebase is edge-triggered.
type Event = unix.EpollEvent

const (
	EventIn  = unix.EPOLLIN
	EventOut = unix.EPOLLOUT
	EventErr = unix.EPOLLERR
	EventHUP = unix.EPOLLHUP
	EventET  = unix.EPOLLET
)

// EpollCreate creates a new epoll instance.
func EpollCreate() (int, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("rawfile: epoll_create1: %w", err)
	}
	return fd, nil
}

// EpollAdd registers fd with epfd for the given event mask, which the caller
// must already have ORed with EventET.
func EpollAdd(epfd, fd int, mask uint32, userData uint64) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	ev.Pad = int32(userData >> 32)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("rawfile: epoll_ctl(ADD): %w", err)
	}
	return nil
}

// EpollModify changes the event mask for fd within epfd.
func EpollModify(epfd, fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("rawfile: epoll_ctl(MOD): %w", err)
	}
	return nil
}

// EpollDel removes fd from epfd.
func EpollDel(epfd, fd int) error {
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("rawfile: epoll_ctl(DEL): %w", err)
	}
	return nil
}

// EpollWait blocks until at least one event is ready, timeout elapses, or
// the wait is interrupted by a signal (in which case it retries, matching
// epoll_wait's EINTR contract). A negative timeout blocks indefinitely.
func EpollWait(epfd int, events []unix.EpollEvent, timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	for {
		n, err := unix.EpollWait(epfd, events, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("rawfile: epoll_wait: %w", err)
		}
		return n, nil
	}
}
