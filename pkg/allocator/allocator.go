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

// Package allocator implements the read path's adaptive buffer sizing. A
// Handle starts at the smallest step of a fixed size table and grows toward
// the largest step as long as successive reads keep filling the buffer it
// handed out, shrinking back down once reads start coming in short.
package allocator

import "github.com/myriadlabs/udpchan/pkg/buffer"

// Steps is the growth table a Handle walks. Extended one step past
// fdbased's own BufConfig (32768) to cover the largest UDP_GRO-coalesced
// receive the channel expects to see in one recvmmsg slot.
var Steps = []int{128, 256, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// Handle is a per-registration allocator: one per connection the event loop
// owns, not shared across registrations.
type Handle struct {
	step        int
	lastBytes   int
	consecutive int
	reads       int
}

// NewHandle creates a Handle starting at the smallest step.
func NewHandle() *Handle {
	return &Handle{}
}

// Allocate returns a fresh direct view sized at the handle's current step.
func (h *Handle) Allocate() *buffer.View {
	return buffer.NewDirectView(Steps[h.step])
}

// IncBytesRead records how many bytes the most recent read actually filled,
// growing the step for next time if the buffer was filled to capacity and
// shrinking it if the read came in well short of half the buffer.
func (h *Handle) IncBytesRead(n int) {
	h.lastBytes = n
	if n > 0 {
		h.reads++
	}
	full := Steps[h.step]
	switch {
	case n >= full:
		h.consecutive++
		if h.consecutive >= 2 && h.step < len(Steps)-1 {
			h.step++
			h.consecutive = 0
		}
	case n < full/2:
		h.consecutive = 0
		if h.step > 0 {
			h.step--
		}
	default:
		h.consecutive = 0
	}
}

// LastBytesRead returns the byte count most recently passed to IncBytesRead.
func (h *Handle) LastBytesRead() int {
	return h.lastBytes
}

// ContinueReading decides whether the read path should issue another read
// in the same wakeup. always forces another pass regardless of how full the
// last read was; passing false instead asks the handle to stop once a read
// comes back short of the current step. ReadPath passes true for every
// read strategy and ends the loop itself when a read returns nothing.
func (h *Handle) ContinueReading(always bool) bool {
	if always {
		return true
	}
	return h.lastBytes >= Steps[h.step]
}

// Reset returns the handle to its smallest step, used when a channel is
// reconnected and its traffic shape can no longer be assumed to match its
// previous connection.
func (h *Handle) Reset() {
	h.step = 0
	h.lastBytes = 0
	h.consecutive = 0
	h.reads = 0
}

// ReadsThisCycle returns the number of non-empty reads IncBytesRead has
// recorded since the last ReadComplete.
func (h *Handle) ReadsThisCycle() int {
	return h.reads
}

// ReadComplete finalizes one ReadPath wakeup, called once after its read
// loop exits and before the pipeline's own channelReadComplete fires. It
// clears the per-wakeup read count; it deliberately leaves step and
// consecutive untouched, since the adaptive buffer-size guess is meant to
// persist across wakeups, only Reset (a reconnect) discards it.
func (h *Handle) ReadComplete() {
	h.reads = 0
}
