// Copyright 2022 The gVisor Authors.
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

// Package buffer implements a reference-counted, pooled byte view with a
// readable/writable cursor model. It plays the role of the byte-buffer
// subsystem the channel treats as an external collaborator: payloads are
// handles with explicit Clone/Release, and a "retained slice" (Clone) lets
// the read path fan out one kernel buffer into many delivered packets
// without copying.
package buffer

import (
	"fmt"
	"io"
	"sync"
)

var viewPool = sync.Pool{
	New: func() any { return &View{} },
}

// View is a window into a shared chunk. A View must be created with NewView,
// NewDirectView, NewViewWithData, or Clone. Owners are responsible for
// calling Release exactly once when done; Clone produces an independent
// owner over the same backing chunk.
type View struct {
	read  int
	write int
	// limit, when non-zero, caps how far write may advance, overriding
	// the chunk's own capacity. CloneRange sets this so a scattering read
	// can carve one chunk into several disjoint, independently owned
	// receive windows that cannot grow into each other.
	limit int
	// disjoint marks a view whose [read, limit) window, though it shares
	// a chunk with sibling views, never overlaps theirs. CloneRange sets
	// this; availableSlice skips its copy-on-write check for such a view
	// since writing into its own window cannot corrupt a sibling's.
	disjoint bool
	chunk    *chunk
}

// NewView creates a view with capacity at least cap and zero length.
func NewView(capacity int) *View {
	v := viewPool.Get().(*View)
	*v = View{chunk: newChunk(capacity)}
	return v
}

// NewViewSize creates a view with capacity and length both equal to size.
func NewViewSize(size int) *View {
	v := NewView(size)
	v.write = size
	return v
}

// NewDirectView creates a direct view: one backed by a chunk that is never
// silently reallocated mid-syscall. The OutboundFilter copies any payload
// that is not already direct into one of these before staging it into a
// NativePacketArray slot.
func NewDirectView(capacity int) *View {
	v := viewPool.Get().(*View)
	*v = View{chunk: newDirectChunk(capacity)}
	return v
}

// NewViewWithData creates a direct view initialized with a copy of data.
func NewViewWithData(data []byte) *View {
	v := NewDirectView(len(data))
	v.Write(data)
	return v
}

// Clone creates a retained slice: a new, independently owned View sharing
// v's backing chunk, with v's read/write cursors and write limit. The
// caller must own v to call Clone.
func (v *View) Clone() *View {
	if v == nil {
		panic("cannot clone a nil view")
	}
	v.chunk.IncRef()
	n := viewPool.Get().(*View)
	*n = View{chunk: v.chunk, read: v.read, write: v.write, limit: v.limit}
	return n
}

// CloneRange returns a new View sharing v's backing chunk, writable only
// within [offset, offset+length), with both cursors starting at offset.
// This generalizes Clone into the retained-slice primitive a scattering
// read uses to carve one receive buffer into several independently owned
// windows ahead of a single recvmmsg spanning all of them. Since callers
// carve disjoint, non-overlapping [offset, offset+length) ranges, the
// returned view is marked disjoint so writing into it never needs the
// copy-on-write guard that protects Clone's aliased views.
func (v *View) CloneRange(offset, length int) *View {
	if offset < 0 || length < 0 || offset+length > v.Capacity() {
		panic("buffer: CloneRange out of bounds")
	}
	v.chunk.IncRef()
	n := viewPool.Get().(*View)
	*n = View{chunk: v.chunk, read: offset, write: offset, limit: offset + length, disjoint: true}
	return n
}

// Release releases the chunk held by v and returns v to the pool. Release is
// a no-op on a nil view so callers can Release defensively.
func (v *View) Release() {
	if v == nil {
		return
	}
	v.chunk.DecRef()
	*v = View{}
	viewPool.Put(v)
}

// Reset sets the view's read and write indices back to zero without
// releasing the underlying chunk.
func (v *View) Reset() {
	v.read = 0
	v.write = 0
}

func (v *View) sharesChunk() bool {
	return !v.disjoint && v.chunk.refCount.Load() > 1
}

// IsDirect reports whether v's backing chunk is pinned outside the
// copy-on-grow path, i.e. safe to hand a raw pointer from for the duration
// of a syscall.
func (v *View) IsDirect() bool {
	return v != nil && v.chunk != nil && v.chunk.direct
}

// Capacity returns the total size of the view's chunk.
func (v *View) Capacity() int {
	if v == nil || v.chunk == nil {
		return 0
	}
	return len(v.chunk.data)
}

// Size returns the number of unread bytes in the view.
func (v *View) Size() int {
	if v == nil {
		return 0
	}
	return v.write - v.read
}

// AvailableSize returns the number of bytes available for writing.
func (v *View) AvailableSize() int {
	if v == nil {
		return 0
	}
	return v.effectiveLimit() - v.write
}

// effectiveLimit returns the write ceiling: limit if CloneRange set one,
// otherwise the chunk's full capacity.
func (v *View) effectiveLimit() int {
	if v.limit > 0 {
		return v.limit
	}
	return v.Capacity()
}

// TrimFront advances the read index by n.
func (v *View) TrimFront(n int) {
	if v.read+n > v.write {
		panic("cannot trim past the end of a view")
	}
	v.read += n
}

// CapLength caps the readable region to n bytes, starting from the current
// read index. A no-op if n exceeds the current size.
func (v *View) CapLength(n int) {
	if n < 0 {
		panic("n must be >= 0")
	}
	if n > v.Size() {
		return
	}
	v.write = v.read + n
}

// AsSlice returns a slice over the unread portion of the view. Callers must
// not retain the slice past the view's next mutation or Release.
func (v *View) AsSlice() []byte {
	if v.Size() == 0 {
		return nil
	}
	return v.chunk.data[v.read:v.write]
}

// ToSlice returns an owned copy of the unread portion of the view.
func (v *View) ToSlice() []byte {
	if v.Size() == 0 {
		return nil
	}
	s := make([]byte, v.Size())
	copy(s, v.AsSlice())
	return s
}

// WritableSlice returns the writable tail of the view's chunk, copying
// first if the chunk is shared via Clone. The recvmsg/recvmmsg paths write
// kernel data directly into this slice, then call Grow to advance the
// write cursor past the bytes the kernel reported.
func (v *View) WritableSlice() []byte {
	return v.availableSlice()
}

// availableSlice returns the writable tail of the chunk, copying first if
// the chunk is shared via Clone.
func (v *View) availableSlice() []byte {
	if v.sharesChunk() {
		old := v.chunk
		v.chunk = old.Clone()
		old.DecRef()
	}
	return v.chunk.data[v.write:v.effectiveLimit()]
}

// Write copies p into the view, growing its capacity if necessary.
//
// Implements io.Writer.
func (v *View) Write(p []byte) (int, error) {
	if v.AvailableSize() < len(p) {
		v.growCap(len(p) - v.AvailableSize())
	}
	n := copy(v.availableSlice(), p)
	v.write += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Grow increases the view's writable length by n, growing capacity if the
// new length exceeds it.
func (v *View) Grow(n int) {
	if v.write+n > v.Capacity() {
		v.growCap(n)
	}
	v.write += n
}

func (v *View) growCap(n int) {
	old := v.chunk
	direct := old.direct
	var nc *chunk
	if direct {
		nc = newDirectChunk(v.Capacity() + n)
	} else {
		nc = newChunk(v.Capacity() + n)
	}
	copy(nc.data, old.AsSlice(v.read, v.write))
	old.DecRef()
	v.chunk = nc
	used := v.write - v.read
	v.read = 0
	v.write = used
}

// AsSlice returns the chunk's backing bytes in [from, to), used internally
// by growCap before the view's own read/write indices are reset.
func (c *chunk) AsSlice(from, to int) []byte {
	return c.data[from:to]
}

func (v *View) String() string {
	return fmt.Sprintf("View{size=%d cap=%d direct=%v}", v.Size(), v.Capacity(), v.IsDirect())
}
