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

package buffer

import "sync/atomic"

// chunk is the backing allocation shared by one or more Views via Clone.
// direct only records that the chunk was created by newDirectChunk; growing
// a View copies a direct chunk into a new allocation just as it does any
// other chunk, so a pointer into data handed to a syscall stays valid only
// while the View is not grown.
type chunk struct {
	data     []byte
	refCount atomic.Int32
	direct   bool
}

func newChunk(size int) *chunk {
	c := &chunk{data: make([]byte, size)}
	c.refCount.Store(1)
	return c
}

func newDirectChunk(size int) *chunk {
	c := newChunk(size)
	c.direct = true
	return c
}

// Clone returns a new chunk with a fresh backing array, a copy-on-write
// split of c. It does not affect c's reference count.
func (c *chunk) Clone() *chunk {
	n := &chunk{data: make([]byte, len(c.data)), direct: c.direct}
	copy(n.data, c.data)
	n.refCount.Store(1)
	return n
}

func (c *chunk) IncRef() {
	c.refCount.Add(1)
}

func (c *chunk) DecRef() {
	if c.refCount.Add(-1) == 0 {
		c.data = nil
	}
}
