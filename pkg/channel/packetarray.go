// Package channel implements the single-socket, epoll-driven UDP datagram
// endpoint: lifecycle, outbound filtering and batched write path, and the
// allocator-guided, GRO-aware read path. The event loop, buffer pool,
// pipeline, and allocator handle it depends on are all external
// collaborators defined in their own packages.
package channel

import (
	"net/netip"

	"github.com/myriadlabs/udpchan/pkg/buffer"
	"github.com/myriadlabs/udpchan/pkg/rawfile"
	"golang.org/x/sys/unix"
)

// cmsgScratchSize is large enough for exactly one SOL_UDP/UDP_SEGMENT or
// UDP_GRO control message (unix.CmsgSpace(2) rounded up); a slot only ever
// carries one or the other, never both.
const cmsgScratchSize = 32

// packetSlot is one sendmmsg/recvmmsg element: the raw iovec/msghdr/name
// triple the kernel reads from or writes into, plus the Go-side state
// needed to turn the slot back into a write completion or a
// pipeline.Packet once the syscall returns.
type packetSlot struct {
	iov  unix.Iovec
	name [rawfile.SockaddrSize]byte
	cmsg [cmsgScratchSize]byte
	hdr  rawfile.MMsgHdr

	// payload is the view this slot's iovec points into. Cleared by
	// Reset; never read after the batch that populated it completes.
	payload *buffer.View

	// write is set on the write path to the queued message this slot is
	// draining, nil on the read path.
	write *queuedMessage

	// segmentSize is the UDP_SEGMENT size this slot's cmsg requests on
	// the write path, or the UDP_GRO size the kernel reported on the
	// read path after the syscall returns.
	segmentSize int
}

// NativePacketArray is a reusable staging area for up to capacity (iovec,
// msghdr, name) tuples. Each Channel allocates its own array in New and
// reuses it for every write or read batch it issues; arrays are not shared
// between channels registered on the same Loop. Reset must be called
// before each use.
type NativePacketArray struct {
	slots []packetSlot
	n     int
}

// NewNativePacketArray creates an array with room for capacity slots.
func NewNativePacketArray(capacity int) *NativePacketArray {
	return &NativePacketArray{slots: make([]packetSlot, capacity)}
}

// Reset empties all slots without shrinking the underlying allocation.
func (a *NativePacketArray) Reset() {
	for i := 0; i < a.n; i++ {
		a.slots[i].payload = nil
		a.slots[i].write = nil
		a.slots[i].segmentSize = 0
	}
	a.n = 0
}

// Count returns the number of slots currently staged.
func (a *NativePacketArray) Count() int { return a.n }

// Capacity returns the maximum number of slots the array can stage.
func (a *NativePacketArray) Capacity() int { return len(a.slots) }

// AddWritable stages view's writable tail as a receive target for the next
// recvmmsg/recvmsg call. Returns false once the array is at capacity.
func (a *NativePacketArray) AddWritable(view *buffer.View) bool {
	if a.n >= len(a.slots) {
		return false
	}
	s := &a.slots[a.n]
	s.payload = view
	s.segmentSize = 0
	tail := view.WritableSlice()
	if len(tail) == 0 {
		return false
	}
	s.iov = unix.Iovec{Base: &tail[0], Len: uint64(len(tail))}
	s.hdr.Msg = unix.Msghdr{
		Name:       &s.name[0],
		Namelen:    uint32(len(s.name)),
		Iov:        &s.iov,
		Iovlen:     1,
		Control:    &s.cmsg[0],
		Controllen: uint64(len(s.cmsg)),
	}
	a.n++
	return true
}

// addOutbound stages a single queued outbound message, encoding its
// recipient address (omitted when connected, per the wire contract of a
// connected UDP socket) and its UDP_SEGMENT control message if it is a
// SegmentedMessage.
func (a *NativePacketArray) addOutbound(qm *queuedMessage, connected bool) bool {
	if a.n >= len(a.slots) {
		return false
	}
	s := &a.slots[a.n]
	s.write = qm
	s.segmentSize = 0

	var payload *buffer.View
	var recipient netip.AddrPort
	var hasRecipient bool

	switch m := qm.msg.(type) {
	case BufferMessage:
		payload = m.Payload
	case AddressedMessage:
		payload = m.Payload
		recipient = m.Recipient
		hasRecipient = recipient.IsValid()
	case SegmentedMessage:
		payload = m.Payload
		recipient = m.Recipient
		hasRecipient = recipient.IsValid()
		s.segmentSize = m.SegmentSize
	}
	s.payload = payload

	buf := payload.AsSlice()
	var base *byte
	if len(buf) > 0 {
		base = &buf[0]
	} else {
		// A zero-length datagram is legal UDP; give sendmmsg a valid,
		// merely empty, iovec rather than a nil base.
		base = &s.cmsg[0]
	}
	s.iov = unix.Iovec{Base: base, Len: uint64(len(buf))}

	s.hdr.Msg = unix.Msghdr{Iov: &s.iov, Iovlen: 1}
	if !connected && hasRecipient {
		n := rawfile.PutSockaddr(s.name[:], recipient)
		s.hdr.Msg.Name = &s.name[0]
		s.hdr.Msg.Namelen = uint32(n)
	}
	if s.segmentSize > 0 {
		cmsg := rawfile.SegmentSizeCmsg(s.segmentSize)
		copy(s.cmsg[:], cmsg)
		s.hdr.Msg.Control = &s.cmsg[0]
		s.hdr.Msg.Controllen = uint64(len(cmsg))
	}

	a.n++
	return true
}

// mmsgHeaders returns a fresh slice of MMsgHdr structures to pass to
// SendMMsg/RecvMMsg. The structs themselves are copies, but their
// Name/Iov/Control pointers still point into each slot's own storage, so
// the kernel's writes to those buffers land directly in the slots;
// commitMMsgResult copies the header fields the kernel updates in place
// (Len, Namelen, Controllen) back onto the slots afterward.
func (a *NativePacketArray) mmsgHeaders() []rawfile.MMsgHdr {
	hdrs := make([]rawfile.MMsgHdr, a.n)
	for i := 0; i < a.n; i++ {
		hdrs[i] = a.slots[i].hdr
	}
	return hdrs
}

// commitMMsgResult copies the kernel's per-message byte count and
// control-message/name updates back from hdrs (as produced by
// mmsgHeaders, mutated in place by SendMMsg/RecvMMsg) into the
// corresponding slots.
func (a *NativePacketArray) commitMMsgResult(hdrs []rawfile.MMsgHdr) {
	for i := range hdrs {
		a.slots[i].hdr.Len = hdrs[i].Len
		a.slots[i].hdr.Msg.Namelen = hdrs[i].Msg.Namelen
		a.slots[i].hdr.Msg.Controllen = hdrs[i].Msg.Controllen
		if hdrs[i].Msg.Controllen > 0 {
			a.slots[i].segmentSize = rawfile.ParseGROSegmentSize(a.slots[i].cmsg[:hdrs[i].Msg.Controllen])
		}
	}
}

// senderAt returns the sender address a read-path slot's msg_name was
// filled in with, valid only after a successful recvmsg/recvmmsg.
func (a *NativePacketArray) senderAt(i int) (netip.AddrPort, error) {
	s := &a.slots[i]
	if s.hdr.Msg.Namelen == 0 {
		return netip.AddrPort{}, nil
	}
	return rawfile.AddrPortFromSockaddr(s.name[:s.hdr.Msg.Namelen])
}

// bytesAt returns the byte count the kernel reported for slot i.
func (a *NativePacketArray) bytesAt(i int) int { return int(a.slots[i].hdr.Len) }

// segmentSizeAt returns the UDP_GRO segment size parsed for slot i, or 0.
func (a *NativePacketArray) segmentSizeAt(i int) int { return a.slots[i].segmentSize }

// payloadAt returns the view staged in slot i.
func (a *NativePacketArray) payloadAt(i int) *buffer.View { return a.slots[i].payload }

// writeAt returns the queued outbound message staged in slot i, or nil on
// the read path.
func (a *NativePacketArray) writeAt(i int) *queuedMessage { return a.slots[i].write }
