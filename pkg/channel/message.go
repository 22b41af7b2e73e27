package channel

import (
	"net/netip"

	"github.com/myriadlabs/udpchan/pkg/buffer"
)

// OutboundMessage is the union of shapes the OutboundFilter accepts onto
// the write queue.
type OutboundMessage interface {
	isOutboundMessage()
}

// BufferMessage is a bare payload sent to the channel's connected peer. It
// is only valid on a connected channel.
type BufferMessage struct {
	Payload *buffer.View
}

func (BufferMessage) isOutboundMessage() {}

// AddressedMessage carries an explicit per-packet recipient. Recipient may
// be the zero netip.AddrPort only when the channel is connected, in which
// case the kernel's existing peer association is used instead.
type AddressedMessage struct {
	Payload   *buffer.View
	Recipient netip.AddrPort
}

func (AddressedMessage) isOutboundMessage() {}

// SegmentedMessage is a single large payload the kernel splits into
// SegmentSize-byte datagrams via UDP_SEGMENT. SegmentSize must be > 0.
type SegmentedMessage struct {
	Payload     *buffer.View
	SegmentSize int
	Recipient   netip.AddrPort
}

func (SegmentedMessage) isOutboundMessage() {}

// payloadOf returns the buffer carried by any OutboundMessage variant.
func payloadOf(m OutboundMessage) *buffer.View {
	switch v := m.(type) {
	case BufferMessage:
		return v.Payload
	case AddressedMessage:
		return v.Payload
	case SegmentedMessage:
		return v.Payload
	default:
		return nil
	}
}
