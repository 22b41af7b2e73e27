// Package pipeline implements the ordered handler chain a channel delivers
// inbound packets and read-path errors through. It plays the role Netty's
// ChannelPipeline plays in the system this package's API is modeled after,
// reduced to the parts a single-socket datagram endpoint actually needs:
// no outbound interception, no dynamic add/remove at runtime.
package pipeline

import (
	"net/netip"

	"github.com/myriadlabs/udpchan/pkg/buffer"
)

// Packet is the unit a Handler receives from the read path: a view over
// the datagram's payload together with the addresses it arrived from and
// at. Recipient is the channel's own local address, included so a handler
// serving more than one bound address can tell them apart.
type Packet struct {
	Payload   *buffer.View
	Sender    netip.AddrPort
	Recipient netip.AddrPort
}

// Handler receives inbound packets and lifecycle notifications from a
// Pipeline. Implementations that retain Payload beyond the call must Clone
// it; the channel releases its own reference as soon as ChannelRead
// returns.
type Handler interface {
	// ChannelRead is called once per inbound packet, in arrival order.
	ChannelRead(pkt Packet)

	// ChannelReadComplete is called once after all packets from a single
	// read-path wakeup have been delivered via ChannelRead.
	ChannelReadComplete()

	// ExceptionCaught is called when the read path captures an error.
	// Write-path errors are reported through each message's completion
	// instead, and lifecycle failures are only logged.
	ExceptionCaught(err error)
}

// Pipeline is an ordered list of Handlers. A channel invokes every handler
// in order for each event; a Pipeline with no handlers silently drops
// everything, which is a valid (if useless) configuration.
type Pipeline struct {
	handlers []Handler
}

// New creates a Pipeline invoking handlers in the given order.
func New(handlers ...Handler) *Pipeline {
	p := &Pipeline{}
	p.handlers = append(p.handlers, handlers...)
	return p
}

// AddLast appends a handler to the end of the chain.
func (p *Pipeline) AddLast(h Handler) {
	p.handlers = append(p.handlers, h)
}

// FireChannelRead invokes ChannelRead on every handler in order.
func (p *Pipeline) FireChannelRead(pkt Packet) {
	for _, h := range p.handlers {
		h.ChannelRead(pkt)
	}
}

// FireChannelReadComplete invokes ChannelReadComplete on every handler in
// order, once per read-path wakeup.
func (p *Pipeline) FireChannelReadComplete() {
	for _, h := range p.handlers {
		h.ChannelReadComplete()
	}
}

// FireExceptionCaught invokes ExceptionCaught on every handler in order.
func (p *Pipeline) FireExceptionCaught(err error) {
	for _, h := range p.handlers {
		h.ExceptionCaught(err)
	}
}

// Len reports the number of handlers currently registered.
func (p *Pipeline) Len() int {
	return len(p.handlers)
}
