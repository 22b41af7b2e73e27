package channel

import (
	"errors"
	"fmt"

	"github.com/myriadlabs/udpchan/pkg/buffer"
)

// ErrUnsupportedMessage is the programming-error-class failure the
// OutboundFilter returns for a message shape it cannot normalize. Callers
// are expected to treat it the way the rest of the ecosystem treats a
// caller-side contract violation: fail fast, fix the caller, don't retry.
var ErrUnsupportedMessage = errors.New("channel: unsupported outbound message type")

// OutboundFilter normalizes a message bound for the write queue into the
// channel's canonical shape, copying its payload into a direct buffer
// first if necessary. It enforces the decision table, first match wins:
// reject Segmented when the platform lacks UDP_SEGMENT, when GSO is
// disabled, or when its segment size exceeds the configured cap;
// otherwise replace any non-direct payload with a direct copy,
// preserving the rest of the message's fields.
type OutboundFilter struct {
	// SupportsSegmentation reports whether the platform advertises
	// UDP_SEGMENT. Set once at channel construction from a capability
	// probe; never toggled per-message.
	SupportsSegmentation bool

	// MaxSegmentSize caps the SegmentSize a SegmentedMessage may request.
	// Zero disables GSO outright, rejecting every SegmentedMessage
	// regardless of SupportsSegmentation.
	MaxSegmentSize int
}

// Filter applies the decision table to msg, returning a message whose
// payload is guaranteed direct, or ErrUnsupportedMessage.
func (f OutboundFilter) Filter(msg OutboundMessage) (OutboundMessage, error) {
	switch m := msg.(type) {
	case SegmentedMessage:
		if !f.SupportsSegmentation {
			return nil, fmt.Errorf("%w: Segmented message on a platform without UDP_SEGMENT", ErrUnsupportedMessage)
		}
		if f.MaxSegmentSize <= 0 {
			return nil, fmt.Errorf("%w: Segmented message with GSO disabled (MaxSegmentSize <= 0)", ErrUnsupportedMessage)
		}
		if m.SegmentSize <= 0 {
			return nil, fmt.Errorf("%w: Segmented message with non-positive segment size %d", ErrUnsupportedMessage, m.SegmentSize)
		}
		if m.SegmentSize > f.MaxSegmentSize {
			return nil, fmt.Errorf("%w: Segmented message with segment size %d exceeding the configured max %d", ErrUnsupportedMessage, m.SegmentSize, f.MaxSegmentSize)
		}
		m.Payload = directCopy(m.Payload)
		return m, nil
	case AddressedMessage:
		m.Payload = directCopy(m.Payload)
		return m, nil
	case BufferMessage:
		m.Payload = directCopy(m.Payload)
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}
}

// directCopy returns v unchanged if it is already direct, otherwise
// allocates a direct view and copies v's readable bytes into it, releasing
// v. The caller's reference to v is consumed either way.
func directCopy(v *buffer.View) *buffer.View {
	if v.IsDirect() {
		return v
	}
	d := buffer.NewDirectView(v.Size())
	d.Write(v.AsSlice())
	v.Release()
	return d
}
