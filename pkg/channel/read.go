package channel

import (
	"net/netip"

	"github.com/myriadlabs/udpchan/pkg/buffer"
	"github.com/myriadlabs/udpchan/pkg/pipeline"
	"github.com/myriadlabs/udpchan/pkg/rawfile"
)

// ReadPath is invoked on an EPOLLIN event. It asks the allocator for a
// buffer, picks one of three strategies based on connection state, GRO,
// and the platform's recvmmsg support, delivers packets to the pipeline,
// and loops until a read comes back empty or the allocator's
// continue-reading predicate says to stop.
func (c *Channel) ReadPath() {
	var captured error

	for {
		buf := c.alloc.Allocate()
		datagramSize := c.cfg.MaxDatagramPayloadSize
		numDatagram := 0
		if c.caps.RecvMMsg {
			if datagramSize == 0 {
				numDatagram = 1
			} else {
				numDatagram = buf.AvailableSize() / datagramSize
			}
		}

		var stop bool
		gro := c.cfg.EnableGRO && c.caps.GRO
		switch {
		case c.connected && !gro && numDatagram <= 1:
			stop, captured = c.readConnectedSingle(buf)
		case numDatagram <= 1:
			stop, captured = c.readUnconnectedOrGROSingle(buf)
		default:
			stop, captured = c.readScatteringBatch(buf, numDatagram, datagramSize)
		}

		if stop || captured != nil {
			break
		}
		if !c.alloc.ContinueReading(true) {
			break
		}
	}

	c.alloc.ReadComplete()
	c.pipeline.FireChannelReadComplete()
	if captured != nil {
		c.warnf("channel: read failed: %v", captured)
		c.pipeline.FireExceptionCaught(captured)
	}
}

// readConnectedSingle reads directly into buf via read(2), the cheapest
// path available when the channel has exactly one peer and GRO is not in
// play.
func (c *Channel) readConnectedSingle(buf *buffer.View) (stop bool, captured error) {
	tail := buf.WritableSlice()
	n, err := rawfile.Read(c.fd, tail)
	if err != nil {
		buf.Release()
		c.alloc.IncBytesRead(0)
		if rawfile.IsWouldBlock(err) {
			return true, nil
		}
		return true, translateIOErr(err, c.connected)
	}
	if n <= 0 {
		c.alloc.IncBytesRead(n)
		buf.Release()
		return true, nil
	}

	c.alloc.IncBytesRead(min(n, len(tail)))
	buf.Grow(n)

	local, _ := c.LocalAddr()
	c.pipeline.FireChannelRead(pipeline.Packet{Payload: buf, Sender: c.remoteAddr, Recipient: local})
	buf.Release()
	return false, nil
}

// readUnconnectedOrGROSingle issues one recvmsg into buf, since at most
// one datagram (or one GRO-coalesced superdatagram) fits the allocator's
// current buffer. The NativePacketArray yields the sender address and,
// when GRO fired, the coalesced segment size, which triggers fan-out.
func (c *Channel) readUnconnectedOrGROSingle(buf *buffer.View) (stop bool, captured error) {
	c.array.Reset()
	if !c.array.AddWritable(buf) {
		buf.Release()
		return true, nil
	}

	hdrs := c.array.mmsgHeaders()
	n, err := rawfile.RecvMsg(c.fd, &hdrs[0].Msg)
	if err != nil {
		buf.Release()
		c.alloc.IncBytesRead(0)
		if rawfile.IsWouldBlock(err) {
			return true, nil
		}
		return true, translateIOErr(err, c.connected)
	}
	if n <= 0 {
		c.alloc.IncBytesRead(-1)
		buf.Release()
		return true, nil
	}

	hdrs[0].Len = uint32(n)
	c.array.commitMMsgResult(hdrs[:1])
	buf.Grow(n)
	c.alloc.IncBytesRead(n)

	sender, _ := c.array.senderAt(0)
	local, _ := c.LocalAddr()
	segSize := c.array.segmentSizeAt(0)

	if segSize > 0 && segSize < buf.Size() {
		c.fanOutSegmented(buf, sender, local, segSize)
		return false, nil
	}

	c.pipeline.FireChannelRead(pipeline.Packet{Payload: buf, Sender: sender, Recipient: local})
	buf.Release()
	return false, nil
}

// readScatteringBatch reserves numDatagram contiguous datagramSize-sized
// regions of buf as separate recvmmsg slots, issues one recvmmsg, and
// retained-slices out one packet per received datagram before releasing
// buf itself.
func (c *Channel) readScatteringBatch(buf *buffer.View, numDatagram, datagramSize int) (stop bool, captured error) {
	c.array.Reset()

	// Each slot gets its own retained range sharing buf's chunk, pre-
	// positioned at a disjoint datagramSize window, so the kernel's
	// scatter writes land in non-overlapping regions of the one
	// underlying allocation.
	slotViews := make([]*buffer.View, 0, numDatagram)
	base := buf.Size()
	for i := 0; i < numDatagram; i++ {
		v := buf.CloneRange(base+i*datagramSize, datagramSize)
		if !c.array.AddWritable(v) {
			v.Release()
			break
		}
		slotViews = append(slotViews, v)
	}
	if len(slotViews) == 0 {
		buf.Release()
		return true, nil
	}

	hdrs := c.array.mmsgHeaders()
	n, err := rawfile.RecvMMsg(c.fd, hdrs)
	if err != nil {
		for _, v := range slotViews {
			v.Release()
		}
		buf.Release()
		c.alloc.IncBytesRead(0)
		if rawfile.IsWouldBlock(err) {
			return true, nil
		}
		return true, translateIOErr(err, c.connected)
	}
	if n <= 0 {
		for _, v := range slotViews {
			v.Release()
		}
		buf.Release()
		c.alloc.IncBytesRead(-1)
		return true, nil
	}

	c.array.commitMMsgResult(hdrs[:n])

	// Pull every slot's metadata out of the NativePacketArray before firing
	// a single pipeline callback. A handler invoked from FireChannelRead is
	// free to Submit/flush synchronously, which re-enters WritePath and
	// resets this same array for an outbound batch; reading senderAt/
	// segmentSizeAt/bytesAt for slot i+1 after slot i's callback has run
	// would then read back whatever the write path just staged there
	// instead of this read's own data.
	type received struct {
		view    *buffer.View
		sender  netip.AddrPort
		segSize int
	}
	local, _ := c.LocalAddr()
	drained := make([]received, n)
	total := 0
	for i := 0; i < n; i++ {
		got := c.array.bytesAt(i)
		total += got
		slotViews[i].Grow(got)
		sender, _ := c.array.senderAt(i)
		drained[i] = received{view: slotViews[i], sender: sender, segSize: c.array.segmentSizeAt(i)}
	}
	for i := n; i < len(slotViews); i++ {
		slotViews[i].Release()
	}
	c.alloc.IncBytesRead(total)
	buf.Release()

	for _, r := range drained {
		if r.segSize > 0 && r.segSize < r.view.Size() {
			c.fanOutSegmented(r.view, r.sender, local, r.segSize)
			continue
		}
		c.pipeline.FireChannelRead(pipeline.Packet{Payload: r.view, Sender: r.sender, Recipient: local})
		r.view.Release()
	}
	return false, nil
}

// fanOutSegmented splits a GRO-coalesced view into N ordinary packets of
// segSize bytes each, sharing sender and recipient, delivering each before
// returning. The caller's reference to coalesced is consumed.
func (c *Channel) fanOutSegmented(coalesced *buffer.View, sender, recipient netip.AddrPort, segSize int) {
	remaining := coalesced.Size()
	for remaining > 0 {
		n := segSize
		if n > remaining {
			n = remaining
		}
		slice := coalesced.Clone()
		slice.CapLength(n)
		c.pipeline.FireChannelRead(pipeline.Packet{Payload: slice, Sender: sender, Recipient: recipient})
		slice.Release()
		coalesced.TrimFront(n)
		remaining -= n
	}
	coalesced.Release()
}
