package channel

import "github.com/myriadlabs/udpchan/pkg/rawfile"

// WritePath drains the outbound queue: batched sendmmsg when profitable,
// per-message spin sends otherwise. Called by the event loop on EPOLLOUT,
// and synchronously by Submit after every message it adds to the queue.
func (c *Channel) WritePath() {
	budget := c.cfg.MaxMessagesPerWrite
	if budget <= 0 {
		budget = 1
	}
	for budget > 0 && !c.queue.empty() {
		if c.shouldBatch() {
			advanced, blocked := c.writeBatch(budget)
			budget -= advanced
			if blocked {
				break
			}
			continue
		}
		advanced, blocked := c.writeSpin()
		budget -= advanced
		if blocked {
			break
		}
	}
	if c.queue.empty() {
		c.reg.DisarmWrite()
	} else {
		c.reg.ArmWrite()
	}
}

// shouldBatch implements the heuristic from the front of the queue: batch
// via sendmmsg when the platform supports it and more than one message is
// queued, or unconditionally when the head message is Segmented (it needs
// sendmmsg to carry its GSO control message even alone).
func (c *Channel) shouldBatch() bool {
	if c.queue.empty() {
		return false
	}
	if isSegmented(c.queue.items[0].msg) {
		return true
	}
	return c.caps.SendMMsg && c.queue.size() > 1
}

// writeBatch stages up to maxCount queued messages into the
// NativePacketArray and issues one sendmmsg. It returns how many messages
// were removed from the queue and whether the write path should stop
// (socket not currently writable, or just encountered a blocking error).
func (c *Channel) writeBatch(maxCount int) (advanced int, blocked bool) {
	c.array.Reset()
	limit := min(maxCount, c.array.Capacity())
	items := c.queue.front(limit)
	for i := range items {
		if !c.array.addOutbound(&items[i], c.connected) {
			break
		}
	}
	count := c.array.Count()
	if count == 0 {
		return 0, true
	}

	hdrs := c.array.mmsgHeaders()
	sent, err := rawfile.SendMMsg(c.fd, hdrs)
	if err != nil {
		// sendmmsg(2) stops at the first message it cannot send; that
		// message's error does not poison the rest of the batch, which
		// stays queued to retry on the next pass.
		qm := c.array.writeAt(0)
		payloadOf(qm.msg).Release()
		c.queue.popFront(WriteResult{Err: translateIOErr(err, c.connected)})
		return 1, false
	}
	if sent == 0 {
		return 0, true
	}

	c.array.commitMMsgResult(hdrs[:sent])
	results := make([]WriteResult, sent)
	for i := 0; i < sent; i++ {
		payloadOf(c.array.writeAt(i).msg).Release()
		results[i] = WriteResult{N: c.array.bytesAt(i)}
	}
	c.queue.completeFront(results)
	return sent, false
}

// writeSpin attempts to send the queue's head message directly, retrying
// up to WriteSpinLimit times on a transient not-writable condition. A
// genuine I/O error fails only this message and reports blocked=false, so
// WritePath moves on to the next queued message instead of aborting the
// drain; blocked=true is reserved for giving up after WriteSpinLimit
// consecutive would-block results.
func (c *Channel) writeSpin() (advanced int, blocked bool) {
	qm := &c.queue.items[0]
	payload := payloadOf(qm.msg)
	buf := payload.AsSlice()

	if len(buf) == 0 {
		payload.Release()
		c.queue.popFront(WriteResult{N: 0})
		return 1, false
	}

	for i := 0; i < c.cfg.WriteSpinLimit; i++ {
		n, err := c.sendOnce(qm.msg, buf)
		if err != nil {
			if rawfile.IsWouldBlock(err) {
				continue
			}
			payload.Release()
			c.queue.popFront(WriteResult{Err: translateIOErr(err, c.connected)})
			return 1, false
		}
		if n > 0 {
			payload.Release()
			c.queue.popFront(WriteResult{N: n})
			return 1, false
		}
	}
	return 0, true
}

// sendOnce issues exactly one send syscall for msg's payload, routing
// through sendto when the message carries an explicit recipient on an
// unconnected channel and through write(2) otherwise.
func (c *Channel) sendOnce(msg OutboundMessage, buf []byte) (int, error) {
	if m, ok := msg.(AddressedMessage); ok && !c.connected && m.Recipient.IsValid() {
		return rawfile.SendTo(c.fd, buf, rawfile.SockaddrFromAddrPort(m.Recipient))
	}
	return rawfile.Write(c.fd, buf)
}

func isSegmented(m OutboundMessage) bool {
	_, ok := m.(SegmentedMessage)
	return ok
}
