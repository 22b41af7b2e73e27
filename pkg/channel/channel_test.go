//go:build linux

package channel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/myriadlabs/udpchan/config"
	"github.com/myriadlabs/udpchan/pkg/buffer"
	"github.com/myriadlabs/udpchan/pkg/eventloop"
	"github.com/myriadlabs/udpchan/pkg/pipeline"
)

// oversizedPayload exceeds the largest UDP datagram IPv4 can carry, so any
// attempt to send it synchronously fails with EMSGSIZE regardless of the
// destination or network conditions. Scenario tests use it to force a
// deterministic per-message I/O error without relying on timing-sensitive
// ICMP delivery.
const oversizedPayloadSize = 70000

// recordingHandler collects every packet and error a pipeline delivers, for
// assertions made from the test goroutine after a short wait.
type recordingHandler struct {
	mu       sync.Mutex
	packets  []pipeline.Packet
	errs     []error
	complete int
}

// ChannelRead clones the packet's payload before storing it, since the
// channel releases its own reference to Payload as soon as ChannelRead
// returns.
func (h *recordingHandler) ChannelRead(pkt pipeline.Packet) {
	pkt.Payload = pkt.Payload.Clone()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, pkt)
}

func (h *recordingHandler) ChannelReadComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.complete++
}

func (h *recordingHandler) ExceptionCaught(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) snapshot() (n int, errs int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets), len(h.errs)
}

func newLoopbackChannel(t *testing.T, connect string) (*Channel, *recordingHandler, *eventloop.Loop) {
	t.Helper()
	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	cfg.Connect = connect
	h := &recordingHandler{}
	c, err := New(cfg, DefaultCapabilities(), pipeline.New(h))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	if err := c.Register(loop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	time.Sleep(10 * time.Millisecond)
	return c, h, loop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not satisfied within %s", timeout)
}

func TestUnconnectedSendAndReceive(t *testing.T) {
	recv, recvHandler, _ := newLoopbackChannel(t, "")
	send, _, _ := newLoopbackChannel(t, "")

	recvAddr, err := recv.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}

	payload := buffer.NewViewWithData([]byte("hello, unconnected"))
	var result WriteResult
	done := make(chan struct{})
	send.Submit(AddressedMessage{Payload: payload, Recipient: recvAddr}, func(r WriteResult) {
		result = r
		close(done)
	})
	<-done
	if result.Err != nil {
		t.Fatalf("send completion error: %v", result.Err)
	}

	waitFor(t, 2*time.Second, func() bool { n, _ := recvHandler.snapshot(); return n == 1 })
	recvHandler.mu.Lock()
	pkt := recvHandler.packets[0]
	recvHandler.mu.Unlock()
	if string(pkt.Payload.AsSlice()) != "hello, unconnected" {
		t.Fatalf("received payload = %q", pkt.Payload.AsSlice())
	}
}

func TestConnectedRoundTrip(t *testing.T) {
	a, aHandler, _ := newLoopbackChannel(t, "")
	b, bHandler, _ := newLoopbackChannel(t, "")

	aAddr, err := a.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr a: %v", err)
	}
	bAddr, err := b.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr b: %v", err)
	}
	if err := a.Connect(bAddr); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	if err := b.Connect(aAddr); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}

	payload := buffer.NewViewWithData([]byte("ping"))
	done := make(chan WriteResult, 1)
	a.Submit(BufferMessage{Payload: payload}, func(r WriteResult) { done <- r })
	res := <-done
	if res.Err != nil {
		t.Fatalf("send error: %v", res.Err)
	}

	waitFor(t, 2*time.Second, func() bool { n, _ := bHandler.snapshot(); return n == 1 })
	_ = aHandler
}

func TestBatchedSendDrainsInOrder(t *testing.T) {
	a, _, _ := newLoopbackChannel(t, "")
	b, bHandler, _ := newLoopbackChannel(t, "")

	bAddr, err := b.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	if err := a.Connect(bAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	const count = 5
	var wg sync.WaitGroup
	wg.Add(count)
	results := make([]WriteResult, count)
	// Queue the first count-1 messages without draining, so the final
	// Submit finds all of them queued and WritePath takes the batch path.
	for i := 0; i < count; i++ {
		i := i
		payload := buffer.NewViewWithData([]byte{byte('0' + i)})
		complete := func(r WriteResult) {
			results[i] = r
			wg.Done()
		}
		if i < count-1 {
			a.queue.push(queuedMessage{msg: BufferMessage{Payload: payload}, complete: complete})
			continue
		}
		a.Submit(BufferMessage{Payload: payload}, complete)
	}
	wg.Wait()
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("message %d failed: %v", i, r.Err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { n, _ := bHandler.snapshot(); return n == count })
	bHandler.mu.Lock()
	defer bHandler.mu.Unlock()
	for i, pkt := range bHandler.packets {
		if got := pkt.Payload.AsSlice(); len(got) != 1 || got[0] != byte('0'+i) {
			t.Fatalf("packet %d = %q, want single byte %q", i, got, string(rune('0'+i)))
		}
	}
}

func TestSubmitPanicsOnUnsupportedSegmented(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	caps := DefaultCapabilities()
	caps.Segmentation = false
	c, err := New(cfg, caps, pipeline.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	payload := buffer.NewViewWithData([]byte("x"))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Submit to panic on unsupported Segmented message")
		}
	}()
	c.Submit(SegmentedMessage{Payload: payload, SegmentSize: 10}, nil)
}

func TestCloseFailsQueuedMessages(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	c, err := New(cfg, DefaultCapabilities(), pipeline.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := buffer.NewViewWithData([]byte("queued"))
	var got WriteResult
	c.queue.push(queuedMessage{msg: BufferMessage{Payload: payload}, complete: func(r WriteResult) { got = r }})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got.Err == nil {
		t.Fatalf("expected queued message to complete with an error on Close")
	}
}

// TestBatchedSendPartialSendMMsgLeavesRestQueued covers a sendmmsg call
// that sends a prefix of the batch and then hits a message it cannot send:
// the kernel stops there and reports only the prefix as sent. The prefix
// completes immediately; the failing message and everything after it stay
// queued and get resolved on the next drain pass.
func TestBatchedSendPartialSendMMsgLeavesRestQueued(t *testing.T) {
	a, _, _ := newLoopbackChannel(t, "")
	b, bHandler, _ := newLoopbackChannel(t, "")

	bAddr, err := b.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	if err := a.Connect(bAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	const count = 3
	results := make([]WriteResult, count)
	var wg sync.WaitGroup
	wg.Add(count)

	small := func(b byte) *buffer.View { return buffer.NewViewWithData([]byte{b}) }
	// Queue A and B without draining so that Submit(C) drains all three
	// through one sendmmsg batch.
	a.queue.push(queuedMessage{msg: BufferMessage{Payload: small('A')}, complete: func(r WriteResult) { results[0] = r; wg.Done() }})
	a.queue.push(queuedMessage{msg: BufferMessage{Payload: buffer.NewViewSize(oversizedPayloadSize)}, complete: func(r WriteResult) { results[1] = r; wg.Done() }})
	a.Submit(BufferMessage{Payload: small('C')}, func(r WriteResult) { results[2] = r; wg.Done() })

	wg.Wait()

	if results[0].Err != nil {
		t.Fatalf("message A: unexpected error %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("message B: expected an oversized-payload error, got none")
	}
	if results[2].Err != nil {
		t.Fatalf("message C: unexpected error %v", results[2].Err)
	}

	waitFor(t, 2*time.Second, func() bool { n, _ := bHandler.snapshot(); return n == 2 })
	if !a.queue.empty() {
		t.Fatalf("outbound queue not drained after batch resolved")
	}
}

// TestSpinPathIsolatesPerMessageError covers the writeSpin strategy taking
// A succeeds, B fails with a genuine (non-would-block) I/O error, C
// succeeds: B's failure must not stop C from being sent, and the queue
// must end up empty with write interest cleared.
func TestSpinPathIsolatesPerMessageError(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	caps := DefaultCapabilities()
	caps.SendMMsg = false // force writeSpin for every message, never writeBatch
	h := &recordingHandler{}
	a, err := New(cfg, caps, pipeline.New(h))
	if err != nil {
		t.Fatalf("New a: %v", err)
	}

	recvCfg := config.Default()
	recvCfg.Bind = "127.0.0.1:0"
	recvHandler := &recordingHandler{}
	b, err := New(recvCfg, DefaultCapabilities(), pipeline.New(recvHandler))
	if err != nil {
		t.Fatalf("New b: %v", err)
	}

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	if err := a.Register(loop); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := b.Register(loop); err != nil {
		t.Fatalf("Register b: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	bAddr, err := b.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}

	results := make([]WriteResult, 3)
	var wg sync.WaitGroup
	wg.Add(3)
	small := func(c byte) *buffer.View { return buffer.NewViewWithData([]byte{c}) }

	a.Submit(AddressedMessage{Payload: small('A'), Recipient: bAddr}, func(r WriteResult) { results[0] = r; wg.Done() })
	a.Submit(AddressedMessage{Payload: buffer.NewViewSize(oversizedPayloadSize), Recipient: bAddr}, func(r WriteResult) { results[1] = r; wg.Done() })
	a.Submit(AddressedMessage{Payload: small('C'), Recipient: bAddr}, func(r WriteResult) { results[2] = r; wg.Done() })

	wg.Wait()

	if results[0].Err != nil {
		t.Fatalf("message A: unexpected error %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Fatalf("message B: expected an oversized-payload error, got none")
	}
	if results[2].Err != nil {
		t.Fatalf("message C: unexpected error %v", results[2].Err)
	}

	waitFor(t, 2*time.Second, func() bool { n, _ := recvHandler.snapshot(); return n == 2 })
	if !a.queue.empty() {
		t.Fatalf("outbound queue not drained after spin path resolved")
	}
}

// TestConnectedReadSurfacesPortUnreachableAfterSuccess covers a connected
// channel that first completes an ordinary read/ChannelReadComplete cycle,
// then, once its peer disappears, surfaces the kernel's later ECONNREFUSED
// as a PortUnreachableError delivered through ExceptionCaught.
func TestConnectedReadSurfacesPortUnreachableAfterSuccess(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	cfg.Connect = peerAddr.String()
	h := &recordingHandler{}
	c, err := New(cfg, DefaultCapabilities(), pipeline.New(h))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	if err := c.Register(loop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	done := make(chan WriteResult, 1)
	c.Submit(BufferMessage{Payload: buffer.NewViewWithData([]byte("first"))}, func(r WriteResult) { done <- r })
	if r := <-done; r.Err != nil {
		t.Fatalf("first send failed: %v", r.Err)
	}

	buf := make([]byte, 64)
	peerN, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer ReadFromUDP: %v", err)
	}
	local, _ := c.LocalAddr()
	if _, err := peer.WriteTo(buf[:peerN], &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(local.Port())}); err != nil {
		t.Fatalf("peer reply: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { n, _ := h.snapshot(); return n == 1 })

	peer.Close()

	done2 := make(chan WriteResult, 1)
	c.Submit(BufferMessage{Payload: buffer.NewViewWithData([]byte("second"))}, func(r WriteResult) { done2 <- r })
	<-done2

	waitFor(t, 2*time.Second, func() bool { _, errs := h.snapshot(); return errs >= 1 })

	h.mu.Lock()
	lastErr := h.errs[len(h.errs)-1]
	h.mu.Unlock()
	var unreachable *PortUnreachableError
	if !errors.As(lastErr, &unreachable) {
		t.Fatalf("expected *PortUnreachableError, got %v (%T)", lastErr, lastErr)
	}
}

// reentrantSubmitHandler simulates a handler that flushes synchronously
// from inside ChannelRead, the scenario that used to corrupt a scattering
// batch's not-yet-read slots: Submit re-enters WritePath, which resets the
// shared NativePacketArray for outbound staging while readScatteringBatch
// still has senderAt/segmentSizeAt/bytesAt calls left to make for later
// slots in the same batch.
type reentrantSubmitHandler struct {
	c        *Channel
	self     netip.AddrPort
	mu       sync.Mutex
	packets  []pipeline.Packet
	complete int
}

func (h *reentrantSubmitHandler) ChannelRead(pkt pipeline.Packet) {
	h.mu.Lock()
	h.packets = append(h.packets, pipeline.Packet{
		Payload:   buffer.NewViewWithData(pkt.Payload.ToSlice()),
		Sender:    pkt.Sender,
		Recipient: pkt.Recipient,
	})
	h.mu.Unlock()

	done := make(chan WriteResult, 1)
	h.c.Submit(SegmentedMessage{
		Payload:     buffer.NewViewWithData([]byte("flush")),
		SegmentSize: 1400,
		Recipient:   h.self,
	}, func(r WriteResult) { done <- r })
	<-done
}

func (h *reentrantSubmitHandler) ChannelReadComplete() {
	h.mu.Lock()
	h.complete++
	h.mu.Unlock()
}

func (h *reentrantSubmitHandler) ExceptionCaught(err error) {}

// TestScatteringBatchSurvivesReentrantWriteDuringDelivery drives a single
// recvmmsg batch of two datagrams from two distinct senders through
// readScatteringBatch, with a handler that submits (and therefore flushes)
// a SegmentedMessage synchronously from ChannelRead. Before fixing
// readScatteringBatch to drain every slot's metadata up front, the second
// packet's sender and byte count would read back whatever the reentrant
// write path had just staged into the same NativePacketArray slots.
func TestScatteringBatchSurvivesReentrantWriteDuringDelivery(t *testing.T) {
	cfg := config.Default()
	cfg.Bind = "127.0.0.1:0"
	cfg.MaxDatagramPayloadSize = 64
	cfg.MaxSegmentSize = 1400

	b, err := New(cfg, DefaultCapabilities(), pipeline.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	bAddr, err := b.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}

	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("eventloop.New: %v", err)
	}
	t.Cleanup(func() { loop.Close() })
	if err := b.Register(loop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// Deliberately never start loop.Run: this test drives ReadPath by
	// hand, single-threaded, so recvmmsg is guaranteed to observe both
	// datagrams already queued rather than racing a concurrent drain.

	h := &reentrantSubmitHandler{c: b, self: bAddr}
	b.pipeline = pipeline.New(h)

	sender1, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP sender1: %v", err)
	}
	t.Cleanup(func() { sender1.Close() })
	sender2, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP sender2: %v", err)
	}
	t.Cleanup(func() { sender2.Close() })

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: int(bAddr.Port())}
	if _, err := sender1.WriteTo([]byte("AAAA"), dst); err != nil {
		t.Fatalf("sender1 WriteTo: %v", err)
	}
	if _, err := sender2.WriteTo([]byte("BBBBBBBB"), dst); err != nil {
		t.Fatalf("sender2 WriteTo: %v", err)
	}
	// Give the kernel a moment to queue both datagrams before the single
	// recvmmsg call in ReadPath drains them together.
	time.Sleep(20 * time.Millisecond)

	b.ReadPath()

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(h.packets))
	}

	want1 := netip.MustParseAddrPort(sender1.LocalAddr().String())
	want2 := netip.MustParseAddrPort(sender2.LocalAddr().String())
	byAddr := map[netip.AddrPort]string{}
	for _, pkt := range h.packets {
		if !pkt.Sender.IsValid() {
			t.Fatalf("packet sender is zero, metadata was clobbered by the reentrant write")
		}
		byAddr[pkt.Sender] = string(pkt.Payload.AsSlice())
		pkt.Payload.Release()
	}
	if got, ok := byAddr[want1]; !ok || got != "AAAA" {
		t.Fatalf("sender1 packet = %q (present=%v), want %q", got, ok, "AAAA")
	}
	if got, ok := byAddr[want2]; !ok || got != "BBBBBBBB" {
		t.Fatalf("sender2 packet = %q (present=%v), want %q", got, ok, "BBBBBBBB")
	}
}

func TestFanOutSegmentedSplitsCoalescedView(t *testing.T) {
	h := &recordingHandler{}
	c := &Channel{pipeline: pipeline.New(h)}

	coalesced := buffer.NewDirectView(30)
	coalesced.Write([]byte("aaaaaaaaaabbbbbbbbbbcccccccccc"))

	sender := netip.MustParseAddrPort("127.0.0.1:1111")
	recipient := netip.MustParseAddrPort("127.0.0.1:2222")
	c.fanOutSegmented(coalesced, sender, recipient, 10)

	if len(h.packets) != 3 {
		t.Fatalf("got %d packets, want 3", len(h.packets))
	}
	want := []string{"aaaaaaaaaa", "bbbbbbbbbb", "cccccccccc"}
	for i, pkt := range h.packets {
		if got := string(pkt.Payload.AsSlice()); got != want[i] {
			t.Fatalf("packet %d = %q, want %q", i, got, want[i])
		}
		if pkt.Sender != sender || pkt.Recipient != recipient {
			t.Fatalf("packet %d addresses = %v/%v", i, pkt.Sender, pkt.Recipient)
		}
	}
}
