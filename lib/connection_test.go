package lib

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/channel"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

const testClientAddr = "10.0.0.2:40000"

var testMagic = handshake.Magic{Value: 0x2b, Bits: 6}

type delivery struct {
	id  int32
	ack bool
}

// recorder keeps copies of everything a Conn reports.
type recorder struct {
	out         [][]byte
	connects    []bool
	disconnects []CloseReason
	msgs        []*bunch.Bunch
	statuses    []delivery
}

func (r *recorder) OnConnect(_ *Conn, reconnect bool) { r.connects = append(r.connects, reconnect) }

func (r *recorder) OnDisconnect(_ *Conn, reason CloseReason) {
	r.disconnects = append(r.disconnects, reason)
}

func (r *recorder) OnOutgoing(_ *Conn, data []byte) {
	r.out = append(r.out, append([]byte(nil), data...))
}

func (r *recorder) OnRecvBunch(_ *Conn, bs []*bunch.Bunch) {
	msg, err := JoinBunches(bs)
	if err != nil {
		panic(err)
	}
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) OnDeliveryStatus(_ *Conn, id int32, ack bool) {
	r.statuses = append(r.statuses, delivery{id, ack})
}

func (r *recorder) take() [][]byte {
	out := r.out
	r.out = nil
	return out
}

// harness wires a client Conn to a Listener and the server Conn it accepts
// through in-memory datagram queues.
type harness struct {
	t        *testing.T
	clock    *ManualClock
	opts     *Options
	listener *Listener
	client   *Conn
	server   *Conn
	ordered  *OrderedConn
	clientEv *recorder
	serverEv *recorder
	toClient [][]byte // listener replies
}

func newHarness(t *testing.T, metrics *Metrics) *harness {
	clock := NewManualClock(time.Second)
	h := &harness{
		t:        t,
		clock:    clock,
		opts:     &Options{Magic: testMagic, Clock: clock, Metrics: metrics},
		clientEv: &recorder{},
		serverEv: &recorder{},
	}
	h.listener = NewListener(h, h.opts)
	h.client = NewConn(RoleClient, "server", h.clientEv, h.opts)
	return h
}

func (h *harness) OnAccept(l *Listener, acc *handshake.Accept) {
	if h.server != nil && !acc.Restarted {
		return
	}
	if h.server == nil {
		h.server = NewConn(RoleServer, acc.Addr, h.serverEv, h.opts)
	}
	if err := l.Accept(h.server, acc); err != nil {
		h.t.Fatalf("Accept failed: %v", err)
	}
}

func (h *harness) OnOutgoing(_ *Listener, addr string, data []byte) {
	if addr != testClientAddr {
		h.t.Errorf("For listener reply, expected address %s, but got %s", testClientAddr, addr)
	}
	h.toClient = append(h.toClient, append([]byte(nil), data...))
}

func (h *harness) fromServer() [][]byte {
	out := append(h.toClient, h.serverEv.take()...)
	h.toClient = nil
	return out
}

func (h *harness) toServer(data []byte) error {
	switch {
	case h.server == nil:
		return h.listener.Incoming(testClientAddr, data)
	case h.ordered != nil:
		return h.ordered.Incoming(data)
	}
	return h.server.Incoming(data)
}

// pump exchanges queued datagrams until both sides are quiet. drop, when
// set, discards client datagrams it returns true for.
func (h *harness) pump(drop func(data []byte) bool) {
	for i := 0; i < 16; i++ {
		fromClient, fromServer := h.clientEv.take(), h.fromServer()
		if len(fromClient) == 0 && len(fromServer) == 0 {
			return
		}
		for _, d := range fromClient {
			if drop != nil && drop(d) {
				continue
			}
			if err := h.toServer(d); err != nil && !errors.Is(err, ErrStalePacket) {
				h.t.Errorf("For client datagram, expected no error, but got %v", err)
			}
		}
		for _, d := range fromServer {
			if err := h.client.Incoming(d); err != nil && !errors.Is(err, ErrStalePacket) {
				h.t.Errorf("For server datagram, expected no error, but got %v", err)
			}
		}
	}
	h.t.Fatalf("datagrams still flowing after 16 rounds")
}

func (h *harness) connect() {
	if err := h.client.Connect(); err != nil {
		h.t.Fatalf("Connect failed: %v", err)
	}
	h.pump(nil)
	if !h.client.Established() || h.server == nil || !h.server.Established() {
		h.t.Fatalf("handshake did not complete")
	}
}

func payload(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i*7)
	}
	return data
}

func reliableBunch(ch uint16, open bool, data []byte) *bunch.Bunch {
	b := &bunch.Bunch{ChIndex: ch, Reliable: true, Open: open}
	b.SetData(data, len(data)*8)
	return b
}

func TestHandshake(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	if len(h.clientEv.connects) != 1 || h.clientEv.connects[0] {
		t.Errorf("For client, expected one fresh connect, but got %v", h.clientEv.connects)
	}
	if len(h.serverEv.connects) != 1 || h.serverEv.connects[0] {
		t.Errorf("For server, expected one fresh connect, but got %v", h.serverEv.connects)
	}
	if h.client.AuthorisedCookie() != h.server.AuthorisedCookie() {
		t.Errorf("For authorised cookie, expected both sides to agree, but got %x and %x",
			h.client.AuthorisedCookie(), h.server.AuthorisedCookie())
	}
	if h.client.ExpectPacketID() != h.server.OutPacketID() {
		t.Errorf("For client expect id, expected %d, but got %d", h.server.OutPacketID(), h.client.ExpectPacketID())
	}
	if h.server.ExpectPacketID() != h.client.OutPacketID() {
		t.Errorf("For server expect id, expected %d, but got %d", h.client.OutPacketID(), h.server.ExpectPacketID())
	}
	if h.client.HandshakeState() != handshake.Initialized {
		t.Errorf("For handshake state, expected %s, but got %s", handshake.Initialized, h.client.HandshakeState())
	}
}

func TestReplayedResponseResendsAck(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.client.Connect(); err != nil {
		t.Fatal(err)
	}
	var response []byte
	for i := 0; i < 16 && h.server == nil; i++ {
		fromClient, fromServer := h.clientEv.take(), h.fromServer()
		for _, d := range fromClient {
			response = d
			if err := h.toServer(d); err != nil {
				t.Fatal(err)
			}
		}
		for _, d := range fromServer {
			if err := h.client.Incoming(d); err != nil {
				t.Fatal(err)
			}
		}
	}
	h.pump(nil)

	// the client's last handshake datagram was its response
	if err := h.server.Incoming(response); err != nil {
		t.Fatalf("For replayed response, expected no error, but got %v", err)
	}
	replies := h.fromServer()
	if len(replies) != 1 {
		t.Fatalf("For replayed response, expected 1 ack, but got %d datagrams", len(replies))
	}
	if err := h.client.Incoming(replies[0]); err != nil {
		t.Errorf("For duplicate ack, expected no error, but got %v", err)
	}
	if len(h.clientEv.connects) != 1 || len(h.serverEv.connects) != 1 {
		t.Errorf("For duplicate ack, expected one connect per side, but got %d and %d",
			len(h.clientEv.connects), len(h.serverEv.connects))
	}
}

func TestRestartMatches(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	cookie := h.client.AuthorisedCookie()
	other := cookie
	other[0] ^= 0xff
	testCases := []struct {
		name     string
		acc      handshake.Accept
		expected bool
	}{
		{"restarted, same cookie", handshake.Accept{Restarted: true, Cookie: cookie}, true},
		{"restarted, other cookie", handshake.Accept{Restarted: true, Cookie: other}, false},
		{"fresh, same cookie", handshake.Accept{Cookie: cookie}, false},
	}
	for _, tc := range testCases {
		if got := h.listener.RestartMatches(h.server, &tc.acc); got != tc.expected {
			t.Errorf("For %s, expected %t, but got %t", tc.name, tc.expected, got)
		}
	}
}

func TestReliableRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	data := payload(100, 1)
	id, err := h.client.SendBunch(reliableBunch(0, true, data))
	if err != nil {
		t.Fatalf("SendBunch failed: %v", err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)
	if err := h.server.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)

	if len(h.serverEv.msgs) != 1 || !bytes.Equal(h.serverEv.msgs[0].Bytes(), data) {
		t.Fatalf("For reliable bunch, expected the payload once, but got %d messages", len(h.serverEv.msgs))
	}
	if h.serverEv.msgs[0].ChIndex != 0 || !h.serverEv.msgs[0].Reliable {
		t.Errorf("For reliable bunch, expected reliable on channel 0, but got %+v", h.serverEv.msgs[0])
	}
	if len(h.clientEv.statuses) != 1 || h.clientEv.statuses[0] != (delivery{id, true}) {
		t.Errorf("For delivery status, expected ack of %d, but got %v", id, h.clientEv.statuses)
	}
	if h.client.OutAckPacketID() != id {
		t.Errorf("For acked id, expected %d, but got %d", id, h.client.OutAckPacketID())
	}
	if n := h.client.channels.NumOutRec(); n != 0 {
		t.Errorf("For acked bunch, expected no outstanding records, but got %d", n)
	}
}

func TestLostPacketIsRetransmitted(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	data := payload(100, 3)
	first, err := h.client.SendBunch(reliableBunch(0, true, data))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	dropped := 0
	h.pump(func([]byte) bool {
		dropped++
		return true
	})
	if dropped != 1 {
		t.Fatalf("For first flush, expected 1 datagram, but got %d", dropped)
	}

	// a keepalive lets the server notice the gap
	h.clock.Advance(config.KeepAliveTime)
	if err := h.client.Update(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)
	if len(h.serverEv.msgs) != 0 {
		t.Fatalf("For dropped packet, expected nothing delivered, but got %d messages", len(h.serverEv.msgs))
	}
	if err := h.server.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)

	// the nak wrote the record into the packet being assembled
	resent := h.client.OutPacketID()
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)
	if err := h.server.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)

	if len(h.serverEv.msgs) != 1 || !bytes.Equal(h.serverEv.msgs[0].Bytes(), data) {
		t.Fatalf("For retransmitted bunch, expected the payload once, but got %d messages", len(h.serverEv.msgs))
	}
	expected := []delivery{{first, false}, {first + 1, true}, {resent, true}}
	if len(h.clientEv.statuses) != len(expected) {
		t.Fatalf("For delivery statuses, expected %v, but got %v", expected, h.clientEv.statuses)
	}
	for i, d := range expected {
		if h.clientEv.statuses[i] != d {
			t.Errorf("For status %d, expected %v, but got %v", i, d, h.clientEv.statuses[i])
		}
	}
	if resent != first+2 {
		t.Errorf("For resent id, expected %d, but got %d", first+2, resent)
	}
}

func TestStalePacket(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	if _, err := h.client.SendBunch(reliableBunch(0, true, payload(10, 0))); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	out := h.clientEv.take()
	if len(out) != 1 {
		t.Fatalf("expected 1 datagram, got %d", len(out))
	}
	if err := h.server.Incoming(out[0]); err != nil {
		t.Fatalf("For first copy, expected no error, but got %v", err)
	}
	if err := h.server.Incoming(out[0]); err != ErrStalePacket {
		t.Errorf("For second copy, expected %v, but got %v", ErrStalePacket, err)
	}
	if len(h.serverEv.msgs) != 1 {
		t.Errorf("For duplicate packet, expected 1 message, but got %d", len(h.serverEv.msgs))
	}
	if h.server.IsClosed() {
		t.Errorf("For stale packet, expected the connection to stay open")
	}
}

func TestIncomingCloses(t *testing.T) {
	testCases := []struct {
		name   string
		data   []byte
		reason CloseReason
	}{
		{"empty datagram", nil, ZeroSize},
		{"zero last byte", []byte{0x01, 0x00}, ZeroLastByte},
	}
	for _, tc := range testCases {
		h := newHarness(t, nil)
		h.connect()

		err := h.server.Incoming(tc.data)
		var ce *CloseError
		if !errors.As(err, &ce) || ce.Reason != tc.reason {
			t.Errorf("For %s, expected close with %s, but got %v", tc.name, tc.reason, err)
			continue
		}
		if !errors.Is(err, ErrClosed) {
			t.Errorf("For %s, expected the error to match ErrClosed", tc.name)
		}
		if !h.server.IsClosed() || h.server.CloseReason() != tc.reason {
			t.Errorf("For %s, expected closed with %s, but got closed=%t reason=%s",
				tc.name, tc.reason, h.server.IsClosed(), h.server.CloseReason())
		}
		if len(h.serverEv.disconnects) != 1 {
			t.Errorf("For %s, expected 1 disconnect, but got %d", tc.name, len(h.serverEv.disconnects))
		}
		if err := h.server.Incoming([]byte{0x01}); err != ErrClosed {
			t.Errorf("For %s, expected %v after close, but got %v", tc.name, ErrClosed, err)
		}
	}
}

func TestSendBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.client.SendBunch(reliableBunch(0, true, payload(4, 0))); err != ErrNotConnected {
		t.Errorf("For send before handshake, expected %v, but got %v", ErrNotConnected, err)
	}
	if h.client.IsClosed() {
		t.Errorf("For send before handshake, expected the connection to stay open")
	}
	if err := h.client.Flush(); err != ErrNotConnected {
		t.Errorf("For flush before handshake, expected %v, but got %v", ErrNotConnected, err)
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	partial := func(initial, final bool) *bunch.Bunch {
		b := reliableBunch(1, true, payload(4, 0))
		b.Partial, b.PartialInitial, b.PartialFinal = true, initial, final
		return b
	}
	huge := reliableBunch(1, true, payload(bunch.MaxSingleBunchBytes+1, 0))

	testCases := []struct {
		name     string
		bunches  []*bunch.Bunch
		expected error
	}{
		{"no bunches", nil, ErrNoBunches},
		{"oversized bunch", []*bunch.Bunch{huge}, ErrBunchTooLarge},
		{"lone partial", []*bunch.Bunch{partial(true, false)}, ErrInvalidRun},
		{"run without final", []*bunch.Bunch{partial(true, false), partial(false, false)}, ErrInvalidRun},
		{"unopened channel", []*bunch.Bunch{{ChIndex: 9}}, channel.ErrNoChannel},
	}
	for _, tc := range testCases {
		if _, err := h.client.SendBunches(tc.bunches); !errors.Is(err, tc.expected) {
			t.Errorf("For %s, expected %v, but got %v", tc.name, tc.expected, err)
		}
	}
	if h.client.IsClosed() {
		t.Errorf("For rejected sends, expected the connection to stay open")
	}
}

func TestClosingChannelRefusesSend(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	if _, err := h.client.SendBunch(reliableBunch(1, true, payload(4, 0))); err != nil {
		t.Fatal(err)
	}
	closing := reliableBunch(1, false, payload(4, 0))
	closing.Close = true
	if _, err := h.client.SendBunch(closing); err != nil {
		t.Fatal(err)
	}
	if _, err := h.client.SendBunch(reliableBunch(1, false, payload(4, 0))); !errors.Is(err, channel.ErrChannelClosing) {
		t.Errorf("For send on closing channel, expected %v, but got %v", channel.ErrChannelClosing, err)
	}
}

func TestReliableBufferOverflow(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	for i := 0; i < config.ReliableBuffer-1; i++ {
		if _, err := h.client.SendBunch(reliableBunch(0, i == 0, []byte{byte(i)})); err != nil {
			t.Fatalf("For bunch %d, expected no error, but got %v", i, err)
		}
	}
	if !h.client.SendWouldBlock(1) {
		t.Errorf("For full reliable buffer, expected SendWouldBlock")
	}
	_, err := h.client.SendBunch(reliableBunch(0, false, []byte{0xff}))
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Reason != ReliableBufferOverflow {
		t.Errorf("For overflowing send, expected close with %s, but got %v", ReliableBufferOverflow, err)
	}
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	steps := []struct {
		advance  time.Duration
		expected int
	}{
		{0, 1}, // nothing was ever flushed
		{0, 0},
		{config.KeepAliveTime / 2, 0},
		{config.KeepAliveTime / 2, 1},
	}
	for i, s := range steps {
		h.clock.Advance(s.advance)
		if err := h.client.Update(); err != nil {
			t.Fatal(err)
		}
		if got := len(h.clientEv.take()); got != s.expected {
			t.Errorf("For step %d, expected %d datagrams, but got %d", i, s.expected, got)
		}
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.clock.Advance(config.ConnectTimeout)
	if err := h.client.Update(); err != nil {
		t.Fatalf("For update at the timeout, expected no error, but got %v", err)
	}
	h.clock.Advance(time.Second)
	err := h.client.Update()
	var ce *CloseError
	if !errors.As(err, &ce) || ce.Reason != ConnectionTimeout {
		t.Fatalf("For silent peer, expected close with %s, but got %v", ConnectionTimeout, err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || !te.Timeout() {
		t.Errorf("For silent peer, expected a timeout error, but got %v", err)
	}
	if len(h.clientEv.disconnects) != 1 || h.clientEv.disconnects[0] != ConnectionTimeout {
		t.Errorf("For silent peer, expected one %s disconnect, but got %v", ConnectionTimeout, h.clientEv.disconnects)
	}
}

func TestLargeBunchRoundTrip(t *testing.T) {
	testCases := []struct {
		name     string
		size     int
		reliable bool
	}{
		{"reliable", 20000, true},
		{"unreliable", 20000, false},
		{"exact fragment multiple", 2 * bunch.MaxSingleBunchBytes, true},
	}
	for _, tc := range testCases {
		h := newHarness(t, nil)
		h.connect()

		data := payload(tc.size, 5)
		tmpl := &bunch.Bunch{ChIndex: 2, Reliable: tc.reliable, Open: true}
		r, err := h.client.SendLarge(tmpl, data, len(data)*8)
		if err != nil {
			t.Fatalf("For %s, expected no error, but got %v", tc.name, err)
		}
		if r.Last <= r.First {
			t.Errorf("For %s, expected a run over several packets, but got %+v", tc.name, r)
		}
		if err := h.client.Flush(); err != nil {
			t.Fatal(err)
		}
		h.pump(nil)

		if len(h.serverEv.msgs) != 1 {
			t.Errorf("For %s, expected 1 message, but got %d", tc.name, len(h.serverEv.msgs))
			continue
		}
		msg := h.serverEv.msgs[0]
		if msg.DataBits != len(data)*8 || !bytes.Equal(msg.Bytes(), data) {
			t.Errorf("For %s, expected the %d byte payload, but got %d bits", tc.name, len(data), msg.DataBits)
		}
		if msg.Partial || !msg.Open {
			t.Errorf("For %s, expected an opening whole message, but got %+v", tc.name, msg)
		}
	}
}

func TestUnreliableLargeBunchLostFragment(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	data := payload(20000, 9)
	tmpl := &bunch.Bunch{ChIndex: 2, Open: true}
	if _, err := h.client.SendLarge(tmpl, data, len(data)*8); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	n := 0
	h.pump(func([]byte) bool {
		n++
		return n == 5
	})
	if len(h.serverEv.msgs) != 0 {
		t.Errorf("For lost fragment, expected nothing delivered, but got %d messages", len(h.serverEv.msgs))
	}

	b := &bunch.Bunch{ChIndex: 2}
	b.SetData([]byte("after"), 40)
	if _, err := h.client.SendBunch(b); err != nil {
		t.Fatal(err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)
	if len(h.serverEv.msgs) != 1 || string(h.serverEv.msgs[0].Bytes()) != "after" {
		t.Errorf("For bunch after the lost run, expected it delivered, but got %d messages", len(h.serverEv.msgs))
	}
}

// twoPackets sends two reliable bunches in separate packets and returns
// the datagrams without delivering them.
func twoPackets(t *testing.T, h *harness) [][]byte {
	for i := 0; i < 2; i++ {
		if _, err := h.client.SendBunch(reliableBunch(0, i == 0, []byte{byte(i + 1)})); err != nil {
			t.Fatal(err)
		}
		if err := h.client.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	out := h.clientEv.take()
	if len(out) != 2 {
		t.Fatalf("expected 2 datagrams, got %d", len(out))
	}
	return out
}

func TestOrderedConnReorders(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.ordered = NewOrderedConn(h.server)

	out := twoPackets(t, h)
	if err := h.toServer(out[1]); err != nil {
		t.Fatal(err)
	}
	if h.ordered.Cached() != 1 || len(h.serverEv.msgs) != 0 {
		t.Fatalf("For early packet, expected it cached, but got cached=%d msgs=%d", h.ordered.Cached(), len(h.serverEv.msgs))
	}
	if err := h.toServer(out[0]); err != nil {
		t.Fatal(err)
	}
	if h.ordered.Cached() != 0 {
		t.Errorf("For filled gap, expected an empty cache, but got %d", h.ordered.Cached())
	}
	if len(h.serverEv.msgs) != 2 {
		t.Fatalf("For reordered packets, expected 2 messages, but got %d", len(h.serverEv.msgs))
	}
	for i, msg := range h.serverEv.msgs {
		if msg.Bytes()[0] != byte(i+1) {
			t.Errorf("For message %d, expected %d, but got %d", i, i+1, msg.Bytes()[0])
		}
	}
}

func TestOrderedConnFlush(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.ordered = NewOrderedConn(h.server)

	out := twoPackets(t, h)
	expect := h.server.ExpectPacketID()
	if err := h.toServer(out[1]); err != nil {
		t.Fatal(err)
	}
	if err := h.ordered.FlushIncomingCache(); err != nil {
		t.Fatalf("For forced flush, expected no error, but got %v", err)
	}
	if h.ordered.Cached() != 0 {
		t.Errorf("For forced flush, expected an empty cache, but got %d", h.ordered.Cached())
	}
	if got := h.server.ExpectPacketID(); got != expect+2 {
		t.Errorf("For forced flush, expected next id %d, but got %d", expect+2, got)
	}
	// the second bunch waits for the first, which is now stale
	if len(h.serverEv.msgs) != 0 {
		t.Errorf("For out of order bunch, expected nothing delivered, but got %d", len(h.serverEv.msgs))
	}
	if err := h.toServer(out[0]); err != ErrStalePacket {
		t.Errorf("For late packet, expected %v, but got %v", ErrStalePacket, err)
	}
}

func TestBufConnQueuesOnFullBuffer(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	bc := NewBufConn(h.client)

	for i := 0; i < config.ReliableBuffer-1; i++ {
		tmpl := &bunch.Bunch{ChIndex: 0, Reliable: true, Open: i == 0}
		r, err := bc.SendLarge(tmpl, []byte{byte(i)}, 8)
		if err != nil || r.First < 0 {
			t.Fatalf("For bunch %d, expected it sent, but got %+v, %v", i, r, err)
		}
	}

	testCases := []struct {
		reliable bool
		first    int32
		queued   int
	}{
		{true, -1, 1},
		{true, -2, 2},
		{false, -1, 2},
	}
	for i, tc := range testCases {
		tmpl := &bunch.Bunch{ChIndex: 0, Reliable: tc.reliable}
		r, err := bc.SendLarge(tmpl, []byte{0xee}, 8)
		if err != nil {
			t.Fatalf("For blocked send %d, expected no error, but got %v", i, err)
		}
		if r.First != tc.first || bc.Queued() != tc.queued {
			t.Errorf("For blocked send %d, expected id %d with %d queued, but got %d with %d",
				i, tc.first, tc.queued, r.First, bc.Queued())
		}
	}
	if h.client.IsClosed() {
		t.Fatalf("For blocked sends, expected the connection to stay open")
	}

	if err := h.client.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)
	if err := h.server.Flush(); err != nil {
		t.Fatal(err)
	}
	h.pump(nil)
	if err := bc.Update(); err != nil {
		t.Fatal(err)
	}
	if bc.Queued() != 0 {
		t.Errorf("For acked buffer, expected the queue drained, but got %d", bc.Queued())
	}
	h.pump(nil)
	if got := len(h.serverEv.msgs); got != config.ReliableBuffer+1 {
		t.Errorf("For all sends, expected %d messages, but got %d", config.ReliableBuffer+1, got)
	}
}
