package lib

import (
	"errors"
	"fmt"
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/channel"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
	"github.com/Clouded-Sabre/utcp/lib/notify"
	"github.com/Clouded-Sabre/utcp/lib/seqnum"
)

// Role tells which end of the handshake a Conn plays.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// PacketIDRange is the span of packet ids a batch of bunches went out in.
// Both ends are -1 when nothing was sent.
type PacketIDRange struct {
	First int32
	Last  int32
}

var noPackets = PacketIDRange{First: -1, Last: -1}

// Conn is one peer connection. It is not safe for concurrent use; every
// method must be called from the goroutine that owns it.
type Conn struct {
	role   Role
	addr   string
	opts   *Options
	events Events
	log    Logger

	hs     *handshake.Client // client role only
	cookie handshake.Cookie  // authorised cookie, server role

	established bool
	closed      bool
	closeReason CloseReason

	notify   notify.Notify
	pool     *channel.Pool
	channels *channel.Set

	inPacketID     int32 // last accepted incoming packet
	outPacketID    int32 // packet currently being assembled
	outAckPacketID int32 // last outgoing packet known delivered
	lastNotified   int32 // last outgoing packet resolved either way

	sendBuf      []byte
	sendBits     int
	hasDirtyAcks bool

	lastSend    time.Duration
	lastReceive time.Duration

	// UserData is left alone by the connection.
	UserData interface{}
}

// NewConn creates a connection. A client starts its handshake with Connect;
// a server connection is handed to Listener.Accept.
func NewConn(role Role, addr string, events Events, opts *Options) *Conn {
	opts = opts.fill()
	if events == nil {
		events = NopEvents{}
	}
	pool := channel.NewPool(fmt.Sprintf("utcp-%s-%s", role, addr), opts.PoolSize)
	c := &Conn{
		role:     role,
		addr:     addr,
		opts:     opts,
		events:   events,
		log:      opts.Logger,
		pool:     pool,
		channels: channel.NewSet(pool),
		sendBuf:  make([]byte, config.MaxPacket+33),
	}
	if role == RoleClient {
		c.hs = handshake.NewClient(opts.Magic, c.rawSend)
	}
	return c
}

func (c *Conn) Role() Role               { return c.role }
func (c *Conn) Addr() string             { return c.addr }
func (c *Conn) IsClosed() bool           { return c.closed }
func (c *Conn) Established() bool        { return c.established }
func (c *Conn) CloseReason() CloseReason { return c.closeReason }

// ExpectPacketID is the id of the next in-order incoming packet.
func (c *Conn) ExpectPacketID() int32 { return c.inPacketID + 1 }

// OutPacketID is the id the next flushed packet will carry.
func (c *Conn) OutPacketID() int32 { return c.outPacketID }

// OutAckPacketID is the last outgoing packet the peer acked.
func (c *Conn) OutAckPacketID() int32 { return c.outAckPacketID }

// AuthorisedCookie is the cookie that identifies the connection across a
// restarted handshake.
func (c *Conn) AuthorisedCookie() handshake.Cookie {
	if c.hs != nil {
		return c.hs.AuthorisedCookie()
	}
	return c.cookie
}

// HandshakeState is the client handshake progress. Server connections are
// always initialized.
func (c *Conn) HandshakeState() handshake.State {
	if c.hs != nil {
		return c.hs.State()
	}
	return handshake.Initialized
}

func (c *Conn) now() time.Duration { return c.opts.Clock.Now() }

func (c *Conn) rawSend(data []byte) {
	if c.closed {
		return
	}
	c.opts.Metrics.packetOut(len(data))
	c.events.OnOutgoing(c, data)
}

// SequenceInit sets the initial packet ids. Reliable channel sequences
// start from the same values.
func (c *Conn) SequenceInit(in, out int32) {
	c.inPacketID = in - 1
	c.outPacketID = out
	c.outAckPacketID = out - 1
	c.lastNotified = c.outAckPacketID

	c.channels.Init(in&(config.MaxChannelSequence-1), out&(config.MaxChannelSequence-1))
	c.notify.Init(seqnum.Packet.Init(in-1), seqnum.Packet.Init(out))
}

// Connect sends the first hello of a client connection.
func (c *Conn) Connect() error {
	if c.role != RoleClient {
		return ErrNotClient
	}
	if c.closed {
		return ErrClosed
	}
	now := c.now()
	c.lastReceive = now
	c.log.Debugf("connecting to %s", c.addr)
	return c.hs.Begin(now)
}

// accept finishes a server connection from a verified handshake.
func (c *Conn) accept(acc *handshake.Accept) {
	c.addr = acc.Addr
	c.cookie = acc.Cookie
	if !acc.Restarted {
		c.SequenceInit(acc.ClientSeq, acc.ServerSeq)
		c.opts.Metrics.opened()
	}
	c.established = true
	c.lastReceive = c.now()
	c.log.Infof("accepted %s (restarted=%t)", c.addr, acc.Restarted)
	c.events.OnConnect(c, acc.Restarted)
}

// Update drives timers: handshake resends, the receive timeout, and the
// keepalive flush.
func (c *Conn) Update() error {
	if c.closed {
		return ErrClosed
	}
	now := c.now()
	if c.hs != nil && c.hs.State() != handshake.Initialized {
		if err := c.hs.Tick(now); err != nil {
			return err
		}
	}
	if c.lastReceive != 0 && now-c.lastReceive > c.opts.ConnectTimeout {
		return c.closeWith(ConnectionTimeout, &TimeoutError{
			msg: fmt.Sprintf("utcp: nothing received from %s for %s", c.addr, now-c.lastReceive),
		})
	}
	if c.established {
		return c.Flush()
	}
	return nil
}

// Close tears the connection down and reports reason once.
func (c *Conn) Close(reason CloseReason) {
	if c.closed {
		return
	}
	wasOpen := c.established
	c.closed = true
	c.closeReason = reason
	c.established = false
	c.opts.Metrics.reliable(-c.channels.NumOutRec())
	c.channels.Close()
	c.opts.Metrics.closed(reason, wasOpen)
	c.log.Infof("%s connection %s closed: %s", c.role, c.addr, reason)
	c.events.OnDisconnect(c, reason)
}

func (c *Conn) closeWith(reason CloseReason, err error) error {
	c.Close(reason)
	return &CloseError{Reason: reason, Err: err}
}

// Incoming processes one datagram from the peer. Stale packets return
// ErrStalePacket; errors that close the connection are *CloseError.
func (c *Conn) Incoming(data []byte) error {
	if c.closed {
		return ErrClosed
	}
	r, err := bitbuf.NewReader(data)
	if err != nil {
		if errors.Is(err, bitbuf.ErrZeroSize) {
			return c.closeWith(ZeroSize, err)
		}
		return c.closeWith(ZeroLastByte, err)
	}
	if err := c.opts.Magic.Read(r); err != nil {
		return err
	}
	isHandshake, err := r.ReadBit()
	if err != nil {
		return handshake.ErrMalformed
	}
	if isHandshake {
		return c.incomingHandshake(r)
	}
	if !c.established {
		return ErrNotConnected
	}
	if r.Left() == 0 {
		return nil
	}
	// drop the connection level terminator
	r.Truncate(1)
	c.opts.Metrics.packetIn(len(data))
	return c.receivedPacket(r)
}

// incomingHandshake feeds a handshake packet to the client state machine.
// A server connection answers every replayed response with its ack again;
// replays are not deduplicated here, the transport drops repeats by address.
func (c *Conn) incomingHandshake(r *bitbuf.Reader) error {
	if c.hs == nil {
		// The client missed our ack and keeps answering the challenge.
		if _, err := handshake.Parse(r, false); err != nil {
			return err
		}
		pkt, err := handshake.EncodeAck(c.opts.Magic, &c.cookie)
		if err != nil {
			return err
		}
		c.rawSend(pkt)
		return nil
	}

	now := c.now()
	res, err := c.hs.Incoming(r, now, c.lastReceive)
	if err != nil || res == nil {
		return err
	}
	if res.Sequences {
		c.SequenceInit(res.ServerSeq, res.ClientSeq)
	}
	if !c.established {
		c.opts.Metrics.opened()
	}
	c.established = true
	c.lastReceive = now
	c.log.Infof("connected to %s (restarted=%t)", c.addr, res.Restarted)
	c.events.OnConnect(c, res.Restarted)
	return nil
}

// PeekPacketID returns the id data would be accepted as, 0 for a handshake
// packet and -1 for anything that would not be accepted.
func (c *Conn) PeekPacketID(data []byte) int32 {
	r, err := bitbuf.NewReader(data)
	if err != nil {
		return -1
	}
	if err := c.opts.Magic.Read(r); err != nil {
		return -1
	}
	isHandshake, err := r.ReadBit()
	if err != nil {
		return -1
	}
	if isHandshake {
		return 0
	}
	h, err := notify.ReadHeader(r)
	if err != nil {
		return -1
	}
	delta := c.notify.SequenceDelta(h)
	if delta <= 0 {
		return -1
	}
	return c.inPacketID + delta
}

// SendWouldBlock reports whether n more reliable bunches would overflow
// the reliable buffer.
func (c *Conn) SendWouldBlock(n int) bool {
	return c.channels.NumOutRec()+n >= config.ReliableBuffer
}

// SendBunch queues one bunch and returns the packet id it goes out in.
func (c *Conn) SendBunch(b *bunch.Bunch) (int32, error) {
	r, err := c.SendBunches([]*bunch.Bunch{b})
	return r.First, err
}

// SendBunches queues a single bunch or a complete partial run.
func (c *Conn) SendBunches(bs []*bunch.Bunch) (PacketIDRange, error) {
	chs, err := c.checkCanSend(bs)
	if err != nil {
		return noPackets, err
	}
	r := noPackets
	for i, b := range bs {
		id, err := c.sendRawBunch(chs[i], b)
		if err != nil {
			return r, err
		}
		if i == 0 {
			r.First = id
		}
		r.Last = id
	}
	return r, nil
}

func validRun(bs []*bunch.Bunch) bool {
	if len(bs) == 1 {
		return !bs[0].Partial
	}
	for i, b := range bs {
		if !b.Partial {
			return false
		}
		switch i {
		case 0:
			if !b.PartialInitial {
				return false
			}
		case len(bs) - 1:
			if !b.PartialFinal {
				return false
			}
		default:
			if b.PartialInitial || b.PartialFinal {
				return false
			}
		}
	}
	return true
}

func (c *Conn) checkCanSend(bs []*bunch.Bunch) ([]*channel.Channel, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if !c.established {
		return nil, ErrNotConnected
	}
	if len(bs) == 0 {
		return nil, ErrNoBunches
	}
	reliable := 0
	for _, b := range bs {
		if b.DataBits > bunch.MaxSingleBunchBits {
			return nil, ErrBunchTooLarge
		}
		if b.Reliable {
			reliable++
		}
	}
	if !validRun(bs) {
		return nil, ErrInvalidRun
	}
	if reliable > 0 && c.SendWouldBlock(reliable) {
		return nil, c.closeWith(ReliableBufferOverflow, nil)
	}
	chs := make([]*channel.Channel, len(bs))
	for i, b := range bs {
		ch, err := c.channels.ForSend(b)
		if err != nil {
			return nil, err
		}
		chs[i] = ch
	}
	return chs, nil
}
