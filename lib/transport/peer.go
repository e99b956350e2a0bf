// Package transport runs utcp connections over UDP sockets. The protocol
// core is single threaded; every connection here is guarded by its own
// mutex and driven by a read goroutine and a tick goroutine.
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

// DropFunc decides whether a datagram is silently discarded. outgoing is
// false for received datagrams.
type DropFunc func(data []byte, outgoing bool) bool

// Handler receives connection events. Callbacks run without the connection
// lock held, so they may call back into the Peer.
type Handler interface {
	OnConnect(p *Peer, reconnect bool)
	OnDisconnect(p *Peer, reason lib.CloseReason)
	// OnMessage gets a complete message; it owns msg.Data.
	OnMessage(p *Peer, msg *bunch.Bunch)
}

// DeliveryHandler is implemented by handlers that want ack and loss
// reports for outgoing packets.
type DeliveryHandler interface {
	OnDeliveryStatus(p *Peer, packetID int32, ack bool)
}

type Config struct {
	Options      *lib.Options
	TickInterval time.Duration
	OrderCache   bool
	Drop         DropFunc
}

func DefaultConfig() *Config {
	return &Config{
		Options:      lib.DefaultOptions(),
		TickInterval: 10 * time.Millisecond,
		OrderCache:   true,
	}
}

// NewConfig builds a transport config from the file config.
func NewConfig(cfg *config.Config, metrics *lib.Metrics) (*Config, error) {
	opts, err := lib.NewOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.Metrics = metrics
	return &Config{
		Options:      opts,
		TickInterval: cfg.TickInterval,
		OrderCache:   cfg.OrderCache,
	}, nil
}

func (c *Config) fill() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.Options == nil {
		out.Options = lib.DefaultOptions()
	}
	if out.TickInterval <= 0 {
		out.TickInterval = 10 * time.Millisecond
	}
	return &out
}

// Peer is one utcp connection over a UDP socket.
type Peer struct {
	mu      sync.Mutex
	conn    *lib.Conn
	ordered *lib.OrderedConn
	buf     *lib.BufConn
	opened  map[uint16]bool

	raddr   *net.UDPAddr
	write   func(data []byte, raddr *net.UDPAddr) error
	drop    DropFunc
	handler Handler
	onClose func(p *Peer)

	pending    []func()
	sendFailed bool
}

func newPeer(role lib.Role, raddr *net.UDPAddr, cfg *Config, handler Handler, write func([]byte, *net.UDPAddr) error) *Peer {
	p := &Peer{
		opened:  make(map[uint16]bool),
		raddr:   raddr,
		write:   write,
		drop:    cfg.Drop,
		handler: handler,
	}
	p.conn = lib.NewConn(role, raddr.String(), peerEvents{p}, cfg.Options)
	p.buf = lib.NewBufConn(p.conn)
	if cfg.OrderCache {
		p.ordered = lib.NewOrderedConn(p.conn)
	}
	return p
}

// run executes fn under the lock, then delivers the events it produced.
func (p *Peer) run(fn func() error) error {
	p.mu.Lock()
	err := fn()
	if p.sendFailed && !p.conn.IsClosed() {
		p.conn.Close(lib.SocketSendFailure)
	}
	p.sendFailed = false
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, f := range pending {
		f()
	}
	return err
}

func (p *Peer) incoming(data []byte) error {
	return p.run(func() error {
		if p.ordered != nil {
			return p.ordered.Incoming(data)
		}
		return p.conn.Incoming(data)
	})
}

func (p *Peer) update() error {
	return p.run(func() error {
		if p.ordered != nil {
			if err := p.ordered.FlushIncomingCache(); err != nil && p.conn.IsClosed() {
				return err
			}
		}
		return p.buf.Update()
	})
}

func (p *Peer) setAddr(raddr *net.UDPAddr) {
	p.mu.Lock()
	p.raddr = raddr
	p.mu.Unlock()
}

func (p *Peer) restartMatches(l *lib.Listener, acc *handshake.Accept) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return l.RestartMatches(p.conn, acc)
}

// RemoteAddr is where the peer's datagrams are sent.
func (p *Peer) RemoteAddr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raddr
}

func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.IsClosed()
}

// Send sends a message on a channel, opening it with the first message.
// Reliable messages that do not fit the reliable buffer are queued.
func (p *Peer) Send(chIndex uint16, reliable bool, data []byte) (lib.PacketIDRange, error) {
	var r lib.PacketIDRange
	err := p.run(func() error {
		tmpl := &bunch.Bunch{
			ChIndex:  chIndex,
			Reliable: reliable,
			Open:     !p.opened[chIndex],
		}
		var err error
		r, err = p.buf.SendLarge(tmpl, data, len(data)*8)
		if err == nil && r.First != -1 {
			p.opened[chIndex] = true
		}
		return err
	})
	return r, err
}

// Flush sends whatever is queued in the current packet.
func (p *Peer) Flush() error {
	return p.run(p.conn.Flush)
}

// Close closes the connection locally. The peer finds out by timeout.
func (p *Peer) Close() {
	p.run(func() error {
		p.conn.Close(lib.Cleanup)
		return nil
	})
}

// peerEvents adapts core callbacks. It runs under the peer lock, so
// handler calls are deferred until the lock is released.
type peerEvents struct {
	p *Peer
}

func (e peerEvents) OnConnect(_ *lib.Conn, reconnect bool) {
	e.p.pending = append(e.p.pending, func() { e.p.handler.OnConnect(e.p, reconnect) })
}

func (e peerEvents) OnDisconnect(_ *lib.Conn, reason lib.CloseReason) {
	e.p.pending = append(e.p.pending, func() {
		e.p.handler.OnDisconnect(e.p, reason)
		if e.p.onClose != nil {
			e.p.onClose(e.p)
		}
	})
}

func (e peerEvents) OnOutgoing(_ *lib.Conn, data []byte) {
	if e.p.drop != nil && e.p.drop(data, true) {
		return
	}
	if err := e.p.write(data, e.p.raddr); err != nil {
		e.p.sendFailed = true
	}
}

func (e peerEvents) OnRecvBunch(_ *lib.Conn, bunches []*bunch.Bunch) {
	msg, err := lib.JoinBunches(bunches)
	if err != nil {
		return
	}
	e.p.pending = append(e.p.pending, func() { e.p.handler.OnMessage(e.p, msg) })
}

func (e peerEvents) OnDeliveryStatus(_ *lib.Conn, packetID int32, ack bool) {
	dh, ok := e.p.handler.(DeliveryHandler)
	if !ok {
		return
	}
	e.p.pending = append(e.p.pending, func() { dh.OnDeliveryStatus(e.p, packetID, ack) })
}
