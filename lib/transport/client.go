package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Clouded-Sabre/utcp/lib"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

var ErrDisconnected = errors.New("transport: disconnected before the handshake completed")

// Client is one utcp connection to a server.
type Client struct {
	cfg  *Config
	log  lib.Logger
	sock *net.UDPConn
	peer *Peer

	connected    chan struct{}
	disconnected chan struct{}

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// hooks wraps the user handler to observe the handshake outcome.
type hooks struct {
	Handler
	c *Client

	connectOnce    sync.Once
	disconnectOnce sync.Once
}

func (h *hooks) OnConnect(p *Peer, reconnect bool) {
	h.connectOnce.Do(func() { close(h.c.connected) })
	h.Handler.OnConnect(p, reconnect)
}

func (h *hooks) OnDisconnect(p *Peer, reason lib.CloseReason) {
	h.disconnectOnce.Do(func() { close(h.c.disconnected) })
	h.Handler.OnDisconnect(p, reason)
}

func (h *hooks) OnDeliveryStatus(p *Peer, packetID int32, ack bool) {
	if dh, ok := h.Handler.(DeliveryHandler); ok {
		dh.OnDeliveryStatus(p, packetID, ack)
	}
}

// Dial connects to addr and waits for the handshake to finish.
func Dial(ctx context.Context, addr string, handler Handler, cfg *Config) (*Client, error) {
	cfg = cfg.fill()
	if handler == nil {
		handler = discard{}
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:          cfg,
		log:          cfg.Options.Logger,
		sock:         sock,
		connected:    make(chan struct{}),
		disconnected: make(chan struct{}),
		closeSignal:  make(chan struct{}),
	}
	if c.log == nil {
		c.log = lib.NopLogger
	}
	write := func(data []byte, _ *net.UDPAddr) error {
		_, err := sock.Write(data)
		return err
	}
	c.peer = newPeer(lib.RoleClient, raddr, cfg, &hooks{Handler: handler, c: c}, write)

	c.wg.Add(2)
	go c.readLoop()
	go c.tickLoop()

	if err := c.peer.run(c.peer.conn.Connect); err != nil {
		c.Close()
		return nil, err
	}
	select {
	case <-c.connected:
		return c, nil
	case <-c.disconnected:
		c.Close()
		return nil, ErrDisconnected
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func (c *Client) Peer() *Peer { return c.peer }

func (c *Client) LocalAddr() net.Addr { return c.sock.LocalAddr() }

func (c *Client) Send(chIndex uint16, reliable bool, data []byte) (lib.PacketIDRange, error) {
	return c.peer.Send(chIndex, reliable, data)
}

// Close closes the connection and the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeSignal)
		err = c.sock.Close()
		c.wg.Wait()
		c.peer.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			select {
			case <-c.closeSignal:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// ICMP unreachable surfaces here until the server is up
			c.log.Debugf("read: %v", err)
			continue
		}
		data := buf[:n]
		if c.cfg.Drop != nil && c.cfg.Drop(data, false) {
			continue
		}
		if err := c.peer.incoming(data); err != nil && !errors.Is(err, lib.ErrStalePacket) {
			c.log.Debugf("incoming: %v", err)
		}
	}
}

func (c *Client) tickLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeSignal:
			return
		case <-ticker.C:
		}
		if err := c.peer.update(); err != nil && errors.Is(err, lib.ErrClosed) {
			return
		}
	}
}

// discard is a Handler that ignores everything.
type discard struct{}

func (discard) OnConnect(*Peer, bool)               {}
func (discard) OnDisconnect(*Peer, lib.CloseReason) {}
func (discard) OnMessage(*Peer, *bunch.Bunch)       {}
