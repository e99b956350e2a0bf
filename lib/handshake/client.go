package handshake

import (
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
)

type State int

const (
	UnInitialized State = iota
	InitializedOnLocal
	Initialized
)

func (s State) String() string {
	switch s {
	case UnInitialized:
		return "uninitialized"
	case InitializedOnLocal:
		return "initialized-on-local"
	case Initialized:
		return "initialized"
	}
	return "unknown"
}

const (
	restartAcceptDelay  = 10 * time.Second
	restartPacketWindow = 1100 * time.Millisecond
	receiveQuietWindow  = time.Second
)

// Connected is returned by Client.Incoming when the ack arrives.
type Connected struct {
	Restarted bool
	// Sequences is false for a restarted handshake, which keeps the
	// sequences of the original connection.
	Sequences bool
	ServerSeq int32
	ClientSeq int32
}

// Client is the connecting side of the handshake.
type Client struct {
	magic Magic
	send  func(data []byte)

	state     State
	restarted bool

	sent              bool
	lastSend          time.Duration
	lastChallenge     time.Duration
	sawRestartPacket  bool
	lastRestartPacket time.Duration
	lastSecretID      uint8
	lastTimestamp     float64
	lastCookie        Cookie
	authorised        Cookie
}

func NewClient(m Magic, send func(data []byte)) *Client {
	if send == nil {
		send = func([]byte) {}
	}
	return &Client{magic: m, send: send}
}

func (c *Client) State() State                 { return c.state }
func (c *Client) Restarted() bool              { return c.restarted }
func (c *Client) AuthorisedCookie() Cookie     { return c.authorised }
func (c *Client) SetAuthorisedCookie(k Cookie) { c.authorised = k }

// Begin sends the hello.
func (c *Client) Begin(now time.Duration) error {
	pkt, err := EncodeHello(c.magic, c.restarted)
	if err != nil {
		return err
	}
	c.send(pkt)
	c.sent = true
	c.lastSend = now
	return nil
}

func (c *Client) sendResponse(secretID uint8, ts float64, k *Cookie, now time.Duration) error {
	pkt, err := EncodeResponse(c.magic, c.restarted, secretID, ts, k, &c.authorised)
	if err != nil {
		return err
	}
	c.send(pkt)
	c.sent = true
	c.lastSend = now
	c.lastSecretID = secretID
	c.lastTimestamp = ts
	c.lastCookie = *k
	return nil
}

// Incoming handles a handshake packet whose magic and handshake bit were
// already consumed. lastReceive is when the connection last received a
// regular packet. A non-nil Connected reports the handshake completed.
func (c *Client) Incoming(r *bitbuf.Reader, now, lastReceive time.Duration) (*Connected, error) {
	p, err := Parse(r, true)
	if err != nil {
		return nil, err
	}

	if c.state != Initialized {
		switch {
		case p.Restart:
			// already restarting
			return nil, nil
		case p.Timestamp > 0:
			c.lastChallenge = now
			if err := c.sendResponse(p.SecretID, p.Timestamp, &p.Cookie, now); err != nil {
				return nil, err
			}
			c.state = InitializedOnLocal
			return nil, nil
		case p.Timestamp < 0:
			res := &Connected{Restarted: c.restarted}
			if !c.restarted {
				res.Sequences = true
				res.ServerSeq, res.ClientSeq = p.Cookie.Sequences()
				c.authorised = p.Cookie
			}
			c.state = Initialized
			c.restarted = false
			return res, nil
		}
		return nil, nil
	}

	if !p.Restart {
		return nil, nil
	}
	// The server saw us on a different address and asks for a new handshake.
	if c.authorised.IsZero() {
		return nil, ErrNoAuthorisation
	}
	passedDelay, passedDualIP := false, false
	if !c.restarted {
		passedDelay = now-c.lastSend > restartAcceptDelay
		passedDualIP = !c.sawRestartPacket ||
			now-c.lastRestartPacket > restartPacketWindow ||
			now-lastReceive > receiveQuietWindow
	}
	c.sawRestartPacket = true
	c.lastRestartPacket = now
	if !c.restarted && passedDelay && passedDualIP {
		c.restarted = true
		c.state = UnInitialized
		return nil, c.Begin(now)
	}
	return nil, nil
}

// Tick resends the hello or the response once a second until the
// handshake completes. A challenge older than the minimum cookie lifetime
// starts over.
func (c *Client) Tick(now time.Duration) error {
	if c.state == Initialized || !c.sent || now-c.lastSend < config.HandshakeResendInterval {
		return nil
	}
	if now-c.lastChallenge > config.MinCookieLifetime {
		c.state = UnInitialized
	}
	switch {
	case c.state == UnInitialized:
		return c.Begin(now)
	case c.state == InitializedOnLocal && c.lastTimestamp != 0:
		k := c.lastCookie
		return c.sendResponse(c.lastSecretID, c.lastTimestamp, &k, now)
	}
	return nil
}
