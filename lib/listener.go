package lib

import (
	"errors"
	"fmt"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
)

// Listener answers connectionless handshake traffic on the server side.
// It keeps no per-client state until a client echoes a valid cookie.
type Listener struct {
	opts   *Options
	events ListenerEvents
	log    Logger
	hs     *handshake.Server
}

func NewListener(events ListenerEvents, opts *Options) *Listener {
	opts = opts.fill()
	l := &Listener{
		opts:   opts,
		events: events,
		log:    opts.Logger,
	}
	l.hs = handshake.NewServer(handshake.ServerOptions{
		Magic:       opts.Magic,
		DebugCookie: opts.DebugCookie,
		Rand:        opts.Rand,
		Send: func(addr string, data []byte) {
			l.events.OnOutgoing(l, addr, data)
		},
	})
	return l
}

// Update rotates the handshake secret when due.
func (l *Listener) Update() error {
	return l.hs.Tick(l.opts.Clock.Now())
}

// ActiveSecret is the index of the secret new challenges are signed with.
func (l *Listener) ActiveSecret() uint8 { return l.hs.ActiveSecret() }

func handshakeResult(acc *handshake.Accept, err error) string {
	switch {
	case errors.Is(err, handshake.ErrBadCookie):
		return "bad_cookie"
	case errors.Is(err, handshake.ErrNotHandshake):
		return "restart_request"
	case errors.Is(err, handshake.ErrMagicMismatch):
		return "magic_mismatch"
	case err != nil:
		return "malformed"
	case acc == nil:
		return "challenge"
	case acc.Restarted:
		return "restarted"
	}
	return "accepted"
}

// Incoming handles one datagram from an address with no connection.
func (l *Listener) Incoming(addr string, data []byte) error {
	if len(addr) > config.MaxAddressLen {
		return ErrListenerAddress
	}
	acc, err := l.hs.Incoming(addr, data, l.opts.Clock.Now())
	l.opts.Metrics.handshake(handshakeResult(acc, err))
	if err != nil {
		l.log.Debugf("handshake from %s: %v", addr, err)
		return err
	}
	if acc != nil {
		l.events.OnAccept(l, acc)
	}
	return nil
}

// Accept binds a server connection to a verified handshake. For a
// restarted handshake conn keeps its sequences and only moves to the new
// address.
func (l *Listener) Accept(c *Conn, acc *handshake.Accept) error {
	if c.role != RoleServer {
		return fmt.Errorf("utcp: accept on a %s connection", c.role)
	}
	if c.closed {
		return ErrClosed
	}
	c.accept(acc)
	return nil
}

// RestartMatches reports whether a restarted handshake belongs to c.
func (l *Listener) RestartMatches(c *Conn, acc *handshake.Accept) bool {
	return acc.Restarted && c.AuthorisedCookie() == acc.Cookie
}
