package handshake

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
)

// SendFunc transmits one datagram to addr.
type SendFunc func(addr string, data []byte)

// Accept describes a client whose echoed cookie verified.
type Accept struct {
	Addr      string
	Restarted bool
	Cookie    Cookie // authorised cookie of the connection

	// Initial packet sequences, already masked to the packet sequence space.
	ServerSeq int32
	ClientSeq int32
}

type ServerOptions struct {
	Magic       Magic
	DebugCookie *Cookie
	Rand        io.Reader // secret source, crypto/rand when nil
	Send        SendFunc
}

// Server is the listener side of the handshake. It holds only the two
// rotating secrets and the result of the last successful challenge.
type Server struct {
	magic       Magic
	debugCookie *Cookie
	rand        io.Reader
	send        SendFunc

	secrets          [config.SecretCount]secret
	activeSecret     uint8
	seeded           bool
	lastSecretUpdate time.Duration

	// last successful challenge, cleared once consumed
	lastSuccessAddr string
	restarted       bool
	authorised      Cookie
	serverSeq       int32
	clientSeq       int32
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		magic:       opts.Magic,
		debugCookie: opts.DebugCookie,
		rand:        opts.Rand,
		send:        opts.Send,
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if s.send == nil {
		s.send = func(string, []byte) {}
	}
	return s
}

func (s *Server) ActiveSecret() uint8 { return s.activeSecret }

// UpdateSecret rotates the active secret. The first call fills both so the
// inactive one is never all zeros.
func (s *Server) UpdateSecret(now time.Duration) error {
	s.lastSecretUpdate = now
	if !s.seeded {
		if _, err := io.ReadFull(s.rand, s.secrets[1][:]); err != nil {
			return fmt.Errorf("handshake: seed secret: %w", err)
		}
		s.seeded = true
		s.activeSecret = 0
	} else {
		s.activeSecret ^= 1
	}
	if _, err := io.ReadFull(s.rand, s.secrets[s.activeSecret][:]); err != nil {
		return fmt.Errorf("handshake: rotate secret: %w", err)
	}
	return nil
}

// Tick rotates the secret when it is due.
func (s *Server) Tick(now time.Duration) error {
	if !s.seeded || now-s.lastSecretUpdate > config.SecretUpdateTime {
		return s.UpdateSecret(now)
	}
	return nil
}

func (s *Server) cookie(addr string, secretID uint8, ts float64) Cookie {
	if s.debugCookie != nil {
		return *s.debugCookie
	}
	return generateCookie(&s.secrets[secretID&1], addr, ts)
}

// Incoming handles one connectionless datagram from addr. It returns a
// non-nil Accept once the address has passed the challenge; a nil Accept
// with a nil error means a challenge was sent.
func (s *Server) Incoming(addr string, data []byte, now time.Duration) (*Accept, error) {
	if !s.seeded {
		if err := s.UpdateSecret(now); err != nil {
			return nil, err
		}
	}
	r, err := bitbuf.NewReader(data)
	if err != nil {
		return nil, err
	}
	if err := s.magic.Read(r); err != nil {
		return nil, err
	}
	handshake, err := r.ReadBit()
	if err != nil {
		return nil, ErrMalformed
	}
	if !handshake {
		s.sendRestartRequest(addr)
		return nil, ErrNotHandshake
	}
	p, err := Parse(r, false)
	if err != nil {
		return nil, err
	}

	if p.Timestamp == 0 {
		return nil, s.sendChallenge(addr, now)
	}

	// A zero delta is allowed: challenge and response can land in one tick.
	nowSec := now.Seconds()
	cookieDelta := nowSec - p.Timestamp
	secretDelta := p.Timestamp - s.lastSecretUpdate.Seconds()
	validLifetime := cookieDelta >= 0 && config.MaxCookieLifetime.Seconds()-cookieDelta > 0
	var validSecret bool
	if p.SecretID == s.activeSecret {
		validSecret = secretDelta >= 0
	} else {
		validSecret = secretDelta <= 0
	}
	if !validLifetime || !validSecret {
		return nil, ErrBadCookie
	}
	if s.cookie(addr, p.SecretID, p.Timestamp) != p.Cookie {
		return nil, ErrBadCookie
	}

	if p.Restart {
		s.authorised = p.OrigCookie
	} else {
		s.serverSeq, s.clientSeq = p.Cookie.Sequences()
		s.authorised = p.Cookie
	}
	s.restarted = p.Restart
	s.lastSuccessAddr = addr

	// The cookie stays in the accepted connection so lost acks can be resent.
	if err := s.SendAck(addr, &s.authorised); err != nil {
		return nil, err
	}

	if !s.HasPassedChallenge(addr) {
		return nil, nil
	}
	acc := &Accept{
		Addr:      addr,
		Restarted: s.restarted,
		Cookie:    s.authorised,
		ServerSeq: s.serverSeq,
		ClientSeq: s.clientSeq,
	}
	s.resetChallenge()
	return acc, nil
}

// HasPassedChallenge reports whether addr completed the last challenge and
// its result has not been consumed yet.
func (s *Server) HasPassedChallenge(addr string) bool {
	return s.lastSuccessAddr != "" && s.lastSuccessAddr == addr
}

func (s *Server) resetChallenge() {
	s.lastSuccessAddr = ""
	s.restarted = false
	s.serverSeq, s.clientSeq = 0, 0
	s.authorised = Cookie{}
}

func (s *Server) sendChallenge(addr string, now time.Duration) error {
	ts := now.Seconds()
	c := s.cookie(addr, s.activeSecret, ts)
	pkt, err := EncodeChallenge(s.magic, s.activeSecret, ts, &c)
	if err != nil {
		return err
	}
	s.send(addr, pkt)
	return nil
}

func (s *Server) sendRestartRequest(addr string) {
	if pkt, err := EncodeRestartRequest(s.magic); err == nil {
		s.send(addr, pkt)
	}
}

// SendAck acks a verified response with cookie. Accepted connections call
// it again when the client keeps retrying.
func (s *Server) SendAck(addr string, c *Cookie) error {
	pkt, err := EncodeAck(s.magic, c)
	if err != nil {
		return err
	}
	s.send(addr, pkt)
	return nil
}
