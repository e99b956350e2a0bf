// Package handshake implements the stateless cookie handshake that admits a
// client before any connection state exists on the server.
//
// A client sends a padded hello, the server answers with a challenge whose
// cookie is an HMAC over the timestamp and the client address, the client
// echoes it, and the server acks. Nothing is allocated server-side until the
// echoed cookie verifies.
package handshake

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
)

var (
	ErrMagicMismatch   = errors.New("handshake: magic header mismatch")
	ErrMalformed       = errors.New("handshake: malformed handshake packet")
	ErrNotHandshake    = errors.New("handshake: not a handshake packet")
	ErrBadCookie       = errors.New("handshake: cookie rejected")
	ErrNoAuthorisation = errors.New("handshake: restart requested without an authorised cookie")
)

type Cookie [config.CookieByteSize]byte

func (c *Cookie) IsZero() bool { return *c == Cookie{} }

// Sequences extracts the initial packet sequences the server and client
// derive from an authorised cookie.
func (c *Cookie) Sequences() (server, client int32) {
	const mask = 1<<14 - 1
	server = int32(int16(binary.LittleEndian.Uint16(c[0:2]))) & mask
	client = int32(int16(binary.LittleEndian.Uint16(c[2:4]))) & mask
	return server, client
}

// Magic is the optional prefix carried by every datagram.
type Magic struct {
	Value uint32
	Bits  uint8
}

func (m Magic) mask() uint32 {
	if m.Bits >= 32 {
		return math.MaxUint32
	}
	return 1<<m.Bits - 1
}

func (m Magic) Write(w *bitbuf.Writer) error {
	if m.Bits == 0 {
		return nil
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], m.Value&m.mask())
	return w.WriteBits(b[:], int(m.Bits))
}

// Read consumes and verifies the prefix.
func (m Magic) Read(r *bitbuf.Reader) error {
	if m.Bits == 0 {
		return nil
	}
	var b [4]byte
	if err := r.ReadBits(b[:], int(m.Bits)); err != nil {
		return ErrMagicMismatch
	}
	if binary.LittleEndian.Uint32(b[:]) != m.Value&m.mask() {
		return ErrMagicMismatch
	}
	return nil
}

// Packet is a parsed handshake datagram, magic and handshake bit excluded.
type Packet struct {
	Restart   bool
	SecretID  uint8
	Timestamp float64
	Cookie    Cookie

	HasOrig    bool
	OrigCookie Cookie

	// RestartRequest is the bare two-bit packet a server sends when it sees
	// connection traffic from an address it has no connection for.
	RestartRequest bool
}

// Parse reads the body of a handshake packet. Only the exact sizes a peer
// can legitimately send are accepted; a restart request is only valid for
// a client.
func Parse(r *bitbuf.Reader, isClient bool) (*Packet, error) {
	p := &Packet{}
	left := r.Left()
	switch left {
	case config.HandshakePacketBits - 1, config.RestartResponseBits - 1:
		var err error
		if p.Restart, err = r.ReadBit(); err != nil {
			return nil, ErrMalformed
		}
		secret, err := r.ReadBit()
		if err != nil {
			return nil, ErrMalformed
		}
		if secret {
			p.SecretID = 1
		}
		ts, err := r.ReadUint64()
		if err != nil {
			return nil, ErrMalformed
		}
		p.Timestamp = math.Float64frombits(ts)
		if err := r.ReadBytes(p.Cookie[:]); err != nil {
			return nil, ErrMalformed
		}
		if left == config.RestartResponseBits-1 {
			if err := r.ReadBytes(p.OrigCookie[:]); err != nil {
				return nil, ErrMalformed
			}
			p.HasOrig = true
		}
		return p, nil
	case config.RestartHandshakePacketBits - 1:
		restart, err := r.ReadBit()
		if err != nil || !restart || !isClient {
			return nil, ErrMalformed
		}
		p.Restart = true
		p.RestartRequest = true
		return p, nil
	}
	return nil, ErrMalformed
}

// encoder accumulates one handshake datagram.
type encoder struct {
	buf [config.MaxPacket]byte
	w   *bitbuf.Writer
	err error
}

func newEncoder(m Magic) *encoder {
	e := &encoder{}
	e.w = bitbuf.NewWriter(e.buf[:])
	e.err = m.Write(e.w)
	e.bit(true)
	return e
}

func (e *encoder) bit(v bool) {
	if e.err == nil {
		e.err = e.w.WriteBit(v)
	}
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		e.err = e.w.WriteBytes(b)
	}
}

func (e *encoder) float(v float64) {
	if e.err == nil {
		e.err = e.w.WriteUint64(math.Float64bits(v))
	}
}

func (e *encoder) finish() ([]byte, error) {
	e.bit(true)
	if e.err != nil {
		return nil, e.err
	}
	out := make([]byte, len(e.w.Bytes()))
	copy(out, e.w.Bytes())
	return out, nil
}

// EncodeHello is the client's opening packet, padded to the size of a
// challenge so it cannot be used for amplification.
func EncodeHello(m Magic, restart bool) ([]byte, error) {
	e := newEncoder(m)
	e.bit(restart)
	e.bit(false)
	e.bytes(make([]byte, 8+config.CookieByteSize))
	return e.finish()
}

func EncodeChallenge(m Magic, secretID uint8, ts float64, c *Cookie) ([]byte, error) {
	e := newEncoder(m)
	e.bit(false)
	e.bit(secretID != 0)
	e.float(ts)
	e.bytes(c[:])
	return e.finish()
}

// EncodeResponse echoes a challenge. A restarting client appends the cookie
// its previous connection was authorised with.
func EncodeResponse(m Magic, restart bool, secretID uint8, ts float64, c *Cookie, orig *Cookie) ([]byte, error) {
	e := newEncoder(m)
	e.bit(restart)
	e.bit(secretID != 0)
	e.float(ts)
	e.bytes(c[:])
	if restart {
		e.bytes(orig[:])
	}
	return e.finish()
}

// EncodeAck confirms a verified response. The negative timestamp tells the
// client this is not a new challenge.
func EncodeAck(m Magic, c *Cookie) ([]byte, error) {
	e := newEncoder(m)
	e.bit(false)
	e.bit(true)
	e.float(-1)
	e.bytes(c[:])
	return e.finish()
}

func EncodeRestartRequest(m Magic) ([]byte, error) {
	e := newEncoder(m)
	e.bit(true)
	return e.finish()
}
