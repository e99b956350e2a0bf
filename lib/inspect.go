package lib

import (
	"fmt"
	"strings"

	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/handshake"
	"github.com/Clouded-Sabre/utcp/lib/notify"
)

// Datagram is a decoded view of one datagram, for capture tools. It is
// decoded without any connection state, so nothing is validated beyond
// the wire format.
type Datagram struct {
	Size       int
	FromServer bool
	Handshake  *handshake.Packet // nil for a connection packet
	Header     *notify.Header   // nil for a handshake packet
	Bunches    []bunch.Bunch
}

// Kind names the datagram: a handshake step or "data".
func (d *Datagram) Kind() string {
	p := d.Handshake
	switch {
	case p == nil:
		return "data"
	case p.RestartRequest:
		return "restart-request"
	case p.Timestamp == 0:
		if p.Restart {
			return "restart-hello"
		}
		return "hello"
	case p.Timestamp < 0:
		return "ack"
	case d.FromServer:
		return "challenge"
	case p.HasOrig:
		return "restart-response"
	}
	return "response"
}

func (d *Datagram) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d bytes %s", d.Size, d.Kind())
	if d.Handshake != nil {
		if d.Handshake.Timestamp != 0 {
			fmt.Fprintf(&sb, " secret=%d cookie=%x", d.Handshake.SecretID, d.Handshake.Cookie[:4])
		}
		return sb.String()
	}
	fmt.Fprintf(&sb, " seq=%d ack=%d", d.Header.Seq, d.Header.AckedSeq)
	for i := range d.Bunches {
		fmt.Fprintf(&sb, " [%s]", &d.Bunches[i])
	}
	return sb.String()
}

// Inspect decodes data. fromServer tells challenges from responses, which
// share a layout.
func Inspect(data []byte, magic handshake.Magic, fromServer bool) (*Datagram, error) {
	d := &Datagram{Size: len(data), FromServer: fromServer}
	r, err := bitbuf.NewReader(data)
	if err != nil {
		return nil, err
	}
	if err := magic.Read(r); err != nil {
		return nil, err
	}
	isHandshake, err := r.ReadBit()
	if err != nil {
		return nil, handshake.ErrMalformed
	}
	if isHandshake {
		if d.Handshake, err = handshake.Parse(r, fromServer); err != nil {
			return nil, err
		}
		return d, nil
	}

	r.Truncate(1)
	if d.Header, err = notify.ReadHeader(r); err != nil {
		return nil, fmt.Errorf("packet header: %w", err)
	}
	if err := readPacketInfo(r); err != nil {
		return nil, fmt.Errorf("packet info: %w", err)
	}
	for r.Left() > 0 {
		var b bunch.Bunch
		if err := bunch.Read(r, &b); err != nil {
			return d, err
		}
		d.Bunches = append(d.Bunches, b)
	}
	return d, nil
}
