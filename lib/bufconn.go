package lib

import (
	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

// BufConn queues reliable bunches the connection cannot take yet instead
// of overflowing its reliable buffer.
type BufConn struct {
	*Conn
	queue []*bunch.Bunch

	// queued sends report decreasing negative ids
	fakeID int32
}

func NewBufConn(c *Conn) *BufConn {
	return &BufConn{Conn: c, fakeID: -1}
}

// Queued is the number of bunches waiting for room.
func (b *BufConn) Queued() int { return len(b.queue) }

// Update drains the queue before driving the connection timers.
func (b *BufConn) Update() error {
	if err := b.trySend(); err != nil {
		return err
	}
	return b.Conn.Update()
}

func copyBunch(src *bunch.Bunch) *bunch.Bunch {
	b := &bunch.Bunch{}
	b.CopyHeader(src)
	b.SetData(append([]byte(nil), src.Bytes()...), src.DataBits)
	return b
}

// SendLarge sends a payload of any size. When the reliable buffer is full
// an unreliable payload is dropped, returning no packets, and a reliable
// one is queued and reported under a negative id.
func (b *BufConn) SendLarge(tmpl *bunch.Bunch, data []byte, numBits int) (PacketIDRange, error) {
	if err := b.trySend(); err != nil {
		return noPackets, err
	}
	subs, err := SplitBunch(tmpl, data, numBits)
	if err != nil {
		return noPackets, err
	}

	if len(b.queue) > 0 || b.SendWouldBlock(len(subs)) {
		if !tmpl.Reliable {
			return noPackets, nil
		}
	}
	if len(b.queue) > 0 {
		for _, sub := range subs {
			b.queue = append(b.queue, copyBunch(sub))
		}
		b.fakeID--
		return PacketIDRange{First: b.fakeID, Last: b.fakeID}, nil
	}

	// A run that does not fit is sent fragment by fragment, so the
	// per-call run check is skipped here.
	r := noPackets
	for _, sub := range subs {
		if b.SendWouldBlock(1) {
			b.queue = append(b.queue, copyBunch(sub))
			continue
		}
		id, err := b.sendOne(sub)
		if err != nil {
			return r, err
		}
		if r.First == -1 {
			r.First = id
		}
		r.Last = id
	}
	return r, nil
}

// sendOne writes a single bunch, which may be one fragment of a run.
func (b *BufConn) sendOne(sub *bunch.Bunch) (int32, error) {
	if b.closed {
		return -1, ErrClosed
	}
	if !b.established {
		return -1, ErrNotConnected
	}
	if sub.DataBits > bunch.MaxSingleBunchBits {
		return -1, ErrBunchTooLarge
	}
	ch, err := b.channels.ForSend(sub)
	if err != nil {
		return -1, err
	}
	return b.sendRawBunch(ch, sub)
}

func (b *BufConn) trySend() error {
	for len(b.queue) > 0 {
		if b.SendWouldBlock(1) {
			return nil
		}
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		if _, err := b.sendOne(next); err != nil {
			return err
		}
	}
	return nil
}
