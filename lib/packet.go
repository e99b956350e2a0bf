package lib

import (
	"errors"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
	"github.com/Clouded-Sabre/utcp/lib/channel"
	"github.com/Clouded-Sabre/utcp/lib/notify"
	"github.com/Clouded-Sabre/utcp/lib/seqnum"
)

const (
	jitterClockBits = 10

	maxPacketTrailerBits = 1
	maxPacketInfoBits    = 1 + jitterClockBits + 1 + 8
	maxPacketHeaderBits  = notify.MaxHeaderBits + maxPacketInfoBits
	maxBunchHeaderBits   = 256

	// a gap this large in incoming packet ids is worth a log line
	maxPacketGap = 10
)

// freeSendBits is how many payload bits still fit in the packet being
// assembled once the header and trailer are accounted for.
func (c *Conn) freeSendBits() int {
	extra := maxPacketTrailerBits
	if c.sendBits == 0 {
		extra += maxPacketHeaderBits
	}
	return config.MaxPacket*8 - (c.sendBits + extra)
}

// writePacketHeader writes the packet header at the start of w. When w
// already holds a packet the header is refreshed in place with the latest
// ack state and the cursor is restored.
func (c *Conn) writePacketHeader(w *bitbuf.Writer) error {
	restore := w.Bits()
	refresh := restore > 0

	w.Seek(0)
	if err := c.opts.Magic.Write(w); err != nil {
		return err
	}
	if err := w.WriteBit(false); err != nil {
		return err
	}
	wrote, err := c.notify.WriteHeader(w, refresh)
	if err != nil {
		return err
	}
	if refresh {
		w.Seek(restore)
		if wrote {
			c.hasDirtyAcks = false
		}
	}
	return nil
}

// prepareWrite makes room for total bits, flushing the current packet if it
// cannot take them, and starts a new packet with its header.
func (c *Conn) prepareWrite(total int) error {
	if total > c.freeSendBits() {
		if err := c.flush(); err != nil {
			return err
		}
	}
	if c.sendBits > 0 {
		return nil
	}
	w := bitbuf.Reuse(c.sendBuf, 0)
	if err := c.writePacketHeader(w); err != nil {
		return err
	}
	// no packet info payload
	if err := w.WriteBit(false); err != nil {
		return err
	}
	c.sendBits = w.Bits()
	return nil
}

// writeInternal appends bits to the packet and returns the id of the
// packet they went into.
func (c *Conn) writeInternal(hdr []byte, hdrBits int, data []byte, dataBits int) (int32, error) {
	w := bitbuf.Reuse(c.sendBuf, c.sendBits)
	if hdrBits > 0 {
		if err := w.WriteBits(hdr, hdrBits); err != nil {
			return -1, err
		}
	}
	if dataBits > 0 {
		if err := w.WriteBits(data, dataBits); err != nil {
			return -1, err
		}
	}
	c.sendBits = w.Bits()
	id := c.outPacketID
	if c.freeSendBits() == 0 {
		if err := c.flush(); err != nil {
			return id, err
		}
	}
	return id, nil
}

// writeBitsToSendBuffer writes already serialized bunch bits, as used for
// retransmission.
func (c *Conn) writeBitsToSendBuffer(data []byte, numBits int) (int32, error) {
	if err := c.prepareWrite(numBits); err != nil {
		return -1, err
	}
	return c.writeInternal(nil, 0, data, numBits)
}

func (c *Conn) sendRawBunch(ch *channel.Channel, b *bunch.Bunch) (int32, error) {
	b.ChSequence = 0
	if b.Reliable {
		ch.OutReliable++
		b.ChSequence = ch.OutReliable
	}

	var hdr [maxBunchHeaderBits / 8]byte
	hw := bitbuf.NewWriter(hdr[:])
	if err := bunch.WriteHeader(hw, b); err != nil {
		return -1, err
	}
	if err := c.prepareWrite(hw.Bits() + b.DataBits); err != nil {
		return -1, err
	}
	id, err := c.writeInternal(hdr[:], hw.Bits(), b.Data, b.DataBits)
	if err != nil {
		return id, err
	}
	if !b.Reliable {
		return id, nil
	}

	// Keep the serialized bunch until the packet is acked.
	n, err := c.pool.Get(channel.KindRecord)
	if err != nil {
		return id, c.closeWith(ResourceExhausted, err)
	}
	var all [config.MaxPacket]byte
	aw := bitbuf.NewWriter(all[:])
	if err := aw.WriteBits(hdr[:], hw.Bits()); err != nil {
		c.pool.Put(n)
		return id, err
	}
	if err := aw.WriteBits(b.Data, b.DataBits); err != nil {
		c.pool.Put(n)
		return id, err
	}
	if err := n.SetRecord(id, all[:], aw.Bits()); err != nil {
		c.pool.Put(n)
		return id, err
	}
	ch.AddOutgoing(n)
	c.opts.Metrics.reliable(1)
	return id, nil
}

// Flush sends the packet being assembled. With nothing queued it still
// sends a bare packet when acks are pending or the keepalive is due.
func (c *Conn) Flush() error {
	if c.closed {
		return ErrClosed
	}
	if !c.established {
		return ErrNotConnected
	}
	return c.flush()
}

func (c *Conn) flush() error {
	now := c.now()
	if c.sendBits == 0 && !c.hasDirtyAcks && now-c.lastSend < c.opts.KeepAlive {
		return nil
	}
	if c.sendBits == 0 {
		if _, err := c.writeBitsToSendBuffer(nil, 0); err != nil {
			return err
		}
	}

	w := bitbuf.Reuse(c.sendBuf, c.sendBits)
	// connection level terminator
	if err := w.WriteEnd(); err != nil {
		return err
	}
	if err := c.writePacketHeader(w); err != nil {
		return err
	}
	if err := w.WriteEnd(); err != nil {
		return err
	}
	c.rawSend(w.Bytes())

	for i := range c.sendBuf {
		c.sendBuf[i] = 0
	}
	c.sendBits = 0
	c.notify.CommitAndIncrementOutSeq()
	c.lastSend = now
	c.outPacketID++
	return nil
}

// readPacketInfo skips the optional packet info payload. Only its layout
// matters; the jitter clock and frame time are not used.
func readPacketInfo(r *bitbuf.Reader) error {
	hasInfo, err := r.ReadBit()
	if err != nil || !hasInfo {
		return err
	}
	if _, err := r.ReadInt(1 << jitterClockBits); err != nil {
		return err
	}
	hasFrameTime, err := r.ReadBit()
	if err != nil || !hasFrameTime {
		return err
	}
	var frameTime [1]byte
	return r.ReadBits(frameTime[:], 8)
}

func (c *Conn) receivedPacket(r *bitbuf.Reader) error {
	h, err := notify.ReadHeader(r)
	if err != nil {
		return c.closeWith(ReadHeaderFail, err)
	}
	if err := readPacketInfo(r); err != nil {
		return c.closeWith(ReadHeaderExtraFail, err)
	}

	delta := c.notify.SequenceDelta(h)
	if delta <= 0 {
		c.opts.Metrics.stale()
		c.log.Debugf("%s: stale packet seq=%d, last=%d", c.addr, h.Seq, c.notify.InSeq())
		return ErrStalePacket
	}
	if delta > maxPacketGap {
		c.log.Warnf("%s: %d packets missing before seq=%d", c.addr, delta-1, h.Seq)
	}

	c.inPacketID += delta
	if _, err := c.notify.Update(h, c.handlePacketNotification); err != nil {
		return c.closeWith(AckSequenceMismatch, err)
	}
	if c.closed {
		return ErrClosed
	}

	skipAck := false
	for r.Left() > 0 {
		skip, err := c.receivedRawBunch(r)
		if err != nil {
			return err
		}
		if c.closed {
			return ErrClosed
		}
		skipAck = skipAck || skip
	}

	c.channels.DelayClose()
	c.notify.AckSeq(h.Seq, !skipAck)
	c.hasDirtyAcks = true
	c.lastReceive = c.now()
	return nil
}

func (c *Conn) receivedRawBunch(r *bitbuf.Reader) (bool, error) {
	n, err := c.pool.Get(channel.KindBunch)
	if err != nil {
		return false, c.closeWith(ResourceExhausted, err)
	}
	b := &n.Bunch
	if err := bunch.Read(r, b); err != nil {
		c.pool.Put(n)
		if errors.Is(err, bunch.ErrBadChannelIndex) {
			return false, c.closeWith(BunchBadChannelIndex, err)
		}
		return false, c.closeWith(BunchOverflow, err)
	}

	ch, err := c.channels.ForBunch(b)
	if err != nil {
		c.pool.Put(n)
		if errors.Is(err, channel.ErrNoChannel) {
			c.log.Debugf("%s: bunch for unopened channel %d", c.addr, b.ChIndex)
			return true, nil
		}
		return false, c.closeWith(BunchBadChannelIndex, err)
	}

	if b.Reliable {
		b.ChSequence = seqnum.MakeRelative(b.ChSequence, ch.InReliable, config.MaxChannelSequence)
	} else if b.Partial {
		// unreliable fragments are ordered by the packet carrying them
		b.ChSequence = c.inPacketID
	}

	skipAck := false
	switch {
	case b.Reliable && b.ChSequence <= ch.InReliable:
		c.log.Debugf("%s: outdated bunch on channel %d, seq=%d, in=%d", c.addr, b.ChIndex, b.ChSequence, ch.InReliable)
		c.pool.Put(n)
	case b.Reliable && b.ChSequence != ch.InReliable+1:
		if !ch.EnqueueIncoming(n) {
			c.pool.Put(n)
		}
	default:
		if skipAck, err = c.receivedNextBunch(ch, n); err != nil {
			return skipAck, err
		}
	}

	for !c.closed {
		next := ch.DequeueIncoming(ch.InReliable + 1)
		if next == nil {
			break
		}
		// already acked, so a skip here means nothing
		if _, err := c.receivedNextBunch(ch, next); err != nil {
			return skipAck, err
		}
	}
	return skipAck, nil
}

// receivedNextBunch handles a bunch that is next in order on its channel.
// It always takes ownership of n.
func (c *Conn) receivedNextBunch(ch *channel.Channel, n *channel.Node) (bool, error) {
	b := &n.Bunch
	if b.Reliable {
		ch.InReliable = b.ChSequence
	}
	if !b.Partial {
		c.deliver([]*bunch.Bunch{b})
		c.pool.Put(n)
		return false, nil
	}

	res, skipAck := ch.MergePartial(n, c.pool)
	switch res {
	case channel.MergeFatal:
		c.pool.Put(n)
		return skipAck, c.closeWith(PartialMergeFailure, nil)
	case channel.MergeFailed:
		c.pool.Put(n)
	case channel.MergeAvailable:
		c.deliver(ch.PartialBunches())
		ch.ClearPartial(c.pool)
	}
	return skipAck, nil
}

func (c *Conn) deliver(bs []*bunch.Bunch) {
	if len(bs) == 0 {
		return
	}
	c.opts.Metrics.bunches(len(bs))
	c.events.OnRecvBunch(c, bs)
}

// handlePacketNotification resolves one outgoing packet as delivered or
// lost. Lost reliable bunches are written again into the current packet.
func (c *Conn) handlePacketNotification(s uint16, delivered bool) error {
	c.lastNotified++
	if seqnum.Packet.Init(c.lastNotified) != s {
		return errAckMismatch
	}
	id := c.lastNotified
	if delivered {
		c.outAckPacketID = id
		freed := c.channels.OnAck(id)
		c.opts.Metrics.reliable(-freed)
	} else {
		resent, err := c.channels.OnNak(id, c.writeBitsToSendBuffer)
		c.opts.Metrics.retransmit(resent)
		if err != nil {
			return err
		}
	}
	c.opts.Metrics.delivery(delivered)
	c.events.OnDeliveryStatus(c, id, delivered)
	return nil
}
