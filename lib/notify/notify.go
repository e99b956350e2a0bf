// Package notify tracks packet sequence numbers and the acknowledgment
// history exchanged in every packet header. Each sent packet is eventually
// resolved exactly once as delivered or lost.
package notify

import (
	"errors"

	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
	"github.com/Clouded-Sabre/utcp/lib/ringbuf"
	"github.com/Clouded-Sabre/utcp/lib/seqnum"
)

const (
	MaxHistory   = 256 // packets
	BitsPerWord  = 32
	HistoryWords = MaxHistory / BitsPerWord

	historyCountBits = 4
	historyCountMask = 1<<historyCountBits - 1
	ackSeqShift      = historyCountBits
	seqShift         = ackSeqShift + 14

	// MaxHeaderBits is the largest header WriteHeader can produce.
	MaxHeaderBits = 32 + MaxHistory
)

var ErrShortHeader = errors.New("notify: short packet header")

var seq = seqnum.Packet

// Header is the sequence information carried by one packet.
type Header struct {
	Seq          uint16
	AckedSeq     uint16
	HistoryWords int
	History      [HistoryWords]uint32
}

// Delivered reports the status of AckedSeq-index as seen by the sender of
// the header.
func (h *Header) Delivered(index int) bool {
	return h.History[index/BitsPerWord]&(1<<(index%BitsPerWord)) != 0
}

func pack(s, acked uint16, words int) uint32 {
	return uint32(s)<<seqShift | uint32(acked)<<ackSeqShift | uint32(words)&historyCountMask
}

func unpack(v uint32) (s, acked uint16, words int) {
	mask := seq.Mask()
	return uint16(v >> seqShift & mask), uint16(v >> ackSeqShift & mask), int(v & historyCountMask)
}

// Handler resolves one outgoing sequence. Returning an error stops Update.
type Handler func(s uint16, delivered bool) error

// Notify is the per-connection sequence tracker.
type Notify struct {
	history     [HistoryWords]uint32
	inSeq       uint16 // last accepted incoming sequence
	inAckSeq    uint16 // last incoming sequence we acked or nacked
	inAckSeqAck uint16 // last incoming ack the peer is known to have seen

	outSeq    uint16
	outAckSeq uint16

	writtenWords    int
	writtenInAckSeq uint16

	ackRecord ringbuf.Ring
}

func (n *Notify) Init(inSeq, outSeq uint16) {
	*n = Notify{
		inSeq:       inSeq,
		inAckSeq:    inSeq,
		inAckSeqAck: inSeq,
		outSeq:      outSeq,
		outAckSeq:   seq.Init(int32(outSeq) - 1),
	}
}

func (n *Notify) InSeq() uint16       { return n.inSeq }
func (n *Notify) InAckSeq() uint16    { return n.inAckSeq }
func (n *Notify) InAckSeqAck() uint16 { return n.inAckSeqAck }
func (n *Notify) OutSeq() uint16      { return n.outSeq }
func (n *Notify) OutAckSeq() uint16   { return n.outAckSeq }

func (n *Notify) historyLength() int {
	if seq.GreaterEqual(n.inAckSeq, n.inAckSeqAck) {
		return int(seq.Diff(n.inAckSeq, n.inAckSeqAck))
	}
	return MaxHistory
}

// HistoryWordsNeeded is the word count the next header must carry.
func (n *Notify) HistoryWordsNeeded() int {
	words := (n.historyLength() + BitsPerWord - 1) / BitsPerWord
	if words < 1 {
		return 1
	}
	if words > HistoryWords {
		return HistoryWords
	}
	return words
}

// WriteHeader writes the sequence header. A refresh rewrites a header
// already in the buffer and is refused, returning false, when it would need
// more history words than were written the first time.
func (n *Notify) WriteHeader(w *bitbuf.Writer, refresh bool) (bool, error) {
	words := n.HistoryWordsNeeded()
	if refresh && words > n.writtenWords {
		return false, nil
	}
	if !refresh {
		n.writtenWords = words
	}
	n.writtenInAckSeq = n.inAckSeq

	if err := w.WriteUint32(pack(n.outSeq, n.inAckSeq, n.writtenWords-1)); err != nil {
		return false, err
	}
	for i := 0; i < n.writtenWords; i++ {
		if err := w.WriteUint32(n.history[i]); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ReadHeader parses a sequence header.
func ReadHeader(r *bitbuf.Reader) (*Header, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return nil, ErrShortHeader
	}
	h := &Header{}
	h.Seq, h.AckedSeq, h.HistoryWords = unpack(v)
	h.HistoryWords++
	if h.HistoryWords > HistoryWords {
		h.HistoryWords = HistoryWords
	}
	for i := 0; i < h.HistoryWords; i++ {
		if h.History[i], err = r.ReadUint32(); err != nil {
			return nil, ErrShortHeader
		}
	}
	return h, nil
}

// SequenceDelta is how far h advances the incoming sequence, or 0 when h
// is stale or acks something never sent.
func (n *Notify) SequenceDelta(h *Header) int32 {
	if seq.GreaterThan(h.Seq, n.inSeq) &&
		seq.GreaterEqual(h.AckedSeq, n.outAckSeq) &&
		seq.GreaterThan(n.outSeq, h.AckedSeq) {
		return seq.Diff(h.Seq, n.inSeq)
	}
	return 0
}

func (n *Notify) updateInAckSeqAck(count int, acked uint16) uint16 {
	if count <= n.ackRecord.Len() {
		var rec uint32
		for ; count > 0; count-- {
			rec, _ = n.ackRecord.Dequeue()
		}
		if uint16(rec) == acked {
			return uint16(rec >> 16)
		}
	}
	return seq.Init(int32(acked) - MaxHistory)
}

// Update accepts h, resolving every outgoing sequence it newly acks
// through fn, oldest first. Sequences older than the history window are
// reported lost.
func (n *Notify) Update(h *Header, fn Handler) (int32, error) {
	delta := n.SequenceDelta(h)
	if delta <= 0 {
		return 0, nil
	}
	if seq.GreaterThan(h.AckedSeq, n.outAckSeq) {
		count := int(seq.Diff(h.AckedSeq, n.outAckSeq))
		n.inAckSeqAck = n.updateInAckSeqAck(count, h.AckedSeq)

		current := seq.Inc(n.outAckSeq, 1)
		for ; count > MaxHistory; count-- {
			if err := fn(current, false); err != nil {
				return delta, err
			}
			current = seq.Inc(current, 1)
		}
		for count > 0 {
			count--
			if err := fn(current, h.Delivered(count)); err != nil {
				return delta, err
			}
			current = seq.Inc(current, 1)
		}
		n.outAckSeq = h.AckedSeq
	}
	n.inSeq = h.Seq
	return delta, nil
}

// AckSeq records the delivery status of the accepted incoming sequence s.
// Any sequence skipped on the way is recorded as lost.
func (n *Notify) AckSeq(s uint16, delivered bool) {
	for seq.GreaterThan(s, n.inAckSeq) {
		n.inAckSeq = seq.Inc(n.inAckSeq, 1)
		var carry uint32
		if n.inAckSeq == s && delivered {
			carry = 1
		}
		for i := range n.history {
			old := carry
			carry = n.history[i] >> (BitsPerWord - 1)
			n.history[i] = n.history[i]<<1 | old
		}
	}
}

// CommitAndIncrementOutSeq files the header just sent and advances OutSeq.
func (n *Notify) CommitAndIncrementOutSeq() uint16 {
	n.ackRecord.Queue(uint32(n.outSeq) | uint32(n.writtenInAckSeq)<<16)
	n.writtenWords = 0
	n.outSeq = seq.Inc(n.outSeq, 1)
	return n.outSeq
}

// Written reports whether a header is pending commit.
func (n *Notify) Written() bool { return n.writtenWords != 0 }
