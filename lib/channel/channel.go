// Package channel holds per-channel reliable ordering, partial bunch
// reassembly and the outgoing retransmission ledger.
package channel

import (
	"sort"

	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

// MergeResult is the outcome of feeding one partial bunch to MergePartial.
type MergeResult int

const (
	MergeFatal MergeResult = iota - 1
	MergeFailed
	MergeSucceed
	MergeAvailable
)

func (m MergeResult) String() string {
	switch m {
	case MergeFatal:
		return "fatal"
	case MergeFailed:
		return "failed"
	case MergeSucceed:
		return "succeed"
	case MergeAvailable:
		return "available"
	}
	return "unknown"
}

// Channel is one logical stream of a connection. Reliable sequences are
// absolute (already made relative to InReliable by the reader).
type Channel struct {
	InReliable  int32
	OutReliable int32

	inRec   []*Node
	partial []*Node
	outRec  []*Node

	closing     bool
	closeReason uint8
}

func New(inReliable, outReliable int32) *Channel {
	return &Channel{InReliable: inReliable, OutReliable: outReliable}
}

func (c *Channel) NumInRec() int  { return len(c.inRec) }
func (c *Channel) NumOutRec() int { return len(c.outRec) }

func (c *Channel) Closing() bool      { return c.closing }
func (c *Channel) CloseReason() uint8 { return c.closeReason }

// MarkClose flags the channel for closing. The first reason wins.
func (c *Channel) MarkClose(reason uint8) {
	if c.closing {
		return
	}
	c.closing = true
	c.closeReason = reason
}

// EnqueueIncoming inserts a reliable bunch node into InRec by ascending
// sequence. It returns false, leaving the node untouched, when the sequence
// is already queued.
func (c *Channel) EnqueueIncoming(n *Node) bool {
	seq := n.Bunch.ChSequence
	i := sort.Search(len(c.inRec), func(i int) bool {
		return c.inRec[i].Bunch.ChSequence >= seq
	})
	if i < len(c.inRec) && c.inRec[i].Bunch.ChSequence == seq {
		return false
	}
	c.inRec = append(c.inRec, nil)
	copy(c.inRec[i+1:], c.inRec[i:])
	c.inRec[i] = n
	n.owner = queueInRec
	return true
}

// DequeueIncoming pops the head of InRec if its sequence is seq.
func (c *Channel) DequeueIncoming(seq int32) *Node {
	if len(c.inRec) == 0 || c.inRec[0].Bunch.ChSequence != seq {
		return nil
	}
	n := c.inRec[0]
	c.inRec[0] = nil
	c.inRec = c.inRec[1:]
	n.owner = queueNone
	return n
}

func (c *Channel) lastPartial() *bunch.Bunch {
	if len(c.partial) == 0 {
		return nil
	}
	return &c.partial[len(c.partial)-1].Bunch
}

func (c *Channel) pushPartial(n *Node) {
	c.partial = append(c.partial, n)
	n.owner = queuePartial
}

// MergePartial feeds one partial bunch node into the reassembly queue.
// On MergeSucceed and MergeAvailable the channel owns the node; otherwise
// the caller still does. skipAck reports that the packet carrying the node
// must not be acked.
func (c *Channel) MergePartial(n *Node, pool *Pool) (result MergeResult, skipAck bool) {
	b := &n.Bunch
	last := c.lastPartial()

	if b.PartialInitial {
		if last != nil {
			if !last.PartialFinal && last.Reliable {
				if b.Reliable {
					return MergeFatal, false
				}
				return MergeFailed, true
			}
			c.ClearPartial(pool)
		}
		c.pushPartial(n)
		return MergeSucceed, false
	}

	matches := false
	if last != nil {
		reliableMatch := b.ChSequence == last.ChSequence+1
		if b.Reliable {
			matches = reliableMatch
		} else {
			matches = reliableMatch || b.ChSequence == last.ChSequence
		}
	}

	if last != nil && !last.PartialFinal && matches && last.Reliable == b.Reliable {
		c.pushPartial(n)
		if b.PartialFinal {
			return MergeAvailable, false
		}
		return MergeSucceed, false
	}

	if last != nil && last.Reliable {
		if b.Reliable {
			return MergeFatal, true
		}
		return MergeFailed, true
	}
	if last != nil {
		c.ClearPartial(pool)
	}
	return MergeFailed, true
}

// PartialBunches returns the fragments being reassembled, in order.
// A complete run has at least two fragments, the first initial and the
// last final; anything else returns nil.
func (c *Channel) PartialBunches() []*bunch.Bunch {
	if len(c.partial) < 2 {
		return nil
	}
	out := make([]*bunch.Bunch, len(c.partial))
	for i, n := range c.partial {
		out[i] = &n.Bunch
	}
	if !out[0].PartialInitial || !out[len(out)-1].PartialFinal {
		return nil
	}
	return out
}

// PartialBits is the total payload size of the run under reassembly.
func (c *Channel) PartialBits() int {
	total := 0
	for _, n := range c.partial {
		total += n.Bunch.DataBits
	}
	return total
}

func (c *Channel) ClearPartial(pool *Pool) {
	for i, n := range c.partial {
		n.owner = queueNone
		pool.Put(n)
		c.partial[i] = nil
	}
	c.partial = c.partial[:0]
}

// AddOutgoing appends a record node to OutRec. Nodes are kept in packet id
// order because packet ids only grow.
func (c *Channel) AddOutgoing(n *Node) {
	c.outRec = append(c.outRec, n)
	n.owner = queueOutRec
}

// RemoveOutgoing unlinks every record carried by packetID. The scan stops
// at the first record of a later packet.
func (c *Channel) RemoveOutgoing(packetID int32) []*Node {
	var removed []*Node
	keep := c.outRec[:0]
	i := 0
	for ; i < len(c.outRec); i++ {
		n := c.outRec[i]
		if n.Record.PacketID == packetID {
			n.owner = queueNone
			removed = append(removed, n)
			continue
		}
		if n.Record.PacketID > packetID {
			break
		}
		keep = append(keep, n)
	}
	keep = append(keep, c.outRec[i:]...)
	for j := len(keep); j < len(c.outRec); j++ {
		c.outRec[j] = nil
	}
	c.outRec = keep
	return removed
}

// Release frees every node the channel still holds.
func (c *Channel) Release(pool *Pool) {
	for _, q := range [][]*Node{c.inRec, c.outRec} {
		for _, n := range q {
			n.owner = queueNone
			pool.Put(n)
		}
	}
	c.inRec, c.outRec = nil, nil
	c.ClearPartial(pool)
}
