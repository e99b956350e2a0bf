package lib

import (
	"container/heap"

	"github.com/Clouded-Sabre/utcp/lib/notify"
)

// maxOrderCache bounds the packets held back waiting for a gap to fill.
const maxOrderCache = notify.MaxHistory

type cachedPacket struct {
	id   int32
	data []byte
}

// packetHeap is a min-heap of cached packets by packet id.
type packetHeap []cachedPacket

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].id < h[j].id }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(cachedPacket)) }

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = cachedPacket{}
	*h = old[:n-1]
	return p
}

// OrderedConn reorders incoming packets before the connection sees them,
// so a packet that overtook an earlier one does not make the earlier one
// stale.
type OrderedConn struct {
	*Conn
	cache packetHeap
}

func NewOrderedConn(c *Conn) *OrderedConn {
	return &OrderedConn{Conn: c}
}

// Cached is the number of packets waiting for an earlier one.
func (o *OrderedConn) Cached() int { return len(o.cache) }

// Incoming passes handshake and unacceptable packets straight through and
// holds sequenced ones until every earlier packet arrived.
func (o *OrderedConn) Incoming(data []byte) error {
	id := o.PeekPacketID(data)
	if id <= 0 {
		// id 0 is also a valid first packet, which may release the cache
		if err := o.Conn.Incoming(data); err != nil {
			return err
		}
		return o.flush(false)
	}
	heap.Push(&o.cache, cachedPacket{id: id, data: append([]byte(nil), data...)})
	return o.flush(len(o.cache) > maxOrderCache)
}

// FlushIncomingCache hands every cached packet to the connection, giving
// up on the gaps.
func (o *OrderedConn) FlushIncomingCache() error {
	return o.flush(true)
}

// Update flushes the cache on top of the connection timers; a packet that
// never arrives is treated as lost once the next tick comes.
func (o *OrderedConn) Update() error {
	if err := o.FlushIncomingCache(); err != nil && !o.IsClosed() {
		o.log.Debugf("%s: order cache flush: %v", o.addr, err)
	}
	return o.Conn.Update()
}

func (o *OrderedConn) flush(forced bool) error {
	var first error
	for len(o.cache) > 0 {
		if !forced && o.cache[0].id > o.ExpectPacketID() {
			break
		}
		p := heap.Pop(&o.cache).(cachedPacket)
		if err := o.Conn.Incoming(p.data); err != nil && err != ErrStalePacket && first == nil {
			first = err
		}
		if o.IsClosed() {
			o.cache = o.cache[:0]
			break
		}
	}
	return first
}
