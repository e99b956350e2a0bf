package channel

import (
	"errors"
	"sort"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

var (
	ErrNoChannel      = errors.New("channel: channel is not open")
	ErrChannelClosing = errors.New("channel: channel is closing")
)

// Set is the channel table of one connection. Only opened slots are
// allocated; open keeps their indices sorted for ack/nak iteration.
type Set struct {
	channels map[uint16]*Channel
	open     []uint16

	InitInReliable  int32
	InitOutReliable int32

	hasClose bool
	pool     *Pool
}

func NewSet(pool *Pool) *Set {
	return &Set{
		channels: make(map[uint16]*Channel),
		pool:     pool,
	}
}

func (s *Set) Pool() *Pool { return s.pool }

// Init sets the reliable sequence every channel opened afterwards starts at.
func (s *Set) Init(inReliable, outReliable int32) {
	s.InitInReliable = inReliable
	s.InitOutReliable = outReliable
}

func (s *Set) Get(index uint16) *Channel {
	return s.channels[index]
}

// Open returns the channel at index, creating it if necessary.
func (s *Set) Open(index uint16) (*Channel, error) {
	if index >= config.MaxChannels {
		return nil, bunch.ErrBadChannelIndex
	}
	if ch := s.channels[index]; ch != nil {
		return ch, nil
	}
	ch := New(s.InitInReliable, s.InitOutReliable)
	s.channels[index] = ch
	i := sort.Search(len(s.open), func(i int) bool { return s.open[i] >= index })
	s.open = append(s.open, 0)
	copy(s.open[i+1:], s.open[i:])
	s.open[i] = index
	return ch, nil
}

// ForBunch resolves the channel a bunch refers to. An unknown index is
// created only when the bunch opens it. A closing bunch marks the channel
// for the next DelayClose.
func (s *Set) ForBunch(b *bunch.Bunch) (*Channel, error) {
	ch := s.channels[b.ChIndex]
	if ch == nil {
		if !b.Open {
			return nil, ErrNoChannel
		}
		var err error
		if ch, err = s.Open(b.ChIndex); err != nil {
			return nil, err
		}
	}
	if b.Close {
		ch.MarkClose(b.CloseReason)
		s.hasClose = true
	}
	return ch, nil
}

// ForSend resolves the channel an outgoing bunch is written to. It follows
// the same open and close rules as ForBunch, but refuses a channel that is
// already closing.
func (s *Set) ForSend(b *bunch.Bunch) (*Channel, error) {
	if ch := s.channels[b.ChIndex]; ch != nil && ch.Closing() {
		return nil, ErrChannelClosing
	}
	return s.ForBunch(b)
}

// OpenIndices is the sorted list of open channel indices.
func (s *Set) OpenIndices() []uint16 { return s.open }

func (s *Set) remove(index uint16) {
	ch := s.channels[index]
	if ch != nil {
		ch.Release(s.pool)
		delete(s.channels, index)
	}
	i := sort.Search(len(s.open), func(i int) bool { return s.open[i] >= index })
	if i < len(s.open) && s.open[i] == index {
		s.open = append(s.open[:i], s.open[i+1:]...)
	}
}

// DelayClose drops every channel marked for closing. A closing channel
// with unacked reliable records stays until they are acked, so a later
// call picks it up.
func (s *Set) DelayClose() []uint16 {
	if !s.hasClose {
		return nil
	}
	s.hasClose = false
	var closed []uint16
	for i := len(s.open); i > 0; i-- {
		index := s.open[i-1]
		ch := s.channels[index]
		if ch != nil && !ch.Closing() {
			continue
		}
		if ch != nil && ch.NumOutRec() > 0 {
			s.hasClose = true
			continue
		}
		s.remove(index)
		closed = append(closed, index)
	}
	return closed
}

// OnAck frees every record carried by packetID.
func (s *Set) OnAck(packetID int32) int {
	freed := 0
	for _, index := range s.open {
		for _, n := range s.channels[index].RemoveOutgoing(packetID) {
			s.pool.Put(n)
			freed++
		}
	}
	return freed
}

// Resend writes serialized bunch bits into a new packet and returns its id.
type Resend func(data []byte, numBits int) (int32, error)

// OnNak resends every record carried by packetID and files it again under
// the packet id it went out with. The reliable sequence inside the record
// is unchanged.
func (s *Set) OnNak(packetID int32, resend Resend) (int, error) {
	count := 0
	for _, index := range s.open {
		ch := s.channels[index]
		for _, n := range ch.RemoveOutgoing(packetID) {
			id, err := resend(n.Record.Data, n.Record.Bits)
			if err != nil {
				s.pool.Put(n)
				return count, err
			}
			n.Record.PacketID = id
			ch.AddOutgoing(n)
			count++
		}
	}
	return count, nil
}

// NumOutRec counts unacked reliable records across all channels.
func (s *Set) NumOutRec() int {
	total := 0
	for _, index := range s.open {
		total += s.channels[index].NumOutRec()
	}
	return total
}

// Close releases every channel and its nodes.
func (s *Set) Close() {
	for _, index := range s.open {
		s.channels[index].Release(s.pool)
	}
	s.channels = make(map[uint16]*Channel)
	s.open = s.open[:0]
	s.hasClose = false
}
