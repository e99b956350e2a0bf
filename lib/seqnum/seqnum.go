// Package seqnum implements wrap-aware comparison over modular counters.
package seqnum

// Space is a modular counter space of 2^Bits values.
type Space struct {
	bits  uint
	count uint32
	half  uint32
	mask  uint32
}

// New returns the counter space of the given width (1..16 bits).
func New(bits uint) Space {
	count := uint32(1) << bits
	return Space{bits: bits, count: count, half: count >> 1, mask: count - 1}
}

var (
	// Packet numbers packet headers and ack history.
	Packet = New(14)
	// Reliable numbers reliable bunches within a channel.
	Reliable = New(10)
)

func (s Space) Bits() uint    { return s.bits }
func (s Space) Count() uint32 { return s.count }
func (s Space) Mask() uint32  { return s.mask }
func (s Space) Init(v int32) uint16 {
	return uint16(uint32(v) & s.mask)
}

func (s Space) GreaterThan(l, r uint16) bool {
	return l != r && (uint32(l)-uint32(r))&s.mask < s.half
}

func (s Space) GreaterEqual(l, r uint16) bool {
	return (uint32(l)-uint32(r))&s.mask < s.half
}

func (s Space) Inc(v, i uint16) uint16 {
	return uint16((uint32(v) + uint32(i)) & s.mask)
}

// Diff returns the signed distance from b to a in [-Count/2, Count/2).
// A distance of exactly half the space comes back negative.
func (s Space) Diff(a, b uint16) int32 {
	shift := 32 - s.bits
	return int32((uint32(a)-uint32(b))<<shift) >> shift
}

// MakeRelative reconstructs the full value closest to reference whose low
// bits equal value, for a modulus max that is a power of two.
func MakeRelative(value, reference, max int32) int32 {
	return reference + bestSignedDifference(value, reference, max)
}

func bestSignedDifference(value, reference, max int32) int32 {
	return ((value - reference + max/2) & (max - 1)) - max/2
}
