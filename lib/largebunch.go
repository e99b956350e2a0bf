package lib

import (
	"errors"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

var ErrLargeBunchTooBig = errors.New("utcp: payload exceeds max large bunch size")

// SplitBunch cuts a payload of any size up to MaxLargeBunchBytes into
// bunches for SendBunches. Header fields are copied from tmpl; a run opens
// the channel on its first fragment and closes it on its last.
func SplitBunch(tmpl *bunch.Bunch, data []byte, numBits int) ([]*bunch.Bunch, error) {
	if numBits < 0 || bitbuf.BytesFor(numBits) > config.MaxLargeBunchBytes {
		return nil, ErrLargeBunchTooBig
	}
	if bitbuf.BytesFor(numBits) > len(data) {
		return nil, bitbuf.ErrUnderflow
	}
	if numBits <= bunch.MaxPartialBits {
		b := &bunch.Bunch{}
		b.CopyHeader(tmpl)
		b.Partial, b.PartialInitial, b.PartialFinal = false, false, false
		b.SetData(data, numBits)
		return []*bunch.Bunch{b}, nil
	}

	last := numBits / bunch.MaxPartialBits
	out := make([]*bunch.Bunch, last+1)
	for i := range out {
		b := &bunch.Bunch{}
		b.CopyHeader(tmpl)
		b.Partial = true
		b.PartialInitial = i == 0
		b.PartialFinal = i == last
		b.Open = tmpl.Open && i == 0
		b.Close = tmpl.Close && i == last

		offset := i * bunch.MaxSingleBunchBytes
		if i == last {
			b.SetData(data[offset:], numBits-bunch.MaxPartialBits*last)
		} else {
			b.SetData(data[offset:offset+bunch.MaxSingleBunchBytes], bunch.MaxPartialBits)
		}
		out[i] = b
	}
	return out, nil
}

// JoinBunches reassembles what OnRecvBunch delivered into one bunch that
// owns its data, so it outlives the callback.
func JoinBunches(bs []*bunch.Bunch) (*bunch.Bunch, error) {
	if len(bs) == 0 {
		return nil, ErrNoBunches
	}
	total := 0
	for _, b := range bs {
		total += b.DataBits
	}
	if bitbuf.BytesFor(total) > config.MaxLargeBunchBytes {
		return nil, ErrLargeBunchTooBig
	}

	out := &bunch.Bunch{}
	out.CopyHeader(bs[0])
	out.Partial, out.PartialInitial, out.PartialFinal = false, false, false
	out.Close = bs[len(bs)-1].Close
	out.CloseReason = bs[len(bs)-1].CloseReason

	buf := make([]byte, bitbuf.BytesFor(total))
	w := bitbuf.NewWriter(buf)
	for _, b := range bs {
		if err := w.WriteBits(b.Data, b.DataBits); err != nil {
			return nil, err
		}
	}
	out.SetData(buf, total)
	return out, nil
}

// SendLarge splits a payload and sends the resulting run.
func (c *Conn) SendLarge(tmpl *bunch.Bunch, data []byte, numBits int) (PacketIDRange, error) {
	bs, err := SplitBunch(tmpl, data, numBits)
	if err != nil {
		return noPackets, err
	}
	return c.SendBunches(bs)
}
