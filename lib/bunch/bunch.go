// Package bunch encodes and decodes the header and payload of a single
// application message ("bunch").
//
// The header layout is described once, as an ordered field table, and the
// same table drives both the writer and the reader.
package bunch

import (
	"errors"
	"fmt"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bitbuf"
)

const (
	// MaxSingleBunchBits is the largest payload a single bunch may carry in
	// one packet alongside the packet header.
	MaxSingleBunchBits  = 7265
	MaxSingleBunchBytes = MaxSingleBunchBits / 8
	// MaxPartialBits is the payload size of every non-final fragment.
	MaxPartialBits = MaxSingleBunchBytes * 8
	// MaxDataBits bounds the data length field.
	MaxDataBits = config.MaxPacket * 8
)

var (
	ErrBadChannelIndex = errors.New("bunch: channel index out of range")
	ErrNotHardcoded    = errors.New("bunch: channel name is not hardcoded")
	ErrDataTooLong     = errors.New("bunch: data exceeds max packet size")
)

// Bunch is one application message or one fragment of a larger message.
type Bunch struct {
	ChIndex     uint16
	ChSequence  int32 // reliable sequence, or packet id for unreliable partials
	NameIndex   uint32
	CloseReason uint8

	Open                 bool
	Close                bool
	Reliable             bool
	ReplicationPaused    bool
	HasPackageMapExports bool
	HasMustBeMappedGUIDs bool
	Partial              bool
	PartialInitial       bool
	PartialFinal         bool

	DataBits int
	Data     []byte
}

// Bytes returns the payload trimmed to DataBits.
func (b *Bunch) Bytes() []byte {
	return b.Data[:bitbuf.BytesFor(b.DataBits)]
}

// SetData points the bunch at payload bits.
func (b *Bunch) SetData(data []byte, numBits int) {
	b.Data = data
	b.DataBits = numBits
}

// CopyHeader copies every header field of src, leaving Data alone.
func (b *Bunch) CopyHeader(src *Bunch) {
	data := b.Data
	*b = *src
	b.Data = data
}

func (b *Bunch) String() string {
	return fmt.Sprintf("ch=%d seq=%d rel=%t open=%t close=%t partial=%t/%t/%t bits=%d",
		b.ChIndex, b.ChSequence, b.Reliable, b.Open, b.Close, b.Partial, b.PartialInitial, b.PartialFinal, b.DataBits)
}

type encoding int

const (
	encBit encoding = iota
	encInt
	encWrapped
	encPacked
)

// state is what a field sees while the table is walked. control and
// hardcoded exist only on the wire.
type state struct {
	b         *Bunch
	control   bool
	hardcoded bool
}

type field struct {
	name string
	enc  encoding
	max  uint32
	when func(s *state) bool
	get  func(s *state) uint32
	set  func(s *state, v uint32) error
}

func always(*state) bool { return true }

func boolField(name string, when func(*state) bool, p func(s *state) *bool) field {
	return field{
		name: name,
		enc:  encBit,
		when: when,
		get: func(s *state) uint32 {
			if *p(s) {
				return 1
			}
			return 0
		},
		set: func(s *state, v uint32) error {
			*p(s) = v != 0
			return nil
		},
	}
}

func openOrReliable(s *state) bool { return s.b.Open || s.b.Reliable }

var header = []field{
	{
		name: "control",
		enc:  encBit,
		when: always,
		get: func(s *state) uint32 {
			s.control = s.b.Open || s.b.Close
			if s.control {
				return 1
			}
			return 0
		},
		set: func(s *state, v uint32) error {
			s.control = v != 0
			return nil
		},
	},
	boolField("open", func(s *state) bool { return s.control }, func(s *state) *bool { return &s.b.Open }),
	boolField("close", func(s *state) bool { return s.control }, func(s *state) *bool { return &s.b.Close }),
	{
		name: "close_reason",
		enc:  encInt,
		max:  config.CloseReasonMax,
		when: func(s *state) bool { return s.b.Close },
		get:  func(s *state) uint32 { return uint32(s.b.CloseReason) },
		set: func(s *state, v uint32) error {
			s.b.CloseReason = uint8(v)
			return nil
		},
	},
	boolField("replication_paused", always, func(s *state) *bool { return &s.b.ReplicationPaused }),
	boolField("reliable", always, func(s *state) *bool { return &s.b.Reliable }),
	// ch_index is a packed int on the wire, not a ranged int wrapped to
	// MaxChannels; out of range values are rejected on read.
	{
		name: "ch_index",
		enc:  encPacked,
		when: always,
		get:  func(s *state) uint32 { return uint32(s.b.ChIndex) },
		set: func(s *state, v uint32) error {
			if v >= config.MaxChannels {
				return ErrBadChannelIndex
			}
			s.b.ChIndex = uint16(v)
			return nil
		},
	},
	boolField("package_map_exports", always, func(s *state) *bool { return &s.b.HasPackageMapExports }),
	boolField("must_be_mapped_guids", always, func(s *state) *bool { return &s.b.HasMustBeMappedGUIDs }),
	boolField("partial", always, func(s *state) *bool { return &s.b.Partial }),
	{
		name: "ch_sequence",
		enc:  encWrapped,
		max:  config.MaxChannelSequence,
		when: func(s *state) bool { return s.b.Reliable },
		get:  func(s *state) uint32 { return uint32(s.b.ChSequence) },
		set: func(s *state, v uint32) error {
			s.b.ChSequence = int32(v)
			return nil
		},
	},
	boolField("partial_initial", func(s *state) bool { return s.b.Partial }, func(s *state) *bool { return &s.b.PartialInitial }),
	boolField("partial_final", func(s *state) bool { return s.b.Partial }, func(s *state) *bool { return &s.b.PartialFinal }),
	{
		name: "hardcoded",
		enc:  encBit,
		when: openOrReliable,
		get:  func(*state) uint32 { return 1 },
		set: func(s *state, v uint32) error {
			if v == 0 {
				return ErrNotHardcoded
			}
			s.hardcoded = true
			return nil
		},
	},
	{
		name: "name_index",
		enc:  encPacked,
		when: openOrReliable,
		get:  func(s *state) uint32 { return s.b.NameIndex },
		set: func(s *state, v uint32) error {
			s.b.NameIndex = v
			return nil
		},
	},
	{
		name: "data_bits",
		enc:  encWrapped,
		max:  MaxDataBits,
		when: always,
		get:  func(s *state) uint32 { return uint32(s.b.DataBits) },
		set: func(s *state, v uint32) error {
			s.b.DataBits = int(v)
			return nil
		},
	},
}

func (f *field) write(w *bitbuf.Writer, v uint32) error {
	switch f.enc {
	case encBit:
		return w.WriteBit(v != 0)
	case encInt:
		return w.WriteInt(v, f.max)
	case encWrapped:
		return w.WriteIntWrapped(v, f.max)
	default:
		return w.WriteIntPacked(v)
	}
}

func (f *field) read(r *bitbuf.Reader) (uint32, error) {
	switch f.enc {
	case encBit:
		b, err := r.ReadBit()
		if b {
			return 1, err
		}
		return 0, err
	case encInt:
		return r.ReadInt(f.max)
	case encWrapped:
		return r.ReadIntWrapped(f.max)
	default:
		return r.ReadIntPacked()
	}
}

// WriteHeader writes every header field of b. On failure the writer may
// hold a partial header; callers write into scratch space.
func WriteHeader(w *bitbuf.Writer, b *Bunch) error {
	if b.ChIndex >= config.MaxChannels {
		return ErrBadChannelIndex
	}
	if b.DataBits < 0 || b.DataBits >= MaxDataBits {
		return ErrDataTooLong
	}
	s := state{b: b}
	for i := range header {
		f := &header[i]
		if !f.when(&s) {
			continue
		}
		if err := f.write(w, f.get(&s)); err != nil {
			return fmt.Errorf("bunch: write %s: %w", f.name, err)
		}
	}
	return nil
}

// Write writes the header followed by the payload bits.
func Write(w *bitbuf.Writer, b *Bunch) error {
	if err := WriteHeader(w, b); err != nil {
		return err
	}
	if b.DataBits == 0 {
		return nil
	}
	if err := w.WriteBits(b.Data, b.DataBits); err != nil {
		return fmt.Errorf("bunch: write data: %w", err)
	}
	return nil
}

// Read decodes one bunch. The payload lands in b.Data, which is reused when
// its capacity allows.
func Read(r *bitbuf.Reader, b *Bunch) error {
	data := b.Data
	*b = Bunch{}
	s := state{b: b}
	for i := range header {
		f := &header[i]
		if !f.when(&s) {
			continue
		}
		v, err := f.read(r)
		if err != nil {
			return fmt.Errorf("bunch: read %s: %w", f.name, err)
		}
		if err := f.set(&s, v); err != nil {
			return err
		}
	}
	n := bitbuf.BytesFor(b.DataBits)
	if cap(data) < n {
		data = make([]byte, n)
	}
	b.Data = data[:cap(data)]
	if err := r.ReadBits(b.Data, b.DataBits); err != nil {
		return fmt.Errorf("bunch: read data: %w", err)
	}
	return nil
}

// HeaderBits returns the encoded header size of b in bits.
func HeaderBits(b *Bunch) int {
	var scratch [32]byte
	w := bitbuf.NewWriter(scratch[:])
	if err := WriteHeader(w, b); err != nil {
		return -1
	}
	return w.Bits()
}
