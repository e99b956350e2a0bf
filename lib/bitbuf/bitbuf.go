// Package bitbuf packs booleans, bounded integers and raw bit ranges into a
// byte buffer, least significant bit first within each byte.
//
// Every packet on the wire ends with a single terminating 1-bit. NewReader
// uses it to find the true bit length of a received datagram.
package bitbuf

import (
	"errors"
	"math/bits"
)

var (
	ErrOverflow     = errors.New("bitbuf: write overflow")
	ErrUnderflow    = errors.New("bitbuf: read past end")
	ErrZeroSize     = errors.New("bitbuf: empty buffer")
	ErrZeroLastByte = errors.New("bitbuf: last byte is zero")
	ErrBadMax       = errors.New("bitbuf: value max must be >= 2")
)

// CeilLog2 returns the number of bits needed to represent values in [0, v).
func CeilLog2(v uint32) int {
	if v <= 1 {
		return 0
	}
	return bits.Len32(v - 1)
}

// BytesFor rounds a bit count up to whole bytes.
func BytesFor(numBits int) int {
	return (numBits + 7) >> 3
}

func getBit(buf []byte, pos int) bool {
	return buf[pos>>3]&(1<<(pos&7)) != 0
}

func setBit(buf []byte, pos int, v bool) {
	if v {
		buf[pos>>3] |= 1 << (pos & 7)
	} else {
		buf[pos>>3] &^= 1 << (pos & 7)
	}
}

// CopyBits copies n bits from src starting at bit srcPos into dst starting
// at bit dstPos. Bits of dst outside the destination range are preserved.
func CopyBits(dst []byte, dstPos int, src []byte, srcPos int, n int) {
	// byte-aligned fast path
	if dstPos&7 == 0 && srcPos&7 == 0 {
		whole := n >> 3
		copy(dst[dstPos>>3:dstPos>>3+whole], src[srcPos>>3:srcPos>>3+whole])
		done := whole << 3
		dstPos += done
		srcPos += done
		n -= done
	}
	for i := 0; i < n; i++ {
		setBit(dst, dstPos+i, getBit(src, srcPos+i))
	}
}

// Writer appends bits to a caller-owned byte buffer.
type Writer struct {
	buf  []byte
	num  int
	size int
}

// NewWriter zeroes buf and returns a writer positioned at bit 0.
func NewWriter(buf []byte) *Writer {
	for i := range buf {
		buf[i] = 0
	}
	return &Writer{buf: buf, size: len(buf) * 8}
}

// Reuse returns a writer that continues an existing buffer at bit numBits.
// The bytes are left untouched.
func Reuse(buf []byte, numBits int) *Writer {
	return &Writer{buf: buf, num: numBits, size: len(buf) * 8}
}

// Bits is the number of bits written so far.
func (w *Writer) Bits() int { return w.num }

// Cap is the capacity of the buffer in bits.
func (w *Writer) Cap() int { return w.size }

// Free is the number of bits still available.
func (w *Writer) Free() int { return w.size - w.num }

// Seek moves the cursor to an absolute bit position.
func (w *Writer) Seek(pos int) {
	w.num = pos
}

// Bytes returns the written bytes, the last one possibly partial.
func (w *Writer) Bytes() []byte {
	return w.buf[:BytesFor(w.num)]
}

func (w *Writer) fits(n int) bool {
	return n >= 0 && w.num+n <= w.size
}

func (w *Writer) WriteBit(v bool) error {
	if !w.fits(1) {
		return ErrOverflow
	}
	setBit(w.buf, w.num, v)
	w.num++
	return nil
}

// WriteEnd writes the terminating 1-bit.
func (w *Writer) WriteEnd() error {
	return w.WriteBit(true)
}

// WriteBits copies the first n bits of src.
func (w *Writer) WriteBits(src []byte, n int) error {
	if !w.fits(n) {
		return ErrOverflow
	}
	if BytesFor(n) > len(src) {
		return ErrUnderflow
	}
	CopyBits(w.buf, w.num, src, 0, n)
	w.num += n
	return nil
}

func (w *Writer) WriteBytes(src []byte) error {
	return w.WriteBits(src, len(src)*8)
}

// WriteInt writes v in the minimum number of bits for [0, max). Bits are
// dropped once no larger value could follow, which only happens when max
// is not a power of two.
func (w *Writer) WriteInt(v, max uint32) error {
	if max < 2 {
		return ErrBadMax
	}
	if !w.fits(CeilLog2(max)) {
		return ErrOverflow
	}
	var acc uint32
	for mask := uint32(1); acc+mask < max && mask != 0; mask <<= 1 {
		set := v&mask != 0
		setBit(w.buf, w.num, set)
		if set {
			acc += mask
		}
		w.num++
	}
	return nil
}

// WriteIntWrapped always writes exactly CeilLog2(max) bits holding v mod
// 2^CeilLog2(max).
func (w *Writer) WriteIntWrapped(v, max uint32) error {
	if max < 2 {
		return ErrBadMax
	}
	n := CeilLog2(max)
	if !w.fits(n) {
		return ErrOverflow
	}
	for i := 0; i < n; i++ {
		setBit(w.buf, w.num, v&(1<<i) != 0)
		w.num++
	}
	return nil
}

// WriteIntPacked writes v as 7-bit groups, low group first. Each byte holds
// the group in its upper 7 bits and a continuation flag in bit 0.
func (w *Writer) WriteIntPacked(v uint32) error {
	var tmp [5]byte
	n := 0
	for {
		b := byte(v&0x7f) << 1
		v >>= 7
		if v > 0 {
			b |= 1
		}
		tmp[n] = b
		n++
		if v == 0 {
			break
		}
	}
	return w.WriteBytes(tmp[:n])
}

// WriteUint32 writes v as 4 raw little-endian bytes.
func (w *Writer) WriteUint32(v uint32) error {
	b := [4]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return w.WriteBytes(b[:])
}

// WriteUint64 writes v as 8 raw little-endian bytes.
func (w *Writer) WriteUint64(v uint64) error {
	var b [8]byte
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	return w.WriteBytes(b[:])
}

// Reader consumes bits from a received buffer.
type Reader struct {
	buf  []byte
	num  int
	size int
}

// NewReader prepares buf for reading. The terminating 1-bit and any zero
// padding after it are excluded from Size.
func NewReader(buf []byte) (*Reader, error) {
	if len(buf) == 0 {
		return nil, ErrZeroSize
	}
	last := buf[len(buf)-1]
	if last == 0 {
		return nil, ErrZeroLastByte
	}
	size := len(buf)*8 - 1
	for last&0x80 == 0 {
		last <<= 1
		size--
	}
	return &Reader{buf: buf, size: size}, nil
}

// NewRawReader reads exactly numBits bits of buf, without looking for a
// terminator.
func NewRawReader(buf []byte, numBits int) *Reader {
	if numBits > len(buf)*8 {
		numBits = len(buf) * 8
	}
	return &Reader{buf: buf, size: numBits}
}

func (r *Reader) Pos() int  { return r.num }
func (r *Reader) Size() int { return r.size }
func (r *Reader) Left() int { return r.size - r.num }

// Truncate drops n bits from the end of the readable range.
func (r *Reader) Truncate(n int) {
	r.size -= n
	if r.size < r.num {
		r.size = r.num
	}
}

func (r *Reader) has(n int) bool {
	return n >= 0 && r.num+n <= r.size
}

func (r *Reader) ReadBit() (bool, error) {
	if !r.has(1) {
		return false, ErrUnderflow
	}
	v := getBit(r.buf, r.num)
	r.num++
	return v, nil
}

// ReadBits reads n bits into dst, which must hold BytesFor(n) bytes. Unused
// high bits of the last byte are cleared.
func (r *Reader) ReadBits(dst []byte, n int) error {
	if !r.has(n) {
		return ErrUnderflow
	}
	if BytesFor(n) > len(dst) {
		return ErrOverflow
	}
	if n == 0 {
		return nil
	}
	dst[BytesFor(n)-1] = 0
	CopyBits(dst, 0, r.buf, r.num, n)
	r.num += n
	return nil
}

func (r *Reader) ReadBytes(dst []byte) error {
	return r.ReadBits(dst, len(dst)*8)
}

// ReadInt mirrors Writer.WriteInt.
func (r *Reader) ReadInt(max uint32) (uint32, error) {
	var v uint32
	pos := r.num
	for mask := uint32(1); v+mask < max && mask != 0; mask <<= 1 {
		if pos >= r.size {
			return 0, ErrUnderflow
		}
		if getBit(r.buf, pos) {
			v |= mask
		}
		pos++
	}
	r.num = pos
	return v, nil
}

// ReadIntWrapped mirrors Writer.WriteIntWrapped.
func (r *Reader) ReadIntWrapped(max uint32) (uint32, error) {
	n := CeilLog2(max)
	if !r.has(n) {
		return 0, ErrUnderflow
	}
	var v uint32
	for i := 0; i < n; i++ {
		if getBit(r.buf, r.num) {
			v |= 1 << i
		}
		r.num++
	}
	return v, nil
}

// ReadIntPacked mirrors Writer.WriteIntPacked.
func (r *Reader) ReadIntPacked() (uint32, error) {
	var v uint32
	var b [1]byte
	for shift := 0; ; shift += 7 {
		if shift >= 35 {
			return 0, ErrOverflow
		}
		if err := r.ReadBytes(b[:]); err != nil {
			return 0, err
		}
		v |= uint32(b[0]>>1) << shift
		if b[0]&1 == 0 {
			return v, nil
		}
	}
}

func (r *Reader) ReadUint32() (uint32, error) {
	var b [4]byte
	if err := r.ReadBytes(b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	var b [8]byte
	if err := r.ReadBytes(b[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := range b {
		v |= uint64(b[i]) << (8 * i)
	}
	return v, nil
}
