// Package ringbuf is a fixed-capacity FIFO of 32-bit words. Queueing onto a
// full buffer evicts the oldest word.
package ringbuf

// Capacity is the slot count. One slot always stays empty.
const Capacity = 256

const mask = Capacity - 1

type Ring struct {
	head uint32
	tail uint32
	buf  [Capacity]uint32
}

func (r *Ring) Len() int {
	return int((r.head - r.tail) & mask)
}

func (r *Ring) Empty() bool { return r.head == r.tail }

func (r *Ring) Full() bool { return (r.head-r.tail)&mask == mask }

func (r *Ring) Queue(v uint32) {
	if r.Full() {
		r.tail = (r.tail + 1) & mask
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) & mask
}

func (r *Ring) Dequeue() (uint32, bool) {
	if r.Empty() {
		return 0, false
	}
	v := r.buf[r.tail]
	r.tail = (r.tail + 1) & mask
	return v, true
}

// Peek returns the oldest word without removing it.
func (r *Ring) Peek() (uint32, bool) {
	if r.Empty() {
		return 0, false
	}
	return r.buf[r.tail], true
}

func (r *Ring) Reset() {
	r.head, r.tail = 0, 0
}
