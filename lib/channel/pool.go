package channel

import (
	"errors"
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/utcp/config"
	"github.com/Clouded-Sabre/utcp/lib/bunch"
)

var ErrPoolExhausted = errors.New("channel: bunch node pool exhausted")

// Kind tags what a Node holds.
type Kind uint8

const (
	KindFree Kind = iota
	KindBunch
	KindRecord
)

func (k Kind) String() string {
	switch k {
	case KindBunch:
		return "bunch"
	case KindRecord:
		return "record"
	default:
		return "free"
	}
}

type queue uint8

const (
	queueNone queue = iota
	queueInRec
	queuePartial
	queueOutRec
)

// Record is a serialized reliable bunch waiting for its packet to be acked.
type Record struct {
	PacketID int32
	Bits     int
	Data     []byte
}

// Node is one pooled allocation. Exactly one of Bunch or Record is
// meaningful, depending on Kind.
type Node struct {
	Kind   Kind
	Bunch  bunch.Bunch
	Record Record

	owner queue
	el    *rp.Element
	buf   []byte
}

// Buf is the node's fixed payload storage.
func (n *Node) Buf() []byte { return n.buf }

// SetRecord copies numBits of src into the node and tags it as a record.
func (n *Node) SetRecord(packetID int32, src []byte, numBits int) error {
	size := (numBits + 7) >> 3
	if size > len(n.buf) || size > len(src) {
		return fmt.Errorf("channel: record of %d bits exceeds node capacity", numBits)
	}
	n.Kind = KindRecord
	copy(n.buf, src[:size])
	n.Record = Record{PacketID: packetID, Bits: numBits, Data: n.buf[:size]}
	return nil
}

// nodeData is the ring pool payload. It implements rp.DataInterface.
type nodeData struct {
	node Node
	buf  []byte
}

func newNodeData(params ...interface{}) rp.DataInterface {
	size := config.UDPMtuSize
	if len(params) == 1 {
		if n, ok := params[0].(int); ok && n > 0 {
			size = n
		}
	}
	d := &nodeData{buf: make([]byte, size)}
	d.node.buf = d.buf
	return d
}

func (d *nodeData) Reset() {
	d.node = Node{buf: d.buf}
	for i := range d.buf {
		d.buf[i] = 0
	}
}

func (d *nodeData) PrintContent() {
	fmt.Println("Node:", d.node.Kind, d.node.Bunch.String())
}

// Pool is a fixed-capacity arena of nodes. It never grows.
type Pool struct {
	ring  *rp.RingPool
	size  int
	inUse int
}

func NewPool(name string, size int) *Pool {
	return &Pool{
		ring: rp.NewRingPool(name, size, newNodeData, config.UDPMtuSize),
		size: size,
	}
}

func (p *Pool) Size() int  { return p.size }
func (p *Pool) InUse() int { return p.inUse }

// Get takes a free node and tags it with kind.
func (p *Pool) Get(kind Kind) (*Node, error) {
	if p.inUse >= p.size {
		return nil, ErrPoolExhausted
	}
	el := p.ring.GetElement()
	if el == nil {
		return nil, ErrPoolExhausted
	}
	d := el.Data.(*nodeData)
	d.node = Node{Kind: kind, el: el, buf: d.buf}
	if kind == KindBunch {
		d.node.Bunch.Data = d.buf
	}
	if rp.Debug {
		el.AddFootPrint("channel.Pool.Get")
	}
	p.inUse++
	return &d.node, nil
}

// Put returns n to the pool. A node still linked into a queue is not
// returned.
func (p *Pool) Put(n *Node) {
	if n == nil || n.el == nil || n.owner != queueNone {
		return
	}
	el := n.el
	n.el = nil
	n.Kind = KindFree
	p.ring.ReturnElement(el)
	p.inUse--
}
