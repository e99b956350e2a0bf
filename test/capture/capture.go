// Package capture records utcp datagrams as pcap files and reads them back.
// Frames are raw IPv4/UDP, link type LINKTYPE_RAW, which wireshark and
// gopacket both decode without an Ethernet header.
package capture

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	SnapLen  = 65536
	LinkType = layers.LinkTypeRaw
)

var ErrNotIPv4 = errors.New("capture: only IPv4 endpoints are recorded")

// Writer appends datagrams to a pcap stream. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	c  io.Closer
	w  *pcapgo.Writer
}

// Create writes a new capture file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.c = f
	return w, nil
}

// NewWriter writes the file header to out.
func NewWriter(out io.Writer) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(SnapLen, LinkType); err != nil {
		return nil, err
	}
	return &Writer{w: w}, nil
}

// EncodeFrame builds the IPv4/UDP frame carrying payload.
func EncodeFrame(src, dst *net.UDPAddr, payload []byte) ([]byte, error) {
	srcIP, dstIP := src.IP.To4(), dst.IP.To4()
	if srcIP == nil || dstIP == nil {
		return nil, ErrNotIPv4
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port),
		DstPort: layers.UDPPort(dst.Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (w *Writer) Write(src, dst *net.UDPAddr, payload []byte, at time.Time) error {
	frame, err := EncodeFrame(src, dst, payload)
	if err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     at,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.WritePacket(ci, frame)
}

// Close closes the file opened by Create. It does nothing for NewWriter.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}

// Decoder picks the first layer decoder for a capture's link type.
// gopacket has no decoder registered for LINKTYPE_IPV4 and LINKTYPE_IPV6,
// so those start at the network layer directly.
func Decoder(lt layers.LinkType) gopacket.Decoder {
	switch lt {
	case layers.LinkTypeIPv4:
		return layers.LayerTypeIPv4
	case layers.LinkTypeIPv6:
		return layers.LayerTypeIPv6
	}
	return lt
}

// NewPacketSource reads a pcap stream and decodes its packets.
func NewPacketSource(r io.Reader) (*gopacket.PacketSource, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, err
	}
	return gopacket.NewPacketSource(pr, Decoder(pr.LinkType())), nil
}
