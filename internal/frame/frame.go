// Package frame builds and parses the Ethernet/IPv4/UDP test frames used by
// the traffic generators. Each frame carries a 32-bit sequence number at the
// start of its UDP payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	headerLen = 14 + 20 + 8
	// MinSize is the smallest frame that fits the headers and a sequence
	// number.
	MinSize = headerLen + 4
)

var ErrNotUDP = errors.New("frame is not IPv4/UDP")

// Flow describes the addresses of generated frames.
type Flow struct {
	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// Builder serializes frames of one flow. Not safe for concurrent use.
type Builder struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload []byte

	buf  gopacket.SerializeBuffer
	opts gopacket.SerializeOptions
}

func NewBuilder(f Flow) (*Builder, error) {
	src, dst := f.SrcIP.To4(), f.DstIP.To4()
	if src == nil || dst == nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotUDP, f.SrcIP, f.DstIP)
	}
	b := &Builder{
		eth: layers.Ethernet{
			SrcMAC:       f.SrcMAC,
			DstMAC:       f.DstMAC,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src,
			DstIP:    dst,
		},
		udp: layers.UDP{
			SrcPort: layers.UDPPort(f.SrcPort),
			DstPort: layers.UDPPort(f.DstPort),
		},
		buf: gopacket.NewSerializeBuffer(),
		opts: gopacket.SerializeOptions{
			FixLengths:       true,
			ComputeChecksums: true,
		},
	}
	if err := b.udp.SetNetworkLayerForChecksum(&b.ip); err != nil {
		return nil, err
	}
	return b, nil
}

// Build returns a frame of size bytes carrying seq. size is raised to
// MinSize if smaller. The result is only valid until the next call.
func (b *Builder) Build(seq uint32, size int) ([]byte, error) {
	size = max(size, MinSize)
	if cap(b.payload) < size-headerLen {
		b.payload = make([]byte, size-headerLen)
	}
	b.payload = b.payload[:size-headerLen]
	binary.BigEndian.PutUint32(b.payload, seq)

	if err := gopacket.SerializeLayers(b.buf, b.opts,
		&b.eth, &b.ip, &b.udp, gopacket.Payload(b.payload),
	); err != nil {
		return nil, err
	}
	return b.buf.Bytes(), nil
}

// Parser extracts sequence numbers from received frames.
// Not safe for concurrent use.
type Parser struct {
	eth     layers.Ethernet
	ip      layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&p.eth, &p.ip, &p.udp, &p.payload)
	p.parser.IgnoreUnsupported = true
	return p
}

// Seq returns the sequence number carried by frame.
func (p *Parser) Seq(frame []byte) (uint32, error) {
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotUDP, err)
	}
	var udp bool
	for _, t := range p.decoded {
		if t == layers.LayerTypeUDP {
			udp = true
		}
	}
	if !udp || len(p.udp.Payload) < 4 {
		return 0, ErrNotUDP
	}
	return binary.BigEndian.Uint32(p.udp.Payload), nil
}
