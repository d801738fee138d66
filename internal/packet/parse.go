// Package packet decodes raw IP datagrams delivered by the virtual
// device into the addressing and transport fields the NAT table and
// rule engine key off. Decoding starts at the IP layer: a TUN device
// hands the engine bare IP datagrams with no link-layer framing.
package packet

import (
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

// Proto identifies the transport protocol carried by a parsed datagram.
type Proto uint8

const (
	ProtoTCP  Proto = 6
	ProtoUDP  Proto = 17
	ProtoICMP Proto = 1
	ProtoOther Proto = 0
)

// Parsed is the result of decoding one IP datagram: addressing and
// transport header fields needed for NAT and rule evaluation, plus a
// reference to the payload slice (no copy).
type Parsed struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	Proto   Proto
	SrcPort uint16
	DstPort uint16
	TCP     *layers.TCP
	UDP     *layers.UDP
	Payload []byte
	IsIPv6  bool
}

// ctx is pooled parser state: one gopacket.DecodingLayerParser plus its
// backing layer structs, reused across Parse calls to avoid per-packet
// allocation on the hot boundary path.
type ctx struct {
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	icmp4   layers.ICMPv4
	payload gopacket.Payload
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newCtx(first gopacket.LayerType) *ctx {
	c := &ctx{decoded: make([]gopacket.LayerType, 0, 4)}
	c.parser = gopacket.NewDecodingLayerParser(
		first, &c.ip4, &c.ip6, &c.tcp, &c.udp, &c.icmp4, &c.payload,
	)
	c.parser.IgnoreUnsupported = true
	return c
}

var pool4 = sync.Pool{New: func() any { return newCtx(layers.LayerTypeIPv4) }}
var pool6 = sync.Pool{New: func() any { return newCtx(layers.LayerTypeIPv6) }}

// Parse decodes a single raw IP datagram (v4 or v6, detected from the
// first nibble). The returned Parsed's Payload/TCP/UDP fields alias data
// directly; data must not be reused by the caller until Parsed is done
// with it.
func Parse(data []byte) (Parsed, error) {
	if len(data) < 1 {
		return Parsed{}, coreerr.New(coreerr.InvalidPacket, "empty datagram")
	}

	version := data[0] >> 4
	var p *sync.Pool
	switch version {
	case 4:
		p = &pool4
	case 6:
		p = &pool6
	default:
		return Parsed{}, coreerr.New(coreerr.InvalidPacket, "unsupported IP version")
	}

	c := p.Get().(*ctx)
	defer p.Put(c)

	if err := c.parser.DecodeLayers(data, &c.decoded); err != nil {
		return Parsed{}, coreerr.Wrap(coreerr.InvalidPacket, "decode IP datagram", err)
	}

	var out Parsed
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			out.SrcIP, _ = netip.AddrFromSlice(c.ip4.SrcIP)
			out.DstIP, _ = netip.AddrFromSlice(c.ip4.DstIP)
		case layers.LayerTypeIPv6:
			out.IsIPv6 = true
			out.SrcIP, _ = netip.AddrFromSlice(c.ip6.SrcIP)
			out.DstIP, _ = netip.AddrFromSlice(c.ip6.DstIP)
		case layers.LayerTypeTCP:
			out.Proto = ProtoTCP
			out.SrcPort = uint16(c.tcp.SrcPort)
			out.DstPort = uint16(c.tcp.DstPort)
			tcp := c.tcp
			out.TCP = &tcp
		case layers.LayerTypeUDP:
			out.Proto = ProtoUDP
			out.SrcPort = uint16(c.udp.SrcPort)
			out.DstPort = uint16(c.udp.DstPort)
			udp := c.udp
			out.UDP = &udp
		case layers.LayerTypeICMPv4:
			out.Proto = ProtoICMP
		}
	}

	if out.TCP != nil {
		out.Payload = out.TCP.Payload
	} else if out.UDP != nil {
		out.Payload = out.UDP.Payload
	} else {
		// c.payload is pooled state: only trust it if this decode actually
		// produced a payload layer.
		for _, lt := range c.decoded {
			if lt == gopacket.LayerTypePayload {
				out.Payload = c.payload
				break
			}
		}
	}

	if !out.SrcIP.IsValid() || !out.DstIP.IsValid() {
		return Parsed{}, coreerr.New(coreerr.InvalidPacket, "missing IP addresses")
	}
	return out, nil
}
