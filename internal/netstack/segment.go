// Package netstack implements the engine's userspace TCP/IP stack: one
// TCP control block per flow, a UDP demultiplexer, and nothing else —
// no internal timers or goroutines. Every state transition, retransmit,
// and TIME_WAIT expiry happens inside Poll, called by the flow manager
// once per boundary poll tick. Segment synthesis reuses
// github.com/google/gopacket/layers' serialization, the same library
// the parser decodes with, so checksum computation lives in one place.
package netstack

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// SegmentFlags selects which TCP control bits are set on a synthesized
// segment.
type SegmentFlags struct {
	SYN, ACK, FIN, RST, PSH bool
}

// buildIPv4TCP serializes a complete IPv4+TCP datagram with the given
// fields and payload. mss is included as a TCP MSS option when SYN is
// set; zero suppresses the option.
func buildIPv4TCP(localIP, remoteIP netip.Addr, localPort, remotePort uint16, seq, ack uint32, flags SegmentFlags, window uint16, mss uint16, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    localIP.AsSlice(),
		DstIP:    remoteIP.AsSlice(),
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(localPort),
		DstPort: layers.TCPPort(remotePort),
		Seq:     seq,
		Ack:     ack,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		FIN:     flags.FIN,
		RST:     flags.RST,
		PSH:     flags.PSH,
		Window:  window,
	}
	if flags.SYN && mss > 0 {
		opt := layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(mss >> 8), byte(mss)},
		}
		tcp.Options = append(tcp.Options, opt)
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// buildIPv4UDP serializes a complete IPv4+UDP datagram.
func buildIPv4UDP(localIP, remoteIP netip.Addr, localPort, remotePort uint16, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    localIP.AsSlice(),
		DstIP:    remoteIP.AsSlice(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(localPort),
		DstPort: layers.UDPPort(remotePort),
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}
