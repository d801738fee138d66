package packet

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return buf.Bytes()
}

func TestParseIPv4TCP(t *testing.T) {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 2).To4(), DstIP: net.IPv4(1, 2, 3, 4).To4()}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Seq: 1234, Window: 65535}
	tcp.SetNetworkLayerForChecksum(ip)

	p, err := Parse(serialize(t, ip, tcp))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", p.SrcIP.String())
	assert.Equal(t, "1.2.3.4", p.DstIP.String())
	assert.Equal(t, ProtoTCP, p.Proto)
	assert.Equal(t, uint16(40000), p.SrcPort)
	assert.Equal(t, uint16(80), p.DstPort)
	require.NotNil(t, p.TCP)
	assert.True(t, p.TCP.SYN)
	assert.Equal(t, uint32(1234), p.TCP.Seq)
	assert.False(t, p.IsIPv6)
	assert.Empty(t, p.Payload)
}

func TestParseIPv4UDPWithPayload(t *testing.T) {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IPv4(10, 0, 0, 2).To4(), DstIP: net.IPv4(8, 8, 8, 8).To4()}
	udp := &layers.UDP{SrcPort: 50000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	payload := []byte("dns query")

	p, err := Parse(serialize(t, ip, udp, gopacket.Payload(payload)))
	require.NoError(t, err)
	assert.Equal(t, ProtoUDP, p.Proto)
	assert.Equal(t, uint16(50000), p.SrcPort)
	assert.Equal(t, uint16(53), p.DstPort)
	assert.Equal(t, payload, p.Payload)
}

func TestParseICMP(t *testing.T) {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IPv4(10, 0, 0, 2).To4(), DstIP: net.IPv4(1, 2, 3, 4).To4()}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)}

	p, err := Parse(serialize(t, ip, icmp))
	require.NoError(t, err)
	assert.Equal(t, ProtoICMP, p.Proto)
}

func TestParseIPv6TCP(t *testing.T) {
	ip := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolTCP,
		SrcIP: net.ParseIP("fd00::2"), DstIP: net.ParseIP("2001:db8::1")}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true}
	tcp.SetNetworkLayerForChecksum(ip)

	p, err := Parse(serialize(t, ip, tcp))
	require.NoError(t, err)
	assert.True(t, p.IsIPv6)
	assert.Equal(t, ProtoTCP, p.Proto)
	assert.Equal(t, "2001:db8::1", p.DstIP.String())
}

func TestParseInvalid(t *testing.T) {
	cases := map[string][]byte{
		"empty":           nil,
		"bad version":     {0x00, 0x01, 0x02},
		"truncated v4":    {0x45, 0x00, 0x00},
		"header past end": {0x4f, 0x00, 0x00, 0x14, 0, 0, 0, 0, 64, 6, 0, 0, 10, 0, 0, 2, 1, 2, 3, 4},
	}
	for name, data := range cases {
		_, err := Parse(data)
		require.Error(t, err, name)
		var ce *coreerr.Error
		require.True(t, errors.As(err, &ce), name)
		assert.Equal(t, coreerr.InvalidPacket, ce.Kind, name)
	}
}
