package netstack

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peerIP   = netip.MustParseAddr("10.0.0.2")
	destIP   = netip.MustParseAddr("1.2.3.4")
	baseTime = time.Unix(1_700_000_000, 0)
)

func decodeTCP(t *testing.T, raw []byte) (*layers.IPv4, *layers.TCP) {
	t.Helper()
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ipL := pkt.Layer(layers.LayerTypeIPv4)
	require.NotNil(t, ipL)
	tcpL := pkt.Layer(layers.LayerTypeTCP)
	require.NotNil(t, tcpL)
	return ipL.(*layers.IPv4), tcpL.(*layers.TCP)
}

func handshake(t *testing.T, isn uint32) *TCB {
	t.Helper()
	tcb := NewTCB(destIP, 80, peerIP, 40000, isn, baseTime, Limits{})
	tcb.Accept()

	segs := tcb.Poll(baseTime)
	require.Len(t, segs, 1)
	ip, tcp := decodeTCP(t, segs[0].Bytes)
	assert.Equal(t, destIP.String(), ip.SrcIP.String())
	assert.Equal(t, peerIP.String(), ip.DstIP.String())
	assert.True(t, tcp.SYN)
	assert.True(t, tcp.ACK)
	assert.Equal(t, isn+1, tcp.Ack)

	tcb.OnSegment(SegmentFlags{ACK: true}, isn+1, tcp.Seq+1, 65535, nil, baseTime)
	require.Equal(t, StateEstablished, tcb.State)
	return tcb
}

func TestHandshakeSynAck(t *testing.T) {
	handshake(t, 1000)
}

func TestReceiveDataAndAck(t *testing.T) {
	tcb := handshake(t, 1000)

	accepted := tcb.OnSegment(SegmentFlags{ACK: true, PSH: true}, 1001, 0, 65535, []byte("hello"), baseTime)
	assert.True(t, accepted)
	assert.Equal(t, []byte("hello"), tcb.Read(0))

	// The delayed-ACK timer fires within one poll cadence.
	segs := tcb.Poll(baseTime.Add(delayedAckDur))
	require.Len(t, segs, 1)
	_, tcp := decodeTCP(t, segs[0].Bytes)
	assert.True(t, tcp.ACK)
	assert.Equal(t, uint32(1001+5), tcp.Ack)
}

func TestOutOfOrderSegmentNotAccepted(t *testing.T) {
	tcb := handshake(t, 1000)
	accepted := tcb.OnSegment(SegmentFlags{ACK: true}, 2000, 0, 65535, []byte("future"), baseTime)
	assert.False(t, accepted)
	assert.Empty(t, tcb.Read(0))
}

func TestSendDataAndRetransmit(t *testing.T) {
	tcb := handshake(t, 1000)

	n := tcb.Write([]byte("response"))
	assert.Equal(t, 8, n)

	segs := tcb.Poll(baseTime)
	require.Len(t, segs, 1)
	_, tcp := decodeTCP(t, segs[0].Bytes)
	assert.Equal(t, []byte("response"), []byte(tcp.Payload))
	firstSeq := tcp.Seq

	// Unacked past the retransmit deadline: the same bytes go out again.
	segs = tcb.Poll(baseTime.Add(retransmitDur + time.Millisecond))
	require.Len(t, segs, 1)
	_, tcp = decodeTCP(t, segs[0].Bytes)
	assert.Equal(t, firstSeq, tcp.Seq)
	assert.Equal(t, []byte("response"), []byte(tcp.Payload))

	// Peer acks: retransmission stops.
	tcb.OnSegment(SegmentFlags{ACK: true}, 1001, firstSeq+8, 65535, nil, baseTime)
	segs = tcb.Poll(baseTime.Add(10 * retransmitDur))
	assert.Empty(t, segs)
}

func TestWriteBackpressure(t *testing.T) {
	tcb := handshake(t, 1000)

	big := make([]byte, defaultBufferBytes)
	assert.Equal(t, defaultBufferBytes, tcb.Write(big))
	// Buffer is full; further writes are refused until drained.
	assert.Equal(t, 0, tcb.Write([]byte("x")))
}

func TestConfiguredLimits(t *testing.T) {
	tcb := NewTCB(destIP, 80, peerIP, 40000, 1000, baseTime,
		Limits{RecvBufferBytes: 1024, SendBufferBytes: 512, TimeWait: time.Second})
	tcb.Accept()

	segs := tcb.Poll(baseTime)
	require.Len(t, segs, 1)
	_, synAck := decodeTCP(t, segs[0].Bytes)
	// The advertised window reflects the configured receive cap.
	assert.Equal(t, uint16(1024), synAck.Window)

	tcb.OnSegment(SegmentFlags{ACK: true}, 1001, synAck.Seq+1, 65535, nil, baseTime)
	require.Equal(t, StateEstablished, tcb.State)

	assert.Equal(t, 512, tcb.Write(make([]byte, 4096)))

	tcb.OnSegment(SegmentFlags{ACK: true}, 1001, 0, 65535, make([]byte, 4096), baseTime)
	assert.Len(t, tcb.Read(0), 1024)
}

func TestAdvertisedWindowShrinks(t *testing.T) {
	tcb := handshake(t, 1000)
	full := tcb.advertisedWindow()

	tcb.OnSegment(SegmentFlags{ACK: true}, 1001, 0, 65535, make([]byte, 4096), baseTime)
	assert.Less(t, tcb.advertisedWindow(), full)

	tcb.Read(0)
	assert.Equal(t, full, tcb.advertisedWindow())
}

func TestAbortEmitsRst(t *testing.T) {
	tcb := handshake(t, 1000)
	tcb.Abort()

	segs := tcb.Poll(baseTime)
	require.Len(t, segs, 1)
	_, tcp := decodeTCP(t, segs[0].Bytes)
	assert.True(t, tcp.RST)
	assert.True(t, tcb.Done())
}

func TestPeerFinMovesToCloseWait(t *testing.T) {
	tcb := handshake(t, 1000)

	tcb.OnSegment(SegmentFlags{ACK: true, FIN: true}, 1001, 0, 65535, nil, baseTime)
	assert.Equal(t, StateCloseWait, tcb.State)

	// Graceful close from our side moves to LastAck; the next poll emits a FIN.
	tcb.CloseGracefully()
	assert.Equal(t, StateLastAck, tcb.State)

	var sawFin bool
	for _, seg := range tcb.Poll(baseTime.Add(delayedAckDur)) {
		_, tcp := decodeTCP(t, seg.Bytes)
		if tcp.FIN {
			sawFin = true
			assert.Equal(t, uint32(1002), tcp.Ack)
		}
	}
	assert.True(t, sawFin)
}

func TestPeerRstClosesImmediately(t *testing.T) {
	tcb := handshake(t, 1000)
	tcb.OnSegment(SegmentFlags{RST: true}, 1001, 0, 0, nil, baseTime)
	assert.True(t, tcb.Done())
}
