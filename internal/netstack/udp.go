package netstack

import "net/netip"

// BuildUDPReply serializes a UDP datagram from the engine back to the
// tunneled peer, carrying payload as-is. Exported for internal/flow's
// UDP demultiplexer, which has no per-flow control block (UDP is
// datagram-oriented, unlike TCB's segment reassembly).
func BuildUDPReply(localIP, remoteIP netip.Addr, localPort, remotePort uint16, payload []byte) ([]byte, error) {
	return buildIPv4UDP(localIP, remoteIP, localPort, remotePort, payload)
}
