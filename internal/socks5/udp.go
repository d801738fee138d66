package socks5

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 65535)
		return &b
	},
}

// UDPAssoc wraps a UDP socket to a SOCKS5 UDP relay, transparently
// adding/stripping the RFC 1928 §7 UDP request header. The TCP control
// connection must stay open for the relay's lifetime; closing it
// terminates the association server-side.
type UDPAssoc struct {
	udpConn    *net.UDPConn
	tcpCtrl    net.Conn
	relayAddr  *net.UDPAddr
	targetHost string
	targetPort uint16
}

// AssociateUDP performs the SOCKS5 UDP ASSOCIATE handshake and returns a
// net.Conn-like object fixed to targetAddr.
func (c *Client) AssociateUDP(ctx context.Context, targetAddr string) (*UDPAssoc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	d := net.Dialer{}
	tcpConn, err := d.DialContext(ctx, "tcp", c.ServerAddr)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "dial socks5 server", err)
	}

	if err := handshake(tcpConn, c.Auth); err != nil {
		tcpConn.Close()
		return nil, err
	}

	req := []byte{version, cmdUDPAssoc, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := tcpConn.Write(req); err != nil {
		tcpConn.Close()
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "send UDP ASSOCIATE", err)
	}

	bndAddr, err := readReply(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, err
	}

	relayAddr := &net.UDPAddr{IP: bndAddr.IP, Port: bndAddr.Port}
	if relayAddr.IP.IsUnspecified() {
		serverHost, _, _ := net.SplitHostPort(c.ServerAddr)
		relayAddr.IP = net.ParseIP(serverHost)
	}

	udpConn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		tcpConn.Close()
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "dial socks5 udp relay", err)
	}

	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		udpConn.Close()
		tcpConn.Close()
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "invalid target address", err)
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	a := &UDPAssoc{
		udpConn:    udpConn,
		tcpCtrl:    tcpConn,
		relayAddr:  relayAddr,
		targetHost: host,
		targetPort: port,
	}
	go a.monitorControl()
	return a, nil
}

func (a *UDPAssoc) monitorControl() {
	buf := make([]byte, 1)
	a.tcpCtrl.Read(buf)
	a.udpConn.Close()
}

// Write sends b as a single datagram to the association's fixed target,
// prefixed with the SOCKS5 UDP header.
func (a *UDPAssoc) Write(b []byte) (int, error) {
	header := buildUDPHeader(a.targetHost, a.targetPort)
	pkt := make([]byte, len(header)+len(b))
	copy(pkt, header)
	copy(pkt[len(header):], b)

	if _, err := a.udpConn.Write(pkt); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read receives one datagram from the relay, stripping the SOCKS5 UDP
// header before copying the payload into b.
func (a *UDPAssoc) Read(b []byte) (int, error) {
	bp := readBufPool.Get().(*[]byte)
	defer readBufPool.Put(bp)
	buf := *bp

	n, err := a.udpConn.Read(buf)
	if err != nil {
		return 0, err
	}

	offset, err := udpHeaderLen(buf[:n])
	if err != nil {
		return 0, coreerr.Wrap(coreerr.InvalidPacket, "parse socks5 udp relay header", err)
	}

	payload := buf[offset:n]
	copy(b, payload)
	if len(payload) > len(b) {
		return len(b), nil
	}
	return len(payload), nil
}

// Close tears down both the UDP socket and the TCP control connection.
func (a *UDPAssoc) Close() error {
	a.udpConn.Close()
	a.tcpCtrl.Close()
	return nil
}

func (a *UDPAssoc) LocalAddr() net.Addr { return a.udpConn.LocalAddr() }

func (a *UDPAssoc) RemoteAddr() net.Addr {
	ap, err := netip.ParseAddrPort(fmt.Sprintf("%s:%d", a.targetHost, a.targetPort))
	if err != nil {
		return a.relayAddr
	}
	return net.UDPAddrFromAddrPort(ap)
}

func (a *UDPAssoc) SetDeadline(t time.Time) error      { return a.udpConn.SetDeadline(t) }
func (a *UDPAssoc) SetReadDeadline(t time.Time) error  { return a.udpConn.SetReadDeadline(t) }
func (a *UDPAssoc) SetWriteDeadline(t time.Time) error { return a.udpConn.SetWriteDeadline(t) }

// buildUDPHeader constructs the SOCKS5 UDP request header: RSV(2) +
// FRAG(1) + ATYP + DST.ADDR + DST.PORT.
func buildUDPHeader(host string, port uint16) []byte {
	header := []byte{0x00, 0x00, 0x00}
	return append(header, buildAddr(host, port)...)
}

// udpHeaderLen returns the byte length of the SOCKS5 UDP header
// prefixing pkt.
func udpHeaderLen(pkt []byte) (int, error) {
	if len(pkt) < 4 {
		return 0, fmt.Errorf("packet too short")
	}
	switch pkt[3] {
	case atypIPv4:
		if len(pkt) < 10 {
			return 0, fmt.Errorf("packet too short for IPv4")
		}
		return 10, nil
	case atypIPv6:
		if len(pkt) < 22 {
			return 0, fmt.Errorf("packet too short for IPv6")
		}
		return 22, nil
	case atypDomain:
		if len(pkt) < 5 {
			return 0, fmt.Errorf("packet too short for domain")
		}
		domainLen := int(pkt[4])
		total := 4 + 1 + domainLen + 2
		if len(pkt) < total {
			return 0, fmt.Errorf("packet too short for domain name")
		}
		return total, nil
	default:
		return 0, fmt.Errorf("unsupported address type %d", pkt[3])
	}
}
