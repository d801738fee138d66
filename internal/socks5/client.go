// Package socks5 implements a SOCKS5 client: RFC 1928 method negotiation
// and CONNECT, RFC 1929 username/password authentication, and RFC 1928
// §7 UDP ASSOCIATE. The wire format is written out here rather than
// delegated to golang.org/x/net/proxy because the engine owns its
// upstream dial path end to end: dial timeouts, error taxonomy, and
// the UDP relay header all need direct control.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/ZejiaJiang/voyage/internal/coreerr"
)

// Protocol constants (RFC 1928 / RFC 1929).
const (
	version = 0x05

	authNone          = 0x00
	authUserPassword  = 0x02
	authNoAcceptable  = 0xFF

	cmdConnect     = 0x01
	cmdUDPAssoc    = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSucceeded = 0x00

	userPassVersion   = 0x01
	userPassSucceeded = 0x00
)

// Auth holds optional username/password credentials.
type Auth struct {
	Username string
	Password string
}

// Client dials upstream connections through a single SOCKS5 server.
type Client struct {
	ServerAddr string
	Auth       *Auth
	Timeout    time.Duration // handshake + connect timeout; 0 uses DefaultTimeout
}

// DefaultTimeout bounds the dial plus handshake when Client.Timeout is
// unset.
const DefaultTimeout = 10 * time.Second

func (c *Client) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// Connect performs method negotiation (and auth, if configured) then a
// CONNECT request for targetAddr ("host:port"), returning the
// established TCP connection to the requested destination as relayed by
// the SOCKS5 server.
func (c *Client) Connect(ctx context.Context, targetAddr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.ServerAddr)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "dial socks5 server", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := handshake(conn, c.Auth); err != nil {
		conn.Close()
		return nil, err
	}

	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		conn.Close()
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "invalid target address", err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		conn.Close()
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "invalid target port", err)
	}

	req := append([]byte{version, cmdConnect, 0x00}, buildAddr(host, port)...)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "send CONNECT", err)
	}

	if _, err := readReply(conn); err != nil {
		conn.Close()
		return nil, err
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// handshake performs the SOCKS5 method negotiation and, if the server
// selects username/password, RFC 1929 authentication.
func handshake(conn net.Conn, auth *Auth) error {
	var methods []byte
	if auth != nil {
		methods = []byte{authNone, authUserPassword}
	} else {
		methods = []byte{authNone}
	}

	greeting := make([]byte, 2+len(methods))
	greeting[0] = version
	greeting[1] = byte(len(methods))
	copy(greeting[2:], methods)

	if _, err := conn.Write(greeting); err != nil {
		return coreerr.Wrap(coreerr.ConnectionFailed, "send socks5 greeting", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return coreerr.Wrap(coreerr.ConnectionFailed, "read socks5 method", err)
	}
	if reply[0] != version {
		return coreerr.New(coreerr.ConnectionFailed, fmt.Sprintf("invalid SOCKS version %d", reply[0]))
	}

	switch reply[1] {
	case authNone:
		return nil
	case authUserPassword:
		if auth == nil {
			return coreerr.New(coreerr.ConnectionFailed, "server requires auth but none configured")
		}
		return userPassAuth(conn, auth)
	case authNoAcceptable:
		return coreerr.New(coreerr.ConnectionFailed, "no acceptable auth method")
	default:
		return coreerr.New(coreerr.ConnectionFailed, fmt.Sprintf("unsupported auth method %d", reply[1]))
	}
}

func userPassAuth(conn net.Conn, auth *Auth) error {
	uLen, pLen := len(auth.Username), len(auth.Password)
	if uLen > 255 || pLen > 255 {
		return coreerr.New(coreerr.ConnectionFailed, "username or password too long")
	}

	msg := make([]byte, 3+uLen+pLen)
	msg[0] = userPassVersion
	msg[1] = byte(uLen)
	copy(msg[2:], auth.Username)
	msg[2+uLen] = byte(pLen)
	copy(msg[3+uLen:], auth.Password)

	if _, err := conn.Write(msg); err != nil {
		return coreerr.Wrap(coreerr.ConnectionFailed, "send socks5 credentials", err)
	}

	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return coreerr.Wrap(coreerr.ConnectionFailed, "read socks5 auth reply", err)
	}
	if reply[1] != userPassSucceeded {
		return coreerr.New(coreerr.ConnectionFailed, fmt.Sprintf("authentication failed (status %d)", reply[1]))
	}
	return nil
}

// readReply reads a SOCKS5 reply and returns the BND.ADDR:BND.PORT.
func readReply(conn net.Conn) (*net.TCPAddr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "read socks5 reply header", err)
	}
	if header[1] != repSucceeded {
		return nil, coreerr.New(coreerr.ConnectionFailed, fmt.Sprintf("socks5 error: reply code %d", header[1]))
	}

	var ip net.IP
	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, coreerr.Wrap(coreerr.ConnectionFailed, "read bound IPv4", err)
		}
		ip = net.IP(buf)
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, coreerr.Wrap(coreerr.ConnectionFailed, "read bound IPv6", err)
		}
		ip = net.IP(buf)
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, coreerr.Wrap(coreerr.ConnectionFailed, "read bound domain length", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, coreerr.Wrap(coreerr.ConnectionFailed, "read bound domain", err)
		}
		addrs, err := net.LookupIP(string(domain))
		if err != nil || len(addrs) == 0 {
			return nil, coreerr.Wrap(coreerr.ConnectionFailed, "resolve bound domain", err)
		}
		ip = addrs[0]
	default:
		return nil, coreerr.New(coreerr.ConnectionFailed, fmt.Sprintf("unsupported address type %d", header[3]))
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, coreerr.Wrap(coreerr.ConnectionFailed, "read bound port", err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	return &net.TCPAddr{IP: ip, Port: int(port)}, nil
}

// buildAddr encodes host:port as a SOCKS5 ATYP+ADDR+PORT field, used by
// both CONNECT requests and UDP ASSOCIATE datagram headers.
func buildAddr(host string, port uint16) []byte {
	var out []byte
	if ip, err := netip.ParseAddr(host); err == nil {
		if ip.Is4() {
			out = append(out, atypIPv4)
			a4 := ip.As4()
			out = append(out, a4[:]...)
		} else {
			out = append(out, atypIPv6)
			a16 := ip.As16()
			out = append(out, a16[:]...)
		}
	} else {
		out = append(out, atypDomain, byte(len(host)))
		out = append(out, []byte(host)...)
	}
	out = append(out, byte(port>>8), byte(port))
	return out
}
