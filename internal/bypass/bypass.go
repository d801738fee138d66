// Package bypass builds a net.Dialer whose Control callback marks
// upstream sockets so they escape the TUN device's own default route:
// SO_MARK on Linux, IP_BOUND_IF on Darwin, IP_UNICAST_IF on Windows.
// The engine itself is platform-agnostic; the host process supplies
// the mark or outbound interface index.
package bypass

import "net"

// Config selects how upstream sockets should escape the tunnel's route.
type Config struct {
	// Mark is the fwmark applied via SO_MARK on Linux. Ignored elsewhere.
	Mark int
	// InterfaceIndex is the OS interface index to bind to on Darwin
	// (IP_BOUND_IF) and Windows (IP_UNICAST_IF). Ignored on Linux and on
	// platforms with no dedicated bind-to-interface socket option.
	InterfaceIndex int
}

// NewDialer returns a *net.Dialer whose Control hook applies cfg's
// platform-specific bypass before connect(2)/bind(2).
func NewDialer(cfg Config) *net.Dialer {
	return &net.Dialer{Control: controlFunc(cfg)}
}
