//go:build darwin

package bypass

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFunc sets IP_BOUND_IF on the outbound socket, pinning it to the
// real interface so it bypasses the TUN device's default route.
func controlFunc(cfg Config) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if cfg.InterfaceIndex == 0 {
			return nil
		}
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BOUND_IF, cfg.InterfaceIndex)
		})
		if err != nil {
			return err
		}
		return setErr
	}
}
