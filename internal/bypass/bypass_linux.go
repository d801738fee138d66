//go:build linux

package bypass

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlFunc sets SO_MARK on the outbound socket so a host-configured
// ip-rule can route it out the real interface instead of back through
// the TUN device.
func controlFunc(cfg Config) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if cfg.Mark == 0 {
			return nil
		}
		var setErr error
		err := c.Control(func(fd uintptr) {
			setErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, cfg.Mark)
		})
		if err != nil {
			return err
		}
		return setErr
	}
}
