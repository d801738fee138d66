//go:build windows

package bypass

import (
	"encoding/binary"
	"syscall"
	"unsafe"
)

const ipUnicastIF = 31 // IP_UNICAST_IF socket option

// controlFunc sets IP_UNICAST_IF on the outbound socket so it routes
// through the real NIC instead of the TUN adapter's default route.
func controlFunc(cfg Config) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if cfg.InterfaceIndex == 0 {
			return nil
		}
		var setErr error
		err := c.Control(func(fd uintptr) {
			handle := syscall.Handle(fd)

			var b [4]byte
			binary.BigEndian.PutUint32(b[:], uint32(cfg.InterfaceIndex))
			idx := *(*int32)(unsafe.Pointer(&b[0]))

			setErr = syscall.SetsockoptInt(handle, syscall.IPPROTO_IP, ipUnicastIF, int(idx))
		})
		if err != nil {
			return err
		}
		return setErr
	}
}
