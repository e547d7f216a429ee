//go:build linux

package bind

import (
	"strings"
	"syscall"

	"github.com/maksimkurb/keen-doh/src/internal/log"
	"golang.org/x/sys/unix"
)

// bindControl defers ephemeral port selection to connect() for bound TCP
// sockets, so many source-bound connections do not exhaust the port range.
func bindControl(network, address string, c syscall.RawConn) error {
	if !strings.HasPrefix(network, "tcp") {
		return nil
	}
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_BIND_ADDRESS_NO_PORT, 1)
	})
	if err != nil {
		return err
	}
	if opErr != nil {
		log.Debugf("IP_BIND_ADDRESS_NO_PORT not applied for %s: %v", address, opErr)
	}
	return nil
}
