package bind

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// MaxDSCP is the largest 6-bit differentiated services codepoint.
const MaxDSCP = 63

// setDSCP marks outgoing packets of conn with the codepoint (shifted into the
// upper six bits of the TOS / traffic class byte).
func setDSCP(conn net.Conn, dscp int) error {
	if dscp < 0 || dscp > MaxDSCP {
		return fmt.Errorf("dscp %d out of range 0..%d", dscp, MaxDSCP)
	}
	local, err := netip.ParseAddrPort(conn.LocalAddr().String())
	if err != nil {
		return err
	}
	tos := dscp << 2
	if local.Addr().Is4() {
		return ipv4.NewConn(conn).SetTOS(tos)
	}
	return ipv6.NewConn(conn).SetTrafficClass(tos)
}
