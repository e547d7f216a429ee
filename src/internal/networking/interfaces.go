package networking

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

type Interface struct {
	netlink.Link
}

func GetInterfaceList() ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	var interfaces []Interface
	for _, link := range links {
		interfaces = append(interfaces, Interface{link})
	}
	return interfaces, nil
}

func (iface *Interface) Name() string {
	return iface.Attrs().Name
}

func (iface *Interface) IsUp() bool {
	return iface.Attrs().Flags&net.FlagUp != 0
}

func (iface *Interface) AddrsIps() ([]netip.Addr, error) {
	addrs, err := netlink.AddrList(iface.Link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, err
	}
	var ips []netip.Addr
	for _, addr := range addrs {
		if ip, ok := netip.AddrFromSlice(addr.IP); ok {
			if ip.Is4In6() {
				ip = ip.Unmap()
			}
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// SourceAssigned reports the name of the interface carrying ip, and whether
// any interface carries it at all.
func SourceAssigned(ip netip.Addr) (string, bool, error) {
	interfaces, err := GetInterfaceList()
	if err != nil {
		return "", false, fmt.Errorf("failed to list interfaces: %w", err)
	}
	for _, iface := range interfaces {
		ips, err := iface.AddrsIps()
		if err != nil {
			continue
		}
		for _, candidate := range ips {
			if candidate == ip {
				return iface.Name(), true, nil
			}
		}
	}
	return "", false, nil
}
