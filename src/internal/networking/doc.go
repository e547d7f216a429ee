// Package networking inspects local interfaces over netlink and manages the
// optional iptables rules that redirect port 53 traffic to the DNS listener.
//
// # Source address check
//
// A configured source address that is not assigned to any local interface
// makes every bound connection fail. SourceAssigned reports which interface
// carries an address so the service can warn at startup:
//
//	iface, ok, err := networking.SourceAssigned(netip.MustParseAddr("192.168.1.1"))
//
// # DNS redirect
//
// DNSRedirect installs nat REDIRECT rules for UDP and TCP port 53 on the
// listed ingress interfaces, rendered from templates with {{interface}} and
// {{listen_port}} variables:
//
//	r, err := networking.NewDNSRedirect([]string{"br0"}, 5053, nil)
//	if err := r.Enable(); err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Disable()
package networking
