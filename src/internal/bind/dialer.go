package bind

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/errors"
	"github.com/maksimkurb/keen-doh/src/internal/log"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultKeepAlive   = 30 * time.Second
)

// Dialer dials remote IP literals, binding the local end according to Policy.
// The binding decision and the dial happen in the same call.
type Dialer struct {
	// Policy selects the source address. When not configured the socket is left unbound.
	Policy SourcePolicy
	// Timeout bounds connection establishment (default 5s).
	Timeout time.Duration
	// KeepAlive is the TCP keep-alive period (default 30s).
	KeepAlive time.Duration
	// DSCP is the differentiated services codepoint for outgoing packets (0 = leave unset).
	DSCP int
	// OnDecision, if set, is called for every binding decision with the remote endpoint.
	OnDecision func(remote netip.Addr, d Decision)
}

// DialContext connects to address, which must be an IP literal with a port.
// A rejected binding aborts the attempt with a BIND_ERROR wrapping *RejectedError.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	remote, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("remote %q is not an IP endpoint: %w", address, err)
	}

	nd, err := d.NetDialer(network, remote.Addr())
	if err != nil {
		return nil, err
	}

	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}

	if d.DSCP > 0 {
		if err := setDSCP(conn, d.DSCP); err != nil {
			log.Debugf("Failed to set DSCP %d on %s: %v", d.DSCP, conn.LocalAddr(), err)
		}
	}
	return conn, nil
}

// NetDialer builds a net.Dialer bound for the given remote, for clients that
// need a *net.Dialer (e.g. dns.Client). It fails when the binding is rejected.
func (d *Dialer) NetDialer(network string, remote netip.Addr) (*net.Dialer, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	keepAlive := d.KeepAlive
	if keepAlive == 0 {
		keepAlive = defaultKeepAlive
	}

	nd := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlive,
	}

	if !d.Policy.Configured() {
		return nd, nil
	}

	decision := d.Policy.Decide(remote)
	if d.OnDecision != nil {
		d.OnDecision(remote, decision)
	}
	if !decision.Bound() {
		return nil, errors.NewBindError(
			fmt.Sprintf("refusing to connect to %s", remote),
			&RejectedError{
				Reason:  decision.Reason(),
				Literal: decision.Literal(),
				Family:  decision.Family(),
				Remote:  remote,
			},
		)
	}

	nd.LocalAddr = decision.LocalAddr(network)
	nd.Control = bindControl
	return nd, nil
}
