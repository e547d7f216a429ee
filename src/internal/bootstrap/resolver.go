// Package bootstrap resolves the DoH resolver hostname over plain DNS.
//
// Every query is sent from a socket bound according to the bootstrap source
// policy. Servers whose family cannot be served by the source address are
// skipped, never queried unbound.
package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/errors"
	"github.com/maksimkurb/keen-doh/src/internal/log"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
)

const (
	defaultDNSPort = 53
	defaultTimeout = 3 * time.Second
)

// DefaultServers is the bootstrap list used when none is configured.
var DefaultServers = []string{
	"8.8.8.8",
	"1.1.1.1",
	"8.8.4.4",
	"1.0.0.1",
	"145.100.185.15",
	"145.100.185.16",
	"185.49.141.37",
}

type Config struct {
	Servers  []netip.AddrPort
	Source   bind.SourcePolicy
	IPv4Only bool
	Timeout  time.Duration
	Metrics  *metrics.Metrics
}

type Resolver struct {
	cfg Config
}

func New(cfg Config) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Resolver{cfg: cfg}
}

// Servers returns the configured bootstrap servers.
func (r *Resolver) Servers() []netip.AddrPort {
	return r.cfg.Servers
}

// ParseServer accepts an IP literal with an optional port ("8.8.8.8",
// "8.8.8.8:5353", "[2001:4860:4860::8888]:53"). Hostnames are rejected.
func ParseServer(s string) (netip.AddrPort, error) {
	if c := addr.Classify(s); c.Valid() {
		return netip.AddrPortFrom(c.Addr(), defaultDNSPort), nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil || ap.Addr().Zone() != "" {
		return netip.AddrPort{}, fmt.Errorf("bootstrap server %q is not an IP address", s)
	}
	return ap, nil
}

// ParseServers parses a list of bootstrap servers; a single string may hold
// several comma-separated entries.
func ParseServers(list []string) ([]netip.AddrPort, error) {
	var servers []netip.AddrPort
	for _, item := range list {
		for _, s := range strings.Split(item, ",") {
			if s == "" {
				continue
			}
			ap, err := ParseServer(s)
			if err != nil {
				return nil, err
			}
			servers = append(servers, ap)
		}
	}
	return servers, nil
}

// Resolve returns the addresses of host. IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if c := addr.Classify(host); c.Valid() {
		if r.cfg.IPv4Only && c.Is6() {
			return nil, errors.NewBootstrapError(fmt.Sprintf("resolver address %s is IPv6 in IPv4-only mode", host), nil)
		}
		return []netip.Addr{c.Addr()}, nil
	}
	if len(r.cfg.Servers) == 0 {
		return nil, errors.NewConfigError("no bootstrap servers configured", nil)
	}

	var (
		errs    error
		skipped int
	)
	for _, server := range r.cfg.Servers {
		addrs, err := r.resolveVia(ctx, server, host)
		if err == nil && len(addrs) > 0 {
			r.cfg.Metrics.Bootstrap("ok")
			log.Debugf("Bootstrap %s resolved %s to %v", server, host, addrs)
			return addrs, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: no addresses for %s", server, host)
		}
		if errors.HasCode(err, errors.ErrCodeBind) {
			skipped++
		}
		errs = multierr.Append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	if skipped == len(r.cfg.Servers) {
		r.cfg.Metrics.Bootstrap("rejected")
		return nil, errors.NewBindError("every bootstrap server was rejected by source binding", errs)
	}
	r.cfg.Metrics.Bootstrap("error")
	return nil, errors.NewBootstrapError(fmt.Sprintf("failed to resolve %s", host), errs)
}

func (r *Resolver) resolveVia(ctx context.Context, server netip.AddrPort, host string) ([]netip.Addr, error) {
	if r.cfg.IPv4Only && !server.Addr().Is4() {
		return nil, fmt.Errorf("%s: skipped in IPv4-only mode", server)
	}

	dialer := &bind.Dialer{
		Policy:  r.cfg.Source,
		Timeout: r.cfg.Timeout,
		OnDecision: func(remote netip.Addr, d bind.Decision) {
			r.cfg.Metrics.BindDecision(metrics.PathBootstrap, d.Reason().String())
			if !d.Bound() {
				log.Warnf("Skipping bootstrap server %s: source %q %s", remote, d.Literal(), d.Reason())
			}
		},
	}
	udp, err := dialer.NetDialer("udp", server.Addr())
	if err != nil {
		return nil, err
	}

	x := &exchanger{
		server: server.String(),
		udp:    &dns.Client{Net: "udp", Timeout: r.cfg.Timeout, Dialer: udp},
		tcp:    &dns.Client{Net: "tcp", Timeout: r.cfg.Timeout, Dialer: asTCP(udp)},
	}

	qtypes := []uint16{dns.TypeA}
	if !r.cfg.IPv4Only {
		qtypes = append(qtypes, dns.TypeAAAA)
	}

	results := make([][]netip.Addr, len(qtypes))
	failures := make([]error, len(qtypes))
	var g errgroup.Group
	for i, qtype := range qtypes {
		g.Go(func() error {
			addrs, err := x.lookup(ctx, host, qtype)
			if err != nil {
				failures[i] = fmt.Errorf("%s: %s %s: %w", server, dns.TypeToString[qtype], host, err)
				return nil
			}
			results[i] = addrs
			return nil
		})
	}
	_ = g.Wait()

	var out []netip.Addr
	for _, addrs := range results {
		out = append(out, addrs...)
	}
	errs := multierr.Combine(failures...)
	if len(out) == 0 {
		return nil, errs
	}
	if errs != nil {
		log.Debugf("Bootstrap %s answered partially: %v", server, errs)
	}
	return out, nil
}

// asTCP derives the TCP fallback dialer from a bound UDP dialer.
func asTCP(udp *net.Dialer) *net.Dialer {
	tcp := *udp
	if la, ok := udp.LocalAddr.(*net.UDPAddr); ok {
		tcp.LocalAddr = &net.TCPAddr{IP: la.IP}
	}
	return &tcp
}

type exchanger struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
}

func (x *exchanger) lookup(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(host), qtype)
	req.RecursionDesired = true

	resp, _, err := x.udp.ExchangeContext(ctx, req, x.server)
	if err == nil && resp.Truncated {
		resp, _, err = x.tcp.ExchangeContext(ctx, req, x.server)
	}
	if err != nil {
		return nil, err
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("server returned %s", dns.RcodeToString[resp.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		if a, ok := netip.AddrFromSlice(ip); ok {
			if qtype == dns.TypeA {
				a = a.Unmap()
			}
			addrs = append(addrs, a)
		}
	}
	return addrs, nil
}
