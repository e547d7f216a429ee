package commands

import (
	"bytes"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maksimkurb/keen-doh/src/internal/config"
	"github.com/maksimkurb/keen-doh/src/internal/errors"
)

func assignedOn(name string, addrs ...string) sourceLookup {
	return func(ip netip.Addr) (string, bool, error) {
		for _, a := range addrs {
			if netip.MustParseAddr(a) == ip {
				return name, true, nil
			}
		}
		return "", false, nil
	}
}

func newCheckSource(cfg *config.Config, lookup sourceLookup) (*CheckSourceCommand, *bytes.Buffer) {
	out := &bytes.Buffer{}
	c := CreateCheckSourceCommand()
	c.cfg = cfg
	c.out = out
	c.lookup = lookup
	return c, out
}

func checkConfig(servers ...string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Upstream.ResolverURL = "https://resolver.test/dns-query"
	cfg.Bootstrap.Servers = servers
	return cfg
}

func TestCheckSource_MixedBootstrapList(t *testing.T) {
	server := startBootstrapServer(t)
	cfg := checkConfig(server, "[::1]:53")
	cfg.Source.Addr = "127.0.0.1"

	c, out := newCheckSource(cfg, assignedOn("lo", "127.0.0.1"))
	require.NoError(t, c.Run())

	rows := reportRows(out.String())
	require.Equal(t, []string{"127.0.0.1", "bound"}, rows["bootstrap "+server])
	require.Equal(t, []string{"127.0.0.1", "rejected: family mismatch"}, rows["bootstrap [::1]:53"])
	require.Equal(t, []string{"127.0.0.1", "bound"}, rows["https 192.0.2.10"])
	require.Equal(t, []string{"127.0.0.1", "rejected: family mismatch"}, rows["https 2001:db8::10"])

	require.Contains(t, out.String(), "SOURCE")
	require.Regexp(t, `127\.0\.0\.1\s+lo`, out.String())
}

func TestCheckSource_PerFamilySources(t *testing.T) {
	server := startBootstrapServer(t)
	cfg := checkConfig(server)
	cfg.Source.AddrIPv4 = "127.0.0.1"
	cfg.Source.AddrIPv6 = "::1"

	c, out := newCheckSource(cfg, assignedOn("lo", "127.0.0.1", "::1"))
	require.NoError(t, c.Run())

	rows := reportRows(out.String())
	require.Equal(t, []string{"127.0.0.1", "bound"}, rows["https 192.0.2.10"])
	require.Equal(t, []string{"::1", "bound"}, rows["https 2001:db8::10"])
}

func TestCheckSource_EveryPathRejected(t *testing.T) {
	server := startBootstrapServer(t)
	cfg := checkConfig(server)
	cfg.Source.Addr = "::1"

	c, out := newCheckSource(cfg, assignedOn("lo"))
	err := c.Run()
	require.Error(t, err)
	require.True(t, errors.HasCode(err, errors.ErrCodeBind))

	rows := reportRows(out.String())
	require.Equal(t, []string{"::1", "rejected: family mismatch"}, rows["bootstrap "+server])
	require.Contains(t, out.String(), "Resolver host lookup failed")
	require.Regexp(t, `::1\s+not assigned`, out.String())
}

func TestCheckSource_Unbound(t *testing.T) {
	server := startBootstrapServer(t)
	cfg := checkConfig(server)

	c, out := newCheckSource(cfg, func(netip.Addr) (string, bool, error) {
		t.Fatal("no source address to look up")
		return "", false, nil
	})
	require.NoError(t, c.Run())

	rows := reportRows(out.String())
	require.Equal(t, []string{"-", "unbound"}, rows["bootstrap "+server])
	require.Equal(t, []string{"-", "unbound"}, rows["https 192.0.2.10"])
	require.NotContains(t, out.String(), "INTERFACE")
}

func TestCheckSource_IPv4Only(t *testing.T) {
	server := startBootstrapServer(t)
	cfg := checkConfig(server, "[::1]:53")
	cfg.Source.Addr = "127.0.0.1"
	cfg.Bootstrap.IPv4Only = true

	c, out := newCheckSource(cfg, assignedOn("lo", "127.0.0.1"))
	require.NoError(t, c.Run())

	rows := reportRows(out.String())
	require.Equal(t, []string{"-", "skipped (ipv4-only)"}, rows["bootstrap [::1]:53"])
	require.Equal(t, []string{"127.0.0.1", "bound"}, rows["https 192.0.2.10"])
	_, hasV6 := rows["https 2001:db8::10"]
	require.False(t, hasV6, "AAAA must not be queried in IPv4-only mode")
}

func TestCheckSource_LookupError(t *testing.T) {
	cfg := checkConfig()
	cfg.Upstream.ResolverURL = "https://127.0.0.1/dns-query"
	cfg.Source.Addr = "127.0.0.1"

	c, out := newCheckSource(cfg, func(netip.Addr) (string, bool, error) {
		return "", false, fmt.Errorf("netlink unavailable")
	})
	require.NoError(t, c.Run())
	require.Contains(t, out.String(), "check failed: netlink unavailable")
	require.Equal(t, []string{"127.0.0.1", "bound"}, reportRows(out.String())["https 127.0.0.1"])
}

func TestResolveCommand(t *testing.T) {
	server := startBootstrapServer(t)

	c := CreateResolveCommand()
	out := &bytes.Buffer{}
	c.out = out
	require.NoError(t, c.Init([]string{
		"-resolver-url", "https://resolver.test/dns-query",
		"-bootstrap", server,
		"-source-addr", "127.0.0.1",
	}, &AppContext{}))
	require.Equal(t, "resolver.test", c.host)

	require.NoError(t, c.Run())
	require.Contains(t, out.String(), "192.0.2.10\n")
	require.Contains(t, out.String(), "2001:db8::10\n")
}

func TestResolveCommand_ExplicitHost(t *testing.T) {
	c := CreateResolveCommand()
	require.NoError(t, c.Init([]string{"-resolver-url", "https://resolver.test/dns-query", "other.test"}, &AppContext{}))
	require.Equal(t, "other.test", c.host)

	c = CreateResolveCommand()
	require.Error(t, c.Init([]string{"-resolver-url", "https://resolver.test/dns-query", "a.test", "b.test"}, &AppContext{}))
}

func TestResolveCommand_NoUsableBootstrapServer(t *testing.T) {
	server := startBootstrapServer(t)

	c := CreateResolveCommand()
	err := c.Init([]string{
		"-resolver-url", "https://resolver.test/dns-query",
		"-bootstrap", server,
		"-source-addr", "::1",
	}, &AppContext{})
	require.ErrorContains(t, err, "configuration validation failed")
}
