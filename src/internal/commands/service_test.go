package commands

import (
	"context"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/maksimkurb/keen-doh/src/internal/config"
)

// startResolver runs a TLS DoH endpoint answering every query with 203.0.113.7.
func startResolver(t *testing.T, hits *atomic.Int32) (url string, caPath string) {
	t.Helper()

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		req := new(dns.Msg)
		if err := req.Unpack(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		m := new(dns.Msg)
		m.SetReply(req)
		rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 203.0.113.7")
		m.Answer = append(m.Answer, rr)
		packed, _ := m.Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(packed)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	caPath = filepath.Join(t.TempDir(), "ca.pem")
	block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw})
	require.NoError(t, os.WriteFile(caPath, block, 0o644))

	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	return fmt.Sprintf("https://127.0.0.1:%s/dns-query", port), caPath
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	return uint16(pc.LocalAddr().(*net.UDPAddr).Port)
}

func serviceConfig(t *testing.T, hits *atomic.Int32) *config.Config {
	url, caPath := startResolver(t, hits)

	cfg := config.NewDefaultConfig()
	cfg.Upstream.ResolverURL = url
	cfg.Upstream.CAPath = caPath
	cfg.Listen.Addr = "127.0.0.1"
	cfg.Listen.Port = freePort(t)
	tcp := false
	cfg.Listen.TCP = &tcp
	return cfg
}

func exchange(t *testing.T, s *ServiceCommand) *dns.Msg {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion("example.com.", dns.TypeA)
	c := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	resp, _, err := c.Exchange(m, s.dnsProxy.UDPAddr().String())
	require.NoError(t, err)
	return resp
}

func TestService_ForwardsThroughBoundSource(t *testing.T) {
	var hits atomic.Int32
	cfg := serviceConfig(t, &hits)
	cfg.Source.Addr = "127.0.0.1"
	cfg.API.Enable = true
	cfg.API.BindAddr = "127.0.0.1:0"

	s := CreateServiceCommand()
	s.cfg = cfg
	require.NoError(t, s.start(context.Background()))
	defer s.shutdown()

	resp := exchange(t, s)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.Len(t, resp.Answer, 1)
	require.Equal(t, "203.0.113.7", resp.Answer[0].(*dns.A).A.String())
	require.Equal(t, int32(1), hits.Load())

	require.True(t, s.apiRunner.IsRunning())
	require.Eventually(t, func() bool { return s.dnsProxy.Stats().Answered == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestService_IPv6SourceWithIPv4ResolverServfails(t *testing.T) {
	var hits atomic.Int32
	cfg := serviceConfig(t, &hits)
	cfg.Source.Addr = "::1"

	s := CreateServiceCommand()
	s.cfg = cfg
	require.NoError(t, s.start(context.Background()))
	defer s.shutdown()

	resp := exchange(t, s)
	require.Equal(t, dns.RcodeServerFailure, resp.Rcode)
	require.Zero(t, hits.Load(), "no connection may reach the resolver")
}

func TestService_StartFailsOnBusyPort(t *testing.T) {
	var hits atomic.Int32
	cfg := serviceConfig(t, &hits)

	pc, err := net.ListenPacket("udp", fmt.Sprintf("127.0.0.1:%d", cfg.Listen.GetPort()))
	require.NoError(t, err)
	defer pc.Close()

	s := CreateServiceCommand()
	s.cfg = cfg
	err = s.start(context.Background())
	require.Error(t, err)
	s.shutdown()
	require.Nil(t, s.refresher)
}

func TestWarnUnassignedSources(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Source.Addr = "192.168.1.1"
	cfg.Source.AddrIPv6 = "2001:db8::1"
	cfg.Source.Bootstrap = &config.SourceAddrs{Addr: "10.0.0.1"}

	require.Equal(t, 2, warnUnassignedSources(cfg, assignedOn("br0", "192.168.1.1")))
	require.Equal(t, 0, warnUnassignedSources(cfg, assignedOn("br0", "192.168.1.1", "2001:db8::1", "10.0.0.1")))

	lookupErr := func(netip.Addr) (string, bool, error) { return "", false, fmt.Errorf("no netlink") }
	require.Equal(t, 0, warnUnassignedSources(cfg, lookupErr))
}

func TestWarnUnreachableResolver(t *testing.T) {
	v4 := netip.MustParseAddr("203.0.113.7")
	v6 := netip.MustParseAddr("2001:db8::7")

	cfg := config.NewDefaultConfig()
	require.False(t, warnUnreachableResolver(cfg, []netip.Addr{v6}), "unbound policy never warns")

	cfg.Source.Addr = "192.168.1.1"
	require.True(t, warnUnreachableResolver(cfg, []netip.Addr{v6}))
	require.False(t, warnUnreachableResolver(cfg, []netip.Addr{v6, v4}))
	require.False(t, warnUnreachableResolver(cfg, nil))

	cfg.Source.Addr = "2001:db8::1"
	cfg.Bootstrap.IPv4Only = true
	require.True(t, warnUnreachableResolver(cfg, []netip.Addr{v4, v6}))
}
