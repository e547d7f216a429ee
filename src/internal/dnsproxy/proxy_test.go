package dnsproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"

	"github.com/maksimkurb/keen-doh/src/internal/log"
)

func init() {
	log.DisableLogs()
}

type fakeUpstream struct {
	calls  atomic.Int32
	fail   bool
	delay  time.Duration
	budget atomic.Int64
}

func (f *fakeUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	f.calls.Add(1)
	if deadline, ok := ctx.Deadline(); ok {
		f.budget.Store(int64(time.Until(deadline)))
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail {
		return nil, errors.New("resolver unreachable")
	}
	m := new(dns.Msg)
	m.SetReply(req)
	rr, _ := dns.NewRR(req.Question[0].Name + " 60 IN A 192.0.2.1")
	m.Answer = append(m.Answer, rr)
	return m, nil
}

func (f *fakeUpstream) Close() error   { return nil }
func (f *fakeUpstream) String() string { return "fake" }

func startProxy(t *testing.T, up *fakeUpstream, tcp bool) *DNSProxy {
	t.Helper()

	p, err := NewDNSProxy(ProxyConfig{ListenAddr: "127.0.0.1", TCP: tcp, MaxInflight: 4}, up, nil)
	if err != nil {
		t.Fatalf("NewDNSProxy() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestNewDNSProxy_Validation(t *testing.T) {
	if _, err := NewDNSProxy(ProxyConfig{ListenAddr: "127.0.0.1"}, nil, nil); err == nil {
		t.Error("expected error for missing upstream")
	}
	if _, err := NewDNSProxy(ProxyConfig{ListenAddr: "localhost"}, &fakeUpstream{}, nil); err == nil {
		t.Error("expected error for non-literal listen address")
	}
}

func TestDNSProxy_UDP(t *testing.T) {
	up := &fakeUpstream{}
	p := startProxy(t, up, false)

	req := new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(req, p.UDPAddr().String())
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if resp.Id != req.Id || resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 1 {
		t.Errorf("unexpected response: %v", resp)
	}

	s := p.Stats()
	if s.UDPQueries != 1 || s.Answered != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestDNSProxy_ServfailOnUpstreamError(t *testing.T) {
	up := &fakeUpstream{fail: true}
	p := startProxy(t, up, false)

	req := new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(req, p.UDPAddr().String())
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if resp.Rcode != dns.RcodeServerFailure || resp.Id != req.Id {
		t.Errorf("expected SERVFAIL with id %04x, got %v", req.Id, resp)
	}

	// The proxy keeps serving after a failure.
	up2 := p.upstream.(*fakeUpstream)
	if up2.calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", up2.calls.Load())
	}
	if _, _, err := c.Exchange(req, p.UDPAddr().String()); err != nil {
		t.Errorf("second Exchange() error = %v", err)
	}
	if p.Stats().Failed != 2 {
		t.Errorf("Failed = %d, want 2", p.Stats().Failed)
	}
}

func TestDNSProxy_MalformedDropped(t *testing.T) {
	up := &fakeUpstream{}
	p := startProxy(t, up, false)

	conn, err := net.Dial("udp", p.UDPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected no answer for a malformed query")
	}

	deadline := time.Now().Add(time.Second)
	for p.Stats().Malformed != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.Stats().Malformed != 1 || up.calls.Load() != 0 {
		t.Errorf("Stats() = %+v, upstream calls = %d", p.Stats(), up.calls.Load())
	}
}

func TestDNSProxy_TCPMultipleQueries(t *testing.T) {
	up := &fakeUpstream{}
	p := startProxy(t, up, true)

	conn, err := net.Dial("tcp", p.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	for i, name := range []string{"a.example.", "b.example."} {
		req := new(dns.Msg)
		req.SetQuestion(name, dns.TypeA)
		packed, _ := req.Pack()

		frame := make([]byte, 2+len(packed))
		binary.BigEndian.PutUint16(frame, uint16(len(packed)))
		copy(frame[2:], packed)
		if _, err := conn.Write(frame); err != nil {
			t.Fatalf("query %d: write error = %v", i, err)
		}

		var length uint16
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			t.Fatalf("query %d: read length error = %v", i, err)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			t.Fatalf("query %d: read body error = %v", i, err)
		}

		resp := new(dns.Msg)
		if err := resp.Unpack(body); err != nil {
			t.Fatalf("query %d: unpack error = %v", i, err)
		}
		if resp.Id != req.Id || resp.Question[0].Name != name {
			t.Errorf("query %d: unexpected response %v", i, resp)
		}
	}

	if got := p.Stats().TCPQueries; got != 2 {
		t.Errorf("TCPQueries = %d, want 2", got)
	}
}

func TestUDPSize(t *testing.T) {
	req := new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)
	if got := udpSize(req); got != dns.MinMsgSize {
		t.Errorf("udpSize() = %d, want %d", got, dns.MinMsgSize)
	}

	req.SetEdns0(1232, false)
	if got := udpSize(req); got != 1232 {
		t.Errorf("udpSize() with EDNS0 = %d, want 1232", got)
	}
}

func TestDNSProxy_StopWaitsForInflight(t *testing.T) {
	up := &fakeUpstream{delay: 100 * time.Millisecond}
	p, err := NewDNSProxy(ProxyConfig{ListenAddr: "127.0.0.1"}, up, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("udp", p.UDPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	req := new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)
	packed, _ := req.Pack()
	conn.Write(packed)

	deadline := time.Now().Add(time.Second)
	for up.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.Stats().Failed+p.Stats().Answered != 1 {
		t.Errorf("in-flight query not finished: %+v", p.Stats())
	}
}

func queryUDP(t *testing.T, p *DNSProxy) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion("example.org.", dns.TypeA)
	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(req, p.UDPAddr().String())
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	return resp
}

func TestDNSProxy_QueryTimeout(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		delay   time.Duration
		rcode   int
		budget  time.Duration
	}{
		{name: "default", rcode: dns.RcodeSuccess, budget: defaultQueryTimeout},
		{name: "longer than five seconds", timeout: 30 * time.Second, rcode: dns.RcodeSuccess, budget: 30 * time.Second},
		{name: "expires", timeout: 50 * time.Millisecond, delay: time.Second, rcode: dns.RcodeServerFailure, budget: 50 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{delay: tt.delay}
			p, err := NewDNSProxy(ProxyConfig{ListenAddr: "127.0.0.1", QueryTimeout: tt.timeout}, up, nil)
			if err != nil {
				t.Fatal(err)
			}
			if err := p.Start(); err != nil {
				t.Fatal(err)
			}
			defer p.Stop()

			if resp := queryUDP(t, p); resp.Rcode != tt.rcode {
				t.Fatalf("Rcode = %s, want %s", dns.RcodeToString[resp.Rcode], dns.RcodeToString[tt.rcode])
			}
			budget := time.Duration(up.budget.Load())
			if budget > tt.budget || budget < tt.budget-time.Second {
				t.Errorf("upstream deadline budget = %v, want about %v", budget, tt.budget)
			}
		})
	}
}

func TestDNSProxy_StatsInterval(t *testing.T) {
	mock := clock.NewMock()
	p, err := NewDNSProxy(ProxyConfig{ListenAddr: "127.0.0.1", StatsInterval: time.Minute, Clock: mock}, &fakeUpstream{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	reports := make(chan Stats, 16)
	p.statsReport = func(s Stats) { reports <- s }
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	queryUDP(t, p)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mock.Add(time.Minute)
		select {
		case s := <-reports:
			if s.UDPQueries != 1 {
				t.Errorf("reported UDPQueries = %d, want 1", s.UDPQueries)
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("no statistics reported after the interval elapsed")
}
