package commands

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startBootstrapServer runs a plain DNS server on 127.0.0.1 that answers
// every A query with 192.0.2.10 and every AAAA query with 2001:db8::10.
func startBootstrapServer(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			q := r.Question[0]
			m := new(dns.Msg)
			m.SetReply(r)
			switch q.Qtype {
			case dns.TypeA:
				rr, _ := dns.NewRR(fmt.Sprintf("%s 60 IN A 192.0.2.10", q.Name))
				m.Answer = append(m.Answer, rr)
			case dns.TypeAAAA:
				rr, _ := dns.NewRR(fmt.Sprintf("%s 60 IN AAAA 2001:db8::10", q.Name))
				m.Answer = append(m.Answer, rr)
			}
			_ = w.WriteMsg(m)
		}),
	}

	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

// reportRows splits tabwriter output into rows keyed by "PATH REMOTE".
func reportRows(out string) map[string][]string {
	rows := make(map[string][]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 || (fields[0] != "bootstrap" && fields[0] != "https") {
			continue
		}
		rows[fields[0]+" "+fields[1]] = []string{fields[2], strings.Join(fields[3:], " ")}
	}
	return rows
}
