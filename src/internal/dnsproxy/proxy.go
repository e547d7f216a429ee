package dnsproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/workerpool"
	"github.com/miekg/dns"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	kderrors "github.com/maksimkurb/keen-doh/src/internal/errors"
	"github.com/maksimkurb/keen-doh/src/internal/log"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
	"github.com/maksimkurb/keen-doh/src/internal/upstream"
)

const (
	// Network protocol identifiers
	networkUDP = "udp"
	networkTCP = "tcp"

	// Timeout durations
	udpReadTimeout      = 1 * time.Second  // UDP read deadline for non-blocking accept loop
	tcpIdleTimeout      = 10 * time.Second // TCP connection idle timeout between queries
	defaultQueryTimeout = 10 * time.Second // Upstream query timeout when none is configured

	defaultMaxInflight = 256
)

// ProxyConfig contains configuration for the DNS proxy.
type ProxyConfig struct {
	// ListenAddr is the IPv4 or IPv6 address to listen on.
	ListenAddr string

	// ListenPort is the port to listen on (0 picks a free port).
	ListenPort uint16

	// TCP enables the TCP listener next to UDP.
	TCP bool

	// MaxInflight bounds concurrently processed UDP queries; excess queries are dropped.
	MaxInflight int

	// QueryTimeout bounds one upstream query (0 = 10s).
	QueryTimeout time.Duration

	// StatsInterval enables a periodic statistics log line (0 = disabled).
	StatsInterval time.Duration

	// Clock drives the statistics ticker (nil = wall clock).
	Clock clock.Clock
}

// Stats is a snapshot of the proxy counters.
type Stats struct {
	ListenAddr string    `json:"listen_addr"`
	Upstream   string    `json:"upstream"`
	StartedAt  time.Time `json:"started_at"`
	UDPQueries uint64    `json:"udp_queries"`
	TCPQueries uint64    `json:"tcp_queries"`
	Answered   uint64    `json:"answered"`
	Failed     uint64    `json:"failed"`
	Malformed  uint64    `json:"malformed"`
	Dropped    uint64    `json:"dropped"`
}

// DNSProxy accepts plain DNS queries on UDP and TCP and forwards them to a
// DoH upstream. An upstream failure is answered with SERVFAIL.
type DNSProxy struct {
	config   ProxyConfig
	upstream upstream.Upstream
	metrics  *metrics.Metrics
	workers  *workerpool.WorkerPool

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	// Listeners
	udpConn *net.UDPConn
	tcpLn   net.Listener

	// Counters
	udpQueries atomic.Uint64
	tcpQueries atomic.Uint64
	answered   atomic.Uint64
	failed     atomic.Uint64
	malformed  atomic.Uint64
	dropped    atomic.Uint64

	statsReport func(Stats)
}

// NewDNSProxy creates a new DNS proxy forwarding to up.
func NewDNSProxy(cfg ProxyConfig, up upstream.Upstream, m *metrics.Metrics) (*DNSProxy, error) {
	if up == nil {
		return nil, kderrors.NewConfigError("no upstream configured", nil)
	}
	if c := addr.Classify(cfg.ListenAddr); !c.Valid() {
		return nil, kderrors.NewConfigError(fmt.Sprintf("listen address %q is not an IP address", cfg.ListenAddr), nil)
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = defaultMaxInflight
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &DNSProxy{
		config:      cfg,
		upstream:    up,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		statsReport: logStats,
	}, nil
}

// Start starts the DNS proxy listeners.
func (p *DNSProxy) Start() error {
	listenAddr := net.JoinHostPort(p.config.ListenAddr, fmt.Sprint(p.config.ListenPort))

	udpAddr, err := net.ResolveUDPAddr(networkUDP, listenAddr)
	if err != nil {
		return kderrors.NewListenerError("failed to resolve UDP address", err)
	}

	p.udpConn, err = net.ListenUDP(networkUDP, udpAddr)
	if err != nil {
		return kderrors.NewListenerError(fmt.Sprintf("failed to listen UDP on %s", listenAddr), err)
	}

	if p.config.TCP {
		// Same port as UDP when an ephemeral port was requested.
		tcpAddr := net.JoinHostPort(p.config.ListenAddr, fmt.Sprint(p.udpConn.LocalAddr().(*net.UDPAddr).Port))
		p.tcpLn, err = net.Listen(networkTCP, tcpAddr)
		if err != nil {
			p.udpConn.Close()
			return kderrors.NewListenerError(fmt.Sprintf("failed to listen TCP on %s", tcpAddr), err)
		}
	}

	p.workers = workerpool.New(p.config.MaxInflight)
	p.startedAt = time.Now()

	if p.tcpLn != nil {
		log.Infof("DNS proxy started on %s (UDP/TCP), upstream %s", p.udpConn.LocalAddr(), p.upstream)
	} else {
		log.Infof("DNS proxy started on %s (UDP), upstream %s", p.udpConn.LocalAddr(), p.upstream)
	}

	p.wg.Add(1)
	go p.serveUDP(p.udpConn)

	if p.tcpLn != nil {
		p.wg.Add(1)
		go p.serveTCP(p.tcpLn)
	}

	if p.config.StatsInterval > 0 {
		p.wg.Add(1)
		go p.statsLoop()
	}

	return nil
}

// Stop stops the DNS proxy and waits for in-flight queries.
func (p *DNSProxy) Stop() error {
	log.Infof("Stopping DNS proxy...")
	p.cancel()

	if p.udpConn != nil {
		p.udpConn.Close()
	}
	if p.tcpLn != nil {
		p.tcpLn.Close()
	}

	p.wg.Wait()
	if p.workers != nil {
		p.workers.StopWait()
	}

	if p.upstream != nil {
		p.upstream.Close()
	}

	log.Infof("DNS proxy stopped")
	return nil
}

// UDPAddr returns the bound UDP address, valid after Start.
func (p *DNSProxy) UDPAddr() netip.AddrPort {
	if p.udpConn == nil {
		return netip.AddrPort{}
	}
	return p.udpConn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// TCPAddr returns the bound TCP address, valid after Start with TCP enabled.
func (p *DNSProxy) TCPAddr() netip.AddrPort {
	if p.tcpLn == nil {
		return netip.AddrPort{}
	}
	return p.tcpLn.Addr().(*net.TCPAddr).AddrPort()
}

// serveUDP handles incoming UDP DNS queries.
func (p *DNSProxy) serveUDP(conn *net.UDPConn) {
	defer p.wg.Done()

	buf := make([]byte, dns.MaxMsgSize)

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if p.ctx.Err() != nil {
				return
			}
			log.Debugf("UDP read error: %v", err)
			continue
		}

		p.udpQueries.Add(1)
		p.metrics.Query(networkUDP)

		if p.workers.WaitingQueueSize() >= p.config.MaxInflight {
			p.dropped.Add(1)
			log.Debugf("Dropping UDP query from %s: %d queries waiting", clientAddr, p.workers.WaitingQueueSize())
			continue
		}

		req := make([]byte, n)
		copy(req, buf[:n])

		p.workers.Submit(func() {
			resp, err := p.processRequest(clientAddr, req, networkUDP)
			if err != nil {
				log.Debugf("UDP request processing error: %v", err)
				return
			}

			if _, err := conn.WriteToUDP(resp, clientAddr); err != nil {
				log.Debugf("UDP write error: %v", err)
			}
		})
	}
}

// serveTCP handles incoming TCP DNS connections.
func (p *DNSProxy) serveTCP(ln net.Listener) {
	defer p.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Debugf("TCP accept error: %v", err)
			continue
		}

		p.wg.Add(1)
		go p.handleTCPConnection(conn)
	}
}

// handleTCPConnection answers length-prefixed queries on one connection until
// the client closes it or stays idle.
func (p *DNSProxy) handleTCPConnection(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		conn.SetDeadline(time.Now().Add(tcpIdleTimeout))

		var length uint16
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("TCP read length error: %v", err)
			}
			return
		}

		req := make([]byte, length)
		if _, err := io.ReadFull(conn, req); err != nil {
			log.Debugf("TCP read message error: %v", err)
			return
		}

		p.tcpQueries.Add(1)
		p.metrics.Query(networkTCP)

		resp, err := p.processRequest(conn.RemoteAddr(), req, networkTCP)
		if err != nil {
			log.Debugf("TCP request processing error: %v", err)
			return
		}

		frame := make([]byte, 2+len(resp))
		binary.BigEndian.PutUint16(frame, uint16(len(resp)))
		copy(frame[2:], resp)
		if _, err := conn.Write(frame); err != nil {
			log.Debugf("TCP write response error: %v", err)
			return
		}
	}
}

// processRequest forwards a DNS request and returns the packed response.
// Malformed requests return an error and get no answer.
func (p *DNSProxy) processRequest(clientAddr net.Addr, reqBytes []byte, network string) ([]byte, error) {
	var reqMsg dns.Msg
	if err := reqMsg.Unpack(reqBytes); err != nil {
		p.malformed.Add(1)
		return nil, fmt.Errorf("failed to parse request from %s: %w", clientAddr, err)
	}

	if len(reqMsg.Question) > 0 {
		q := reqMsg.Question[0]
		log.Debugf("[%04x] DNS query: %s %s from %s via %s",
			reqMsg.Id, q.Name, dns.TypeToString[q.Qtype], clientAddr, network)
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.QueryTimeout)
	defer cancel()

	respMsg, err := p.upstream.Query(ctx, &reqMsg)
	if err != nil {
		p.failed.Add(1)
		p.logUpstreamError(ctx, &reqMsg, err)

		respMsg = new(dns.Msg)
		respMsg.SetRcode(&reqMsg, dns.RcodeServerFailure)
	} else {
		p.answered.Add(1)
	}

	if network == networkUDP {
		respMsg.Truncate(udpSize(&reqMsg))
	}

	respBytes, err := respMsg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack response: %w", err)
	}
	return respBytes, nil
}

func (p *DNSProxy) logUpstreamError(ctx context.Context, reqMsg *dns.Msg, err error) {
	queryInfo := "unknown"
	if len(reqMsg.Question) > 0 {
		q := reqMsg.Question[0]
		queryInfo = fmt.Sprintf("%s %s", q.Name, dns.TypeToString[q.Qtype])
	}

	var netErr net.Error
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		log.Warnf("[%04x] Context deadline exceeded for query: %s (upstream: %s)", reqMsg.Id, queryInfo, p.upstream)
	case kderrors.HasCode(err, kderrors.ErrCodeBind):
		log.Warnf("[%04x] No resolver address usable from the source address for query %s: %v", reqMsg.Id, queryInfo, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Warnf("[%04x] Upstream timeout (network) for query: %s (upstream: %s)", reqMsg.Id, queryInfo, p.upstream)
	default:
		log.Warnf("[%04x] Upstream error for query %s: %v", reqMsg.Id, queryInfo, err)
	}
}

// udpSize is the largest response the client accepts over UDP.
func udpSize(req *dns.Msg) int {
	if opt := req.IsEdns0(); opt != nil && opt.UDPSize() > dns.MinMsgSize {
		return int(opt.UDPSize())
	}
	return dns.MinMsgSize
}

// statsLoop periodically logs the proxy counters.
func (p *DNSProxy) statsLoop() {
	defer p.wg.Done()

	ticker := p.config.Clock.Ticker(p.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.statsReport(p.Stats())
		}
	}
}

func logStats(s Stats) {
	log.Infof("Stats: %d UDP / %d TCP queries, %d answered, %d failed, %d malformed, %d dropped",
		s.UDPQueries, s.TCPQueries, s.Answered, s.Failed, s.Malformed, s.Dropped)
}

// Stats returns DNS proxy statistics.
func (p *DNSProxy) Stats() Stats {
	s := Stats{
		Upstream:   p.upstream.String(),
		StartedAt:  p.startedAt,
		UDPQueries: p.udpQueries.Load(),
		TCPQueries: p.tcpQueries.Load(),
		Answered:   p.answered.Load(),
		Failed:     p.failed.Load(),
		Malformed:  p.malformed.Load(),
		Dropped:    p.dropped.Load(),
	}
	if p.udpConn != nil {
		s.ListenAddr = p.udpConn.LocalAddr().String()
	}
	return s
}
