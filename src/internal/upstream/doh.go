package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/http2"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/errors"
	"github.com/maksimkurb/keen-doh/src/internal/log"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
)

const (
	// HTTP client configuration
	dohClientTimeout       = 10 * time.Second
	dohIdleConnTimeout     = 118 * time.Second
	dohMaxIdleConnsPerHost = 5

	dnsMessageContentType = "application/dns-message"

	// dohMaxResponseSize caps the response body read from the resolver.
	dohMaxResponseSize = 64 * 1024
)

// AddressSource supplies the bootstrap-resolved addresses of the resolver host.
type AddressSource interface {
	Addresses() []netip.Addr
}

type DoHConfig struct {
	// URL is the resolver URL; see ParseResolverURL.
	URL string
	// Addresses resolves the URL's host. Unused when the host is an IP literal.
	Addresses AddressSource
	// Source is the source policy for HTTPS connections.
	Source   bind.SourcePolicy
	IPv4Only bool
	HTTP11   bool
	// ProxyURL is an optional http(s) or socks5 proxy.
	ProxyURL string
	// CAPath is an optional PEM bundle replacing the system roots.
	CAPath  string
	MaxIdle time.Duration
	Timeout time.Duration
	DSCP    int
	Metrics *metrics.Metrics
}

// DoHUpstream implements Upstream using DNS-over-HTTPS.
type DoHUpstream struct {
	url     *url.URL
	cfg     DoHConfig
	dialer  *bind.Dialer
	client  *http.Client
	metrics *metrics.Metrics
}

// NewDoHUpstream creates a DNS-over-HTTPS upstream whose connections are
// dialed to bootstrap addresses from the configured source address.
func NewDoHUpstream(cfg DoHConfig) (*DoHUpstream, error) {
	u, err := ParseResolverURL(cfg.URL)
	if err != nil {
		return nil, errors.NewConfigError("invalid resolver URL", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = dohClientTimeout
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = dohIdleConnTimeout
	}

	d := &DoHUpstream{
		url:     u,
		cfg:     cfg,
		metrics: cfg.Metrics,
	}
	d.dialer = &bind.Dialer{
		Policy: cfg.Source,
		DSCP:   cfg.DSCP,
		OnDecision: func(remote netip.Addr, dec bind.Decision) {
			cfg.Metrics.BindDecision(metrics.PathHTTPS, dec.Reason().String())
			if !dec.Bound() {
				log.Warnf("Not connecting to resolver address %s: source %q %s", remote, dec.Literal(), dec.Reason())
			}
		},
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CAPath != "" {
		pool, err := loadCertPool(cfg.CAPath)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	tr := &http.Transport{
		DialContext:         d.dialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: cfg.Timeout,
		IdleConnTimeout:     cfg.MaxIdle,
		MaxIdleConnsPerHost: dohMaxIdleConnsPerHost,
		DisableCompression:  true,
	}

	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, errors.NewConfigError("invalid proxy URL", err)
		}
		tr.Proxy = http.ProxyURL(proxy)
	}

	if cfg.HTTP11 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	} else {
		h2, err := http2.ConfigureTransports(tr)
		if err != nil {
			return nil, errors.NewInternalError("failed to enable HTTP/2", err)
		}
		h2.ReadIdleTimeout = cfg.MaxIdle / 2
		h2.PingTimeout = cfg.Timeout
	}

	d.client = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: tr,
	}
	return d, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(fmt.Sprintf("failed to read CA bundle %s", path), err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.NewConfigError(fmt.Sprintf("no certificates found in %s", path), nil)
	}
	return pool, nil
}

// dialContext connects to one of the candidate addresses for the host in
// address. Candidates rejected by the source policy are skipped.
func (d *DoHUpstream) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", address, err)
	}

	candidates, err := d.candidates(ctx, host)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range candidates {
		target := netip.AddrPortFrom(ip, uint16(port)).String()
		conn, err := d.dialer.DialContext(ctx, network, target)
		if err == nil {
			log.Debugf("Connected to %s (%s) from %s", host, target, conn.LocalAddr())
			return conn, nil
		}
		if !errors.HasCode(err, errors.ErrCodeBind) {
			log.Debugf("Failed to connect to %s (%s): %v", host, target, err)
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("no usable address for %s: %w", host, lastErr)
}

func (d *DoHUpstream) candidates(ctx context.Context, host string) ([]netip.Addr, error) {
	var all []netip.Addr
	switch c := addr.Classify(host); {
	case c.Valid():
		all = []netip.Addr{c.Addr()}
	case host == d.url.Hostname():
		if d.cfg.Addresses != nil {
			all = d.cfg.Addresses.Addresses()
		}
	default:
		// Proxy host given by name.
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, errors.NewNetworkError(fmt.Sprintf("failed to resolve %s", host), err)
		}
		all = addrs
	}

	out := all[:0:0]
	for _, a := range all {
		if d.cfg.IPv4Only && !a.Unmap().Is4() {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.NewBootstrapError(fmt.Sprintf("no addresses known for %s", host), nil)
	}
	return out, nil
}

// Query sends a DNS query to the DoH upstream.
func (d *DoHUpstream) Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	start := time.Now()
	resp, err := d.roundTrip(ctx, req)
	d.metrics.Upstream(time.Since(start), err)
	if err != nil {
		log.Debugf("[%04x] DoH query %s failed: %v", req.Id, describe(req), err)
		return nil, errors.NewUpstreamError(fmt.Sprintf("query to %s failed", d.url.Host), err)
	}
	return resp, nil
}

func (d *DoHUpstream) roundTrip(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	// RFC 8484 4.1: ID 0 on the wire.
	wire := req.Copy()
	wire.Id = 0
	packed, err := wire.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url.String(), bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", dnsMessageContentType)
	httpReq.Header.Set("Accept", dnsMessageContentType)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("DoH request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, dohMaxResponseSize))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DoH request failed with status: %d", resp.StatusCode)
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != dnsMessageContentType {
		return nil, fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dohMaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read DoH response: %w", err)
	}

	dnsResp := new(dns.Msg)
	if err := dnsResp.Unpack(body); err != nil {
		return nil, fmt.Errorf("failed to unpack DNS response: %w", err)
	}
	dnsResp.Id = req.Id
	return dnsResp, nil
}

// URL returns the resolver URL.
func (d *DoHUpstream) URL() *url.URL {
	return d.url
}

func (d *DoHUpstream) String() string {
	return d.url.String()
}

// Close closes idle connections.
func (d *DoHUpstream) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
