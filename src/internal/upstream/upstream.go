// Package upstream forwards DNS queries to a DNS-over-HTTPS resolver.
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

const defaultDoHPath = "/dns-query"

// Upstream represents a DNS upstream resolver.
type Upstream interface {
	// Query sends a DNS query to the upstream and returns the response.
	Query(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	// Close closes any resources held by the upstream.
	Close() error
	// String returns a human-readable representation of the upstream.
	String() string
}

// ParseResolverURL validates a DoH resolver URL. Only https is accepted; the
// legacy doh:// scheme is rewritten to https and an empty path becomes /dns-query.
func ParseResolverURL(raw string) (*url.URL, error) {
	if strings.HasPrefix(raw, "doh://") {
		raw = "https://" + strings.TrimPrefix(raw, "doh://")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid resolver URL %q: %w", raw, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("resolver URL %q must use https", raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("resolver URL %q has no host", raw)
	}
	if u.User != nil {
		return nil, fmt.Errorf("resolver URL %q must not contain credentials", raw)
	}
	if u.Path == "" {
		u.Path = defaultDoHPath
	}
	return u, nil
}

func describe(req *dns.Msg) string {
	if len(req.Question) == 0 {
		return "unknown"
	}
	q := req.Question[0]
	return fmt.Sprintf("%s %s", q.Name, dns.TypeToString[q.Qtype])
}
