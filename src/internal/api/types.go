package api

import (
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
	"github.com/maksimkurb/keen-doh/src/internal/dnsproxy"
)

var (
	// Version information set via ldflags at build time
	Version = "dev"
	Date    = "n/a"
	Commit  = "n/a"
)

// DataResponse wraps successful responses with a "data" field.
type DataResponse struct {
	Data interface{} `json:"data"`
}

// VersionInfo contains build information.
type VersionInfo struct {
	Version string `json:"version"`
	Date    string `json:"date"`
	Commit  string `json:"commit"`
}

// SourceInfo describes a source policy as configured.
type SourceInfo struct {
	Any  string `json:"any,omitempty"`
	IPv4 string `json:"ipv4,omitempty"`
	IPv6 string `json:"ipv6,omitempty"`
	// Summary is "unbound" when no address is configured.
	Summary string `json:"summary"`
}

// StatusResponse returns the runtime state of the service.
type StatusResponse struct {
	Version     VersionInfo      `json:"version"`
	Uptime      string           `json:"uptime"`
	ResolverURL string           `json:"resolver_url"`
	Listener    dnsproxy.Stats   `json:"listener"`
	Bootstrap   bootstrap.Status `json:"bootstrap"`
	Source      SourceInfo       `json:"source"`
	// BootstrapSource is the effective policy for bootstrap queries.
	BootstrapSource SourceInfo `json:"bootstrap_source"`
}

// BindResponse reports a single binder decision.
type BindResponse struct {
	Literal string `json:"literal"`
	Family  string `json:"family"`
	Bound   bool   `json:"bound"`
	// Address is the canonical source address when bound.
	Address string `json:"address,omitempty"`
	// Kind is "ipv4", "ipv6" or "invalid".
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// statusTime is used to compute uptime; overridden in tests.
var statusTime = time.Now
