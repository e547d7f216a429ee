package config

import (
	"path/filepath"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
)

const (
	defaultListenAddr         = "127.0.0.1"
	defaultListenPort         = 5053
	defaultMaxInflight        = 256
	defaultMaxIdleSec         = 118
	defaultTimeoutSec         = 10
	defaultPollingIntervalSec = 120
	defaultAPIBindAddr        = "127.0.0.1:8053"
)

type Config struct {
	// General holds general configuration.
	General *GeneralConfig `toml:"general"`
	// Listen is the plain DNS listener.
	Listen *ListenConfig `toml:"listen"`
	// Upstream is the DoH resolver.
	Upstream *UpstreamConfig `toml:"upstream"`
	// Bootstrap holds the plain DNS servers used to resolve the resolver host.
	Bootstrap *BootstrapConfig `toml:"bootstrap"`
	// Source is the source address policy for outbound connections.
	Source *SourceConfig `toml:"source"`
	// API is the optional status API.
	API *APIConfig `toml:"api"`
	// Redirect installs iptables rules sending port 53 traffic to the listener.
	Redirect *RedirectConfig `toml:"redirect"`

	_absConfigFilePath string
}

type GeneralConfig struct {
	// Verbose enables debug logging.
	Verbose bool `toml:"verbose" json:"verbose"`
	// LogFile redirects logs to a file (relative paths are resolved against the config directory).
	LogFile string `toml:"log_file" json:"log_file"`
	// StatsIntervalSec enables a periodic statistics log line (0 = disabled).
	StatsIntervalSec int `toml:"stats_interval_sec" json:"stats_interval_sec" validate:"gte=0"`
}

type ListenConfig struct {
	// Addr is the listen address, an IPv4 or IPv6 literal (default: 127.0.0.1).
	Addr string `toml:"addr" json:"addr" validate:"ip_literal_or_empty"`
	// Port is the listen port (default: 5053).
	Port uint16 `toml:"port" json:"port"`
	// TCP enables the TCP listener (default: true).
	TCP *bool `toml:"tcp" json:"tcp"`
	// MaxInflight bounds concurrently processed UDP queries (default: 256).
	MaxInflight int `toml:"max_inflight" json:"max_inflight" validate:"gte=0"`
}

type UpstreamConfig struct {
	// ResolverURL is the DoH resolver, e.g. https://dns.google/dns-query.
	ResolverURL string `toml:"resolver_url" json:"resolver_url" validate:"required,resolver_url"`
	// HTTP11 disables HTTP/2.
	HTTP11 bool `toml:"http11" json:"http11"`
	// ProxyURL is an optional http(s):// or socks5:// proxy.
	ProxyURL string `toml:"proxy_url" json:"proxy_url" validate:"omitempty,url"`
	// CAPath is an optional PEM bundle used instead of the system roots.
	CAPath string `toml:"ca_path" json:"ca_path"`
	// MaxIdleSec is how long idle resolver connections are kept (default: 118).
	MaxIdleSec int `toml:"max_idle_sec" json:"max_idle_sec" validate:"gte=0"`
	// TimeoutSec bounds one DoH request (default: 10).
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" validate:"gte=0"`
	// DSCP is the codepoint for resolver connections (0 = unset).
	DSCP int `toml:"dscp" json:"dscp" validate:"dscp"`
}

type BootstrapConfig struct {
	// Servers are plain DNS servers as IP literals with an optional port.
	Servers []string `toml:"servers" json:"servers" validate:"dive,bootstrap_server"`
	// PollingIntervalSec is how often the resolver host is re-resolved (default: 120).
	PollingIntervalSec int `toml:"polling_interval_sec" json:"polling_interval_sec" validate:"gte=0"`
	// IPv4Only disables AAAA queries and IPv6 resolver addresses.
	IPv4Only bool `toml:"ipv4_only" json:"ipv4_only"`
}

type SourceAddrs struct {
	// Addr is used for both families unless a per-family address is set.
	Addr string `toml:"addr" json:"addr" validate:"ip_literal_or_empty"`
	// AddrIPv4 is used for IPv4 remotes.
	AddrIPv4 string `toml:"addr_ipv4" json:"addr_ipv4" validate:"ip_literal_or_empty"`
	// AddrIPv6 is used for IPv6 remotes.
	AddrIPv6 string `toml:"addr_ipv6" json:"addr_ipv6" validate:"ip_literal_or_empty"`
}

type SourceConfig struct {
	SourceAddrs
	// Bootstrap overrides the source for bootstrap DNS queries.
	Bootstrap *SourceAddrs `toml:"bootstrap" json:"bootstrap,omitempty"`
}

type APIConfig struct {
	// Enable starts the status API.
	Enable bool `toml:"enable" json:"enable"`
	// BindAddr is host:port for the API (default: 127.0.0.1:8053).
	BindAddr string `toml:"bind_addr" json:"bind_addr" validate:"hostport_or_empty"`
}

type RedirectConfig struct {
	// Enable installs REDIRECT rules for port 53 on Interfaces.
	Enable bool `toml:"enable" json:"enable"`
	// Interfaces are the ingress interfaces to intercept (e.g. br0).
	Interfaces []string `toml:"interfaces" json:"interfaces" validate:"required_if=Enable true"`
	// Rules override the default rule templates. Variables: {{interface}}, {{listen_port}}.
	Rules []string `toml:"rules" json:"rules,omitempty"`
}

// EnsureSections allocates missing sections so they can be filled from flags.
func (c *Config) EnsureSections() {
	if c.General == nil {
		c.General = &GeneralConfig{}
	}
	if c.Listen == nil {
		c.Listen = &ListenConfig{}
	}
	if c.Upstream == nil {
		c.Upstream = &UpstreamConfig{}
	}
	if c.Bootstrap == nil {
		c.Bootstrap = &BootstrapConfig{}
	}
	if c.Source == nil {
		c.Source = &SourceConfig{}
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.Redirect == nil {
		c.Redirect = &RedirectConfig{}
	}
}

func (c *Config) GetConfigDir() string {
	if c._absConfigFilePath == "" {
		return "."
	}
	return filepath.Dir(c._absConfigFilePath)
}

// absPath resolves a path relative to the configuration directory.
func (c *Config) absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(c.GetConfigDir(), path))
}

// GetAbsLogFile returns the log file path, or "" when logging to the console.
func (c *Config) GetAbsLogFile() string {
	if c.General == nil || c.General.LogFile == "" {
		return ""
	}
	return c.absPath(c.General.LogFile)
}

// GetAbsCAPath returns the CA bundle path, or "" for system roots.
func (c *Config) GetAbsCAPath() string {
	if c.Upstream == nil || c.Upstream.CAPath == "" {
		return ""
	}
	return c.absPath(c.Upstream.CAPath)
}

func (g *GeneralConfig) GetStatsInterval() time.Duration {
	if g == nil {
		return 0
	}
	return time.Duration(g.StatsIntervalSec) * time.Second
}

func (l *ListenConfig) GetAddr() string {
	if l == nil || l.Addr == "" {
		return defaultListenAddr
	}
	return l.Addr
}

func (l *ListenConfig) GetPort() uint16 {
	if l == nil || l.Port == 0 {
		return defaultListenPort
	}
	return l.Port
}

func (l *ListenConfig) IsTCPEnabled() bool {
	if l == nil || l.TCP == nil {
		return true
	}
	return *l.TCP
}

func (l *ListenConfig) GetMaxInflight() int {
	if l == nil || l.MaxInflight == 0 {
		return defaultMaxInflight
	}
	return l.MaxInflight
}

func (u *UpstreamConfig) GetMaxIdle() time.Duration {
	if u == nil || u.MaxIdleSec == 0 {
		return defaultMaxIdleSec * time.Second
	}
	return time.Duration(u.MaxIdleSec) * time.Second
}

func (u *UpstreamConfig) GetTimeout() time.Duration {
	if u == nil || u.TimeoutSec == 0 {
		return defaultTimeoutSec * time.Second
	}
	return time.Duration(u.TimeoutSec) * time.Second
}

// GetServers returns the configured bootstrap servers or the default list.
func (b *BootstrapConfig) GetServers() []string {
	if b == nil || len(b.Servers) == 0 {
		return bootstrap.DefaultServers
	}
	return b.Servers
}

func (b *BootstrapConfig) GetPollingInterval() time.Duration {
	if b == nil || b.PollingIntervalSec == 0 {
		return defaultPollingIntervalSec * time.Second
	}
	return time.Duration(b.PollingIntervalSec) * time.Second
}

func (b *BootstrapConfig) IsIPv4Only() bool {
	return b != nil && b.IPv4Only
}

func (s *SourceAddrs) policy() bind.SourcePolicy {
	if s == nil {
		return bind.SourcePolicy{}
	}
	return bind.SourcePolicy{Shared: s.Addr, IPv4: s.AddrIPv4, IPv6: s.AddrIPv6}
}

// HTTPSPolicy is the source policy for connections to the resolver.
func (c *Config) HTTPSPolicy() bind.SourcePolicy {
	if c.Source == nil {
		return bind.SourcePolicy{}
	}
	return c.Source.SourceAddrs.policy()
}

// BootstrapPolicy is the source policy for bootstrap DNS queries: the
// [source.bootstrap] override when set, the HTTPS policy otherwise.
func (c *Config) BootstrapPolicy() bind.SourcePolicy {
	if c.Source == nil {
		return bind.SourcePolicy{}
	}
	return c.Source.Bootstrap.policy().Or(c.HTTPSPolicy())
}

func (a *APIConfig) IsEnabled() bool {
	return a != nil && a.Enable
}

func (a *APIConfig) GetBindAddr() string {
	if a == nil || a.BindAddr == "" {
		return defaultAPIBindAddr
	}
	return a.BindAddr
}

func (r *RedirectConfig) IsEnabled() bool {
	return r != nil && r.Enable
}
