package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
)

func TestLoadConfig_NonExistentFile(t *testing.T) {
	_, err := LoadConfig("/non/existent/file.toml")
	if err == nil {
		t.Error("Expected error for non-existent file")
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.toml")

	invalidTOML := `[upstream
	resolver_url = "https://dns.google/dns-query"`

	if err := os.WriteFile(configFile, []byte(invalidTOML), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := LoadConfig(configFile); err == nil {
		t.Error("Expected error for invalid TOML")
	}
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	_, err := ParseConfig([]byte("[upstream]\nresolver = \"https://dns.google\"\n"))
	if err == nil {
		t.Error("Expected error for unknown key")
	}
}

func TestLoadConfig_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "keen-doh.toml")

	validTOML := `[general]
log_file = "keen-doh.log"
stats_interval_sec = 60

[listen]
addr = "::1"
port = 5353
tcp = false

[upstream]
resolver_url = "https://dns.google/dns-query"
ca_path = "ca.pem"
dscp = 46

[bootstrap]
servers = ["8.8.8.8", "[2001:4860:4860::8888]:53"]
polling_interval_sec = 300

[source]
addr = "192.168.1.1"
addr_ipv6 = "2001:db8::1"

[source.bootstrap]
addr = "10.0.0.1"
`

	if err := os.WriteFile(configFile, []byte(validTOML), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := cfg.ValidateConfig(); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	if got := cfg.Listen.GetAddr(); got != "::1" {
		t.Errorf("Listen.GetAddr() = %s", got)
	}
	if got := cfg.Listen.GetPort(); got != 5353 {
		t.Errorf("Listen.GetPort() = %d", got)
	}
	if cfg.Listen.IsTCPEnabled() {
		t.Error("Expected TCP to be disabled")
	}
	if got := cfg.GetAbsLogFile(); got != filepath.Join(tmpDir, "keen-doh.log") {
		t.Errorf("GetAbsLogFile() = %s", got)
	}
	if got := cfg.GetAbsCAPath(); got != filepath.Join(tmpDir, "ca.pem") {
		t.Errorf("GetAbsCAPath() = %s", got)
	}
	if got := cfg.Bootstrap.GetPollingInterval(); got != 5*time.Minute {
		t.Errorf("GetPollingInterval() = %v", got)
	}

	https := cfg.HTTPSPolicy()
	if https.Shared != "192.168.1.1" || https.IPv6 != "2001:db8::1" {
		t.Errorf("HTTPSPolicy() = %v", https)
	}
	if got := cfg.BootstrapPolicy(); got.Shared != "10.0.0.1" || got.IPv6 != "" {
		t.Errorf("BootstrapPolicy() = %v", got)
	}
}

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	if got := cfg.Listen.GetAddr(); got != defaultListenAddr {
		t.Errorf("GetAddr() = %s", got)
	}
	if got := cfg.Listen.GetPort(); got != defaultListenPort {
		t.Errorf("GetPort() = %d", got)
	}
	if !cfg.Listen.IsTCPEnabled() {
		t.Error("TCP should be enabled by default")
	}
	if got := cfg.Listen.GetMaxInflight(); got != defaultMaxInflight {
		t.Errorf("GetMaxInflight() = %d", got)
	}
	if got := len(cfg.Bootstrap.GetServers()); got != len(bootstrap.DefaultServers) {
		t.Errorf("GetServers() returned %d servers", got)
	}
	if got := cfg.Bootstrap.GetPollingInterval(); got != 120*time.Second {
		t.Errorf("GetPollingInterval() = %v", got)
	}
	if got := cfg.Upstream.GetTimeout(); got != 10*time.Second {
		t.Errorf("GetTimeout() = %v", got)
	}
	if cfg.HTTPSPolicy().Configured() || cfg.BootstrapPolicy().Configured() {
		t.Error("Source policy should be unbound by default")
	}
	if cfg.API.IsEnabled() || cfg.Redirect.IsEnabled() {
		t.Error("API and redirect should be disabled by default")
	}
	if got := cfg.GetAbsLogFile(); got != "" {
		t.Errorf("GetAbsLogFile() = %q", got)
	}
}

func TestNilSectionGetters(t *testing.T) {
	var l *ListenConfig
	var b *BootstrapConfig
	var a *APIConfig

	if l.GetPort() != defaultListenPort || !l.IsTCPEnabled() {
		t.Error("nil ListenConfig should return defaults")
	}
	if b.IsIPv4Only() || len(b.GetServers()) == 0 {
		t.Error("nil BootstrapConfig should return defaults")
	}
	if a.GetBindAddr() != defaultAPIBindAddr {
		t.Error("nil APIConfig should return defaults")
	}
}

func TestSerializeConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Upstream.ResolverURL = "https://dns.google/dns-query"

	buf, err := cfg.SerializeConfig()
	if err != nil {
		t.Fatalf("SerializeConfig() error = %v", err)
	}

	parsed, err := ParseConfig(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if parsed.Upstream.ResolverURL != cfg.Upstream.ResolverURL {
		t.Errorf("resolver_url = %q", parsed.Upstream.ResolverURL)
	}
}
