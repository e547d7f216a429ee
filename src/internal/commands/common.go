package commands

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
	"github.com/maksimkurb/keen-doh/src/internal/config"
	"github.com/maksimkurb/keen-doh/src/internal/log"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
	"github.com/maksimkurb/keen-doh/src/internal/upstream"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "/opt/etc/keen-doh/keen-doh.toml"

type Runner interface {
	Init(args []string, globalArgs *AppContext) error
	Run() error
	Name() string
}

type AppContext struct {
	ConfigPath string
	Verbose    bool
}

// loadConfig reads the configuration file. A missing file at the default
// path is not an error: every setting then comes from defaults and flags.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.NewDefaultConfig(), nil
	}
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) && configPath == DefaultConfigPath {
		log.Debugf("Configuration file %s not found, using defaults", configPath)
		return config.NewDefaultConfig(), nil
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %v", err)
	}
	return cfg, nil
}

// loadAndValidateConfigOrFail loads configuration, applies command-line
// overrides and validates the result.
func loadAndValidateConfigOrFail(ctx *AppContext, fs *flag.FlagSet, o *overrides) (*config.Config, error) {
	cfg, err := loadConfig(ctx.ConfigPath)
	if err != nil {
		return nil, err
	}

	if err := o.apply(fs, cfg); err != nil {
		return nil, err
	}

	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %v", err)
	}

	if ctx.Verbose || cfg.General.Verbose {
		log.SetVerbose(true)
	}
	if logFile := cfg.GetAbsLogFile(); logFile != "" {
		if err := log.SetOutputFile(logFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// overrides are command-line flags that take precedence over the
// configuration file. Only flags given on the command line are applied.
type overrides struct {
	listenAddr    string
	listenPort    uint
	resolverURL   string
	bootstrap     string
	sourceAddr    string
	ipv4Only      bool
	http11        bool
	proxy         string
	dscp          int
	logFile       string
	statsInterval int
}

// registerResolution adds the flags shared by every command that talks to
// the bootstrap servers or the resolver.
func (o *overrides) registerResolution(fs *flag.FlagSet) {
	fs.StringVar(&o.resolverURL, "resolver-url", "", "DoH resolver URL (e.g. https://dns.google/dns-query)")
	fs.StringVar(&o.bootstrap, "bootstrap", "", "Comma-separated bootstrap DNS servers (IP literals)")
	fs.StringVar(&o.sourceAddr, "source-addr", "", "Source address for bootstrap and resolver connections")
	fs.BoolVar(&o.ipv4Only, "4", false, "IPv4 only: no AAAA bootstrap queries, no IPv6 resolver addresses")
}

// registerService adds the listener and transport flags of the service command.
func (o *overrides) registerService(fs *flag.FlagSet) {
	o.registerResolution(fs)
	fs.StringVar(&o.listenAddr, "listen-addr", "", "Listen address (IPv4 or IPv6 literal)")
	fs.UintVar(&o.listenPort, "listen-port", 0, "Listen port")
	fs.BoolVar(&o.http11, "http11", false, "Use HTTP/1.1 instead of HTTP/2 for the resolver")
	fs.StringVar(&o.proxy, "proxy", "", "Proxy URL for resolver connections (http://, https:// or socks5://)")
	fs.IntVar(&o.dscp, "dscp", 0, "DSCP codepoint for resolver connections (0-63)")
	fs.StringVar(&o.logFile, "log-file", "", "Write logs to this file")
	fs.IntVar(&o.statsInterval, "stats-interval", 0, "Log statistics every N seconds (0 = disabled)")
}

func (o *overrides) apply(fs *flag.FlagSet, cfg *config.Config) error {
	cfg.EnsureSections()

	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen-addr":
			cfg.Listen.Addr = o.listenAddr
		case "listen-port":
			if o.listenPort > 65535 {
				err = fmt.Errorf("invalid -listen-port %d", o.listenPort)
				return
			}
			cfg.Listen.Port = uint16(o.listenPort)
		case "resolver-url":
			cfg.Upstream.ResolverURL = o.resolverURL
		case "bootstrap":
			cfg.Bootstrap.Servers = splitList(o.bootstrap)
		case "source-addr":
			cfg.Source.Addr = o.sourceAddr
		case "4":
			cfg.Bootstrap.IPv4Only = o.ipv4Only
		case "http11":
			cfg.Upstream.HTTP11 = o.http11
		case "proxy":
			cfg.Upstream.ProxyURL = o.proxy
		case "dscp":
			cfg.Upstream.DSCP = o.dscp
		case "log-file":
			path, absErr := filepath.Abs(o.logFile)
			if absErr != nil {
				err = fmt.Errorf("invalid -log-file: %v", absErr)
				return
			}
			cfg.General.LogFile = path
		case "stats-interval":
			cfg.General.StatsIntervalSec = o.statsInterval
		}
	})
	return err
}

// splitList splits a comma-separated flag value. Items are not trimmed, so
// padded literals reach validation unchanged and are rejected there.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// newResolver builds the bootstrap resolver from the configuration.
func newResolver(cfg *config.Config, m *metrics.Metrics) (*bootstrap.Resolver, error) {
	servers, err := bootstrap.ParseServers(cfg.Bootstrap.GetServers())
	if err != nil {
		return nil, err
	}
	return bootstrap.New(bootstrap.Config{
		Servers:  servers,
		Source:   cfg.BootstrapPolicy(),
		IPv4Only: cfg.Bootstrap.IsIPv4Only(),
		Metrics:  m,
	}), nil
}

// resolverHost returns the host part of the configured resolver URL.
func resolverHost(cfg *config.Config) (string, error) {
	u, err := upstream.ParseResolverURL(cfg.Upstream.ResolverURL)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}
