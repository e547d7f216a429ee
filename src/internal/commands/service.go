package commands

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/api"
	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/bootstrap"
	"github.com/maksimkurb/keen-doh/src/internal/config"
	"github.com/maksimkurb/keen-doh/src/internal/dnsproxy"
	"github.com/maksimkurb/keen-doh/src/internal/log"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
	"github.com/maksimkurb/keen-doh/src/internal/networking"
	"github.com/maksimkurb/keen-doh/src/internal/upstream"
)

func CreateServiceCommand() *ServiceCommand {
	sc := &ServiceCommand{
		fs: flag.NewFlagSet("service", flag.ExitOnError),
	}
	sc.flags.registerService(sc.fs)
	return sc
}

type ServiceCommand struct {
	fs    *flag.FlagSet
	flags overrides
	cfg   *config.Config
	ctx   *AppContext

	metrics   *metrics.Metrics
	refresher *bootstrap.Refresher
	dnsProxy  *dnsproxy.DNSProxy
	redirect  *networking.DNSRedirect

	// Runner for crash isolation of the API server
	apiRunner *RestartableRunner
}

func (s *ServiceCommand) Name() string {
	return s.fs.Name()
}

func (s *ServiceCommand) Init(args []string, ctx *AppContext) error {
	s.ctx = ctx

	if err := s.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfigOrFail(ctx, s.fs, &s.flags)
	if err != nil {
		return err
	}
	s.cfg = cfg

	return nil
}

func (s *ServiceCommand) Run() error {
	log.Infof("Starting keen-doh service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := s.start(ctx); err != nil {
		s.shutdown()
		return err
	}

	log.Infof("Service started successfully.")
	log.Infof("Send SIGHUP to re-resolve the resolver host")

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			log.Infof("Received SIGHUP signal, refreshing bootstrap addresses...")
			s.refresher.Trigger()

		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("Received signal %v, shutting down...", sig)
			s.shutdown()
			return nil
		}
	}
	return nil
}

// start brings the components up in dependency order: the bootstrap
// refresher, the DoH upstream, the DNS listener, then the optional redirect
// rules and API server.
func (s *ServiceCommand) start(ctx context.Context) error {
	s.metrics = metrics.New()

	if err := s.startRefresher(ctx); err != nil {
		return err
	}

	if err := s.startDNSProxy(); err != nil {
		return err
	}

	warnUnreachableResolver(s.cfg, s.refresher.Addresses())
	warnUnassignedSources(s.cfg, networking.SourceAssigned)

	if s.cfg.Redirect.IsEnabled() {
		if err := s.startRedirect(); err != nil {
			log.Errorf("Failed to install DNS redirect rules: %v", err)
			log.Warnf("Port 53 traffic will not be intercepted")
		}
	}

	if s.cfg.API.IsEnabled() {
		if err := s.startAPIServer(ctx); err != nil {
			log.Errorf("Failed to start API server: %v", err)
			log.Warnf("Status API will not be available")
		}
	} else {
		log.Debugf("Status API is disabled")
	}

	return nil
}

func (s *ServiceCommand) startRefresher(ctx context.Context) error {
	resolver, err := newResolver(s.cfg, s.metrics)
	if err != nil {
		return err
	}
	host, err := resolverHost(s.cfg)
	if err != nil {
		return err
	}

	log.Infof("Bootstrap servers: %v (source: %s)", resolver.Servers(), s.cfg.BootstrapPolicy())
	s.refresher = bootstrap.NewRefresher(resolver, host, s.cfg.Bootstrap.GetPollingInterval(), nil)
	s.refresher.Start(ctx)
	return nil
}

func (s *ServiceCommand) startDNSProxy() error {
	doh, err := upstream.NewDoHUpstream(upstream.DoHConfig{
		URL:       s.cfg.Upstream.ResolverURL,
		Addresses: s.refresher,
		Source:    s.cfg.HTTPSPolicy(),
		IPv4Only:  s.cfg.Bootstrap.IsIPv4Only(),
		HTTP11:    s.cfg.Upstream.HTTP11,
		ProxyURL:  s.cfg.Upstream.ProxyURL,
		CAPath:    s.cfg.GetAbsCAPath(),
		MaxIdle:   s.cfg.Upstream.GetMaxIdle(),
		Timeout:   s.cfg.Upstream.GetTimeout(),
		DSCP:      s.cfg.Upstream.DSCP,
		Metrics:   s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create DoH upstream: %w", err)
	}

	proxy, err := dnsproxy.NewDNSProxy(dnsproxy.ProxyConfig{
		ListenAddr:    s.cfg.Listen.GetAddr(),
		ListenPort:    s.cfg.Listen.GetPort(),
		TCP:           s.cfg.Listen.IsTCPEnabled(),
		MaxInflight:   s.cfg.Listen.GetMaxInflight(),
		QueryTimeout:  s.cfg.Upstream.GetTimeout(),
		StatsInterval: s.cfg.General.GetStatsInterval(),
	}, doh, s.metrics)
	if err != nil {
		doh.Close()
		return fmt.Errorf("failed to create DNS proxy: %w", err)
	}

	if err := proxy.Start(); err != nil {
		doh.Close()
		return fmt.Errorf("failed to start DNS proxy: %w", err)
	}
	s.dnsProxy = proxy

	log.Infof("DNS proxy started on %s with upstream %s (source: %s)", proxy.UDPAddr(), doh, s.cfg.HTTPSPolicy())
	return nil
}

func (s *ServiceCommand) startRedirect() error {
	port := s.dnsProxy.UDPAddr().Port()
	redirect, err := networking.NewDNSRedirect(s.cfg.Redirect.Interfaces, port, s.cfg.Redirect.Rules)
	if err != nil {
		return err
	}
	if err := redirect.Enable(); err != nil {
		return err
	}
	s.redirect = redirect
	return nil
}

// startAPIServer starts the HTTP API server under a restartable runner.
func (s *ServiceCommand) startAPIServer(ctx context.Context) error {
	bindAddr := s.cfg.API.GetBindAddr()
	log.Infof("Starting keen-doh API server on %s", bindAddr)
	log.Infof("Access restricted to private subnets only:")
	log.Infof("  IPv4: 10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16, 127.0.0.0/8")
	log.Infof("  IPv6: fc00::/7, fe80::/10, ::1/128")

	server := api.NewServer(bindAddr, api.Dependencies{
		Proxy:           s.dnsProxy,
		Bootstrap:       s.refresher,
		ResolverURL:     s.cfg.Upstream.ResolverURL,
		Source:          s.cfg.HTTPSPolicy(),
		BootstrapSource: s.cfg.BootstrapPolicy(),
		Metrics:         s.metrics,
	})

	s.apiRunner = NewRestartableRunner(RunnerConfig{
		Name:           "API server",
		MaxRestarts:    0,
		RestartBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
	}, server.Run)

	return s.apiRunner.Start(ctx)
}

// shutdown performs graceful shutdown of all components.
func (s *ServiceCommand) shutdown() {
	log.Infof("Shutting down keen-doh service...")

	if s.redirect != nil {
		if err := s.redirect.Disable(); err != nil {
			log.Errorf("Failed to remove DNS redirect rules: %v", err)
		}
		s.redirect = nil
	}

	if s.apiRunner != nil {
		if err := s.apiRunner.Stop(); err != nil {
			log.Errorf("Failed to stop API server: %v", err)
		}
		s.apiRunner = nil
	}

	if s.dnsProxy != nil {
		log.Infof("Stopping DNS proxy...")
		if err := s.dnsProxy.Stop(); err != nil {
			log.Errorf("Failed to stop DNS proxy: %v", err)
		}
		s.dnsProxy = nil
	}

	if s.refresher != nil {
		s.refresher.Stop()
		s.refresher = nil
	}

	log.Infof("Service stopped successfully")
}

// warnUnreachableResolver logs an error when no known resolver address can
// be bound with the HTTPS source policy. The service keeps running: the next
// refresh may return addresses of the other family.
func warnUnreachableResolver(cfg *config.Config, addresses []netip.Addr) bool {
	policy := cfg.HTTPSPolicy()
	if !policy.Configured() || len(addresses) == 0 {
		return false
	}
	for _, a := range addresses {
		if cfg.Bootstrap.IsIPv4Only() && !a.Is4() {
			continue
		}
		if policy.Decide(a).Bound() {
			return false
		}
	}
	log.Errorf("No resolver address in %v can be bound with source %s; every query will fail with SERVFAIL", addresses, policy)
	return true
}

// sourceLookup reports the interface a local address is assigned to.
type sourceLookup func(ip netip.Addr) (string, bool, error)

// warnUnassignedSources warns about configured source addresses that no
// local interface carries. The service still starts: the address may be
// added later, and until then binding fails per connection attempt.
func warnUnassignedSources(cfg *config.Config, lookup sourceLookup) int {
	missing := 0
	for _, literal := range sourceLiterals(cfg.HTTPSPolicy(), cfg.BootstrapPolicy()) {
		c := addr.Classify(literal)
		if !c.Valid() {
			continue
		}
		_, found, err := lookup(c.Addr())
		if err != nil {
			log.Debugf("Cannot check whether %s is assigned locally: %v", literal, err)
			continue
		}
		if !found {
			log.Warnf("Source address %s is not assigned to any local interface; connections bound to it will fail", literal)
			missing++
		}
	}
	return missing
}

// sourceLiterals returns the distinct non-empty literals of the policies.
func sourceLiterals(policies ...bind.SourcePolicy) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range policies {
		for _, literal := range []string{p.Shared, p.IPv4, p.IPv6} {
			if literal == "" || seen[literal] {
				continue
			}
			seen[literal] = true
			out = append(out, literal)
		}
	}
	return out
}
