package networking

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	"github.com/valyala/fasttemplate"

	"github.com/maksimkurb/keen-doh/src/internal/log"
)

const (
	// dnsRedirectChainName is the name of the iptables chain for DNS redirection.
	dnsRedirectChainName = "KEEN_DOH_DNS"

	// Template variables for redirect rules.
	TmplInterface  = "interface"
	TmplListenPort = "listen_port"
)

// DefaultRedirectRules redirect UDP and TCP port 53 arriving on an interface.
var DefaultRedirectRules = []string{
	"-i {{interface}} -p udp --dport 53 -j REDIRECT --to-ports {{listen_port}}",
	"-i {{interface}} -p tcp --dport 53 -j REDIRECT --to-ports {{listen_port}}",
}

// IPTables is the subset of *iptables.IPTables used for redirection.
type IPTables interface {
	NewChain(table, chain string) error
	AppendUnique(table, chain string, rulespec ...string) error
	InsertUnique(table, chain string, pos int, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

// DNSRedirect manages nat REDIRECT rules sending DNS traffic to the listener.
type DNSRedirect struct {
	mu      sync.Mutex
	enabled bool

	rules [][]string
	ipt4  IPTables
	ipt6  IPTables
}

// NewDNSRedirect creates a redirect for interfaces to targetPort. Nil or empty
// templates select DefaultRedirectRules. IPv6 rules are skipped when ip6tables
// is unavailable.
func NewDNSRedirect(interfaces []string, targetPort uint16, templates []string) (*DNSRedirect, error) {
	ipt4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables (IPv4): %w", err)
	}

	var ipt6 IPTables
	if v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6); err != nil {
		log.Debugf("IPv6 iptables not available: %v", err)
	} else {
		ipt6 = v6
	}

	return newDNSRedirect(interfaces, targetPort, templates, ipt4, ipt6)
}

func newDNSRedirect(interfaces []string, targetPort uint16, templates []string, ipt4, ipt6 IPTables) (*DNSRedirect, error) {
	rules, err := RenderRedirectRules(interfaces, targetPort, templates)
	if err != nil {
		return nil, err
	}
	return &DNSRedirect{rules: rules, ipt4: ipt4, ipt6: ipt6}, nil
}

// RenderRedirectRules expands every template once per interface.
func RenderRedirectRules(interfaces []string, targetPort uint16, templates []string) ([][]string, error) {
	if len(interfaces) == 0 {
		return nil, fmt.Errorf("no interfaces to redirect")
	}
	if len(templates) == 0 {
		templates = DefaultRedirectRules
	}

	var rules [][]string
	for _, iface := range interfaces {
		for _, tmpl := range templates {
			rule := strings.Fields(processRulePart(tmpl, iface, targetPort))
			if len(rule) == 0 {
				return nil, fmt.Errorf("redirect rule template %q is empty", tmpl)
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func processRulePart(template, iface string, targetPort uint16) string {
	if !strings.Contains(template, "{{") {
		return template
	}

	t := fasttemplate.New(template, "{{", "}}")
	return t.ExecuteString(map[string]interface{}{
		TmplInterface:  iface,
		TmplListenPort: strconv.FormatUint(uint64(targetPort), 10),
	})
}

// Enable installs the redirect chain and links it from PREROUTING.
func (r *DNSRedirect) Enable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.enabled {
		return nil
	}

	// Start from a clean chain
	r.disable()

	if err := r.createRules(); err != nil {
		r.disable()
		return err
	}

	r.enabled = true
	log.Infof("DNS redirection enabled (%d rules)", len(r.rules))
	return nil
}

// Disable removes the redirect chain.
func (r *DNSRedirect) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return nil
	}

	r.disable()
	r.enabled = false
	log.Infof("DNS redirection disabled")
	return nil
}

func (r *DNSRedirect) createRules() error {
	if err := r.createChainAndRules(r.ipt4); err != nil {
		return fmt.Errorf("failed to create IPv4 rules: %w", err)
	}
	if r.ipt6 != nil {
		if err := r.createChainAndRules(r.ipt6); err != nil {
			return fmt.Errorf("failed to create IPv6 rules: %w", err)
		}
	}
	return nil
}

func (r *DNSRedirect) createChainAndRules(ipt IPTables) error {
	if err := ipt.NewChain("nat", dnsRedirectChainName); err != nil {
		// Check if chain already exists
		if eerr, ok := err.(*iptables.Error); !(ok && eerr.ExitStatus() == 1) {
			return fmt.Errorf("failed to create chain: %w", err)
		}
	}

	for _, rule := range r.rules {
		if err := ipt.AppendUnique("nat", dnsRedirectChainName, rule...); err != nil {
			return fmt.Errorf("failed to add rule %v: %w", rule, err)
		}
	}

	if err := ipt.InsertUnique("nat", "PREROUTING", 1, "-j", dnsRedirectChainName); err != nil {
		return fmt.Errorf("failed to link chain: %w", err)
	}
	return nil
}

func (r *DNSRedirect) disable() {
	for _, ipt := range []IPTables{r.ipt4, r.ipt6} {
		if ipt == nil {
			continue
		}
		if err := ipt.DeleteIfExists("nat", "PREROUTING", "-j", dnsRedirectChainName); err != nil {
			log.Debugf("Failed to unlink chain: %v", err)
		}
		if err := ipt.ClearChain("nat", dnsRedirectChainName); err != nil {
			log.Debugf("Failed to clear chain: %v", err)
		}
		if err := ipt.DeleteChain("nat", dnsRedirectChainName); err != nil {
			log.Debugf("Failed to delete chain: %v", err)
		}
	}
}
