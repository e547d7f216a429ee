package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"text/tabwriter"
	"time"

	"github.com/maksimkurb/keen-doh/src/internal/addr"
	"github.com/maksimkurb/keen-doh/src/internal/bind"
	"github.com/maksimkurb/keen-doh/src/internal/config"
	"github.com/maksimkurb/keen-doh/src/internal/errors"
	"github.com/maksimkurb/keen-doh/src/internal/metrics"
	"github.com/maksimkurb/keen-doh/src/internal/networking"
)

const checkTimeout = 30 * time.Second

func CreateCheckSourceCommand() *CheckSourceCommand {
	c := &CheckSourceCommand{
		fs:     flag.NewFlagSet("check-source", flag.ExitOnError),
		out:    os.Stdout,
		lookup: networking.SourceAssigned,
	}
	c.flags.registerResolution(c.fs)
	return c
}

// CheckSourceCommand prints the binding decision for every connection the
// service would make: one per bootstrap server and one per resolver address.
type CheckSourceCommand struct {
	fs     *flag.FlagSet
	flags  overrides
	cfg    *config.Config
	out    io.Writer
	lookup sourceLookup
}

func (c *CheckSourceCommand) Name() string {
	return c.fs.Name()
}

func (c *CheckSourceCommand) Init(args []string, ctx *AppContext) error {
	if err := c.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfigOrFail(ctx, c.fs, &c.flags)
	if err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

func (c *CheckSourceCommand) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	paths, resolveErr := checkPaths(ctx, c.cfg)

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tREMOTE\tSOURCE\tRESULT")
	for _, p := range paths {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Path, p.Remote, orDash(p.Source), p.Result)
	}
	w.Flush()

	if resolveErr != nil {
		fmt.Fprintf(c.out, "\nResolver host lookup failed: %v\n", resolveErr)
	}

	literals := sourceLiterals(c.cfg.HTTPSPolicy(), c.cfg.BootstrapPolicy())
	if len(literals) > 0 {
		fmt.Fprintln(c.out)
		w = tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tINTERFACE")
		for _, literal := range literals {
			fmt.Fprintf(w, "%s\t%s\n", literal, c.interfaceOf(literal))
		}
		w.Flush()
	}

	if !anyUsable(paths) {
		return errors.NewBindError("every connection path is rejected by source binding", nil)
	}
	return nil
}

func (c *CheckSourceCommand) interfaceOf(literal string) string {
	cl := addr.Classify(literal)
	if !cl.Valid() {
		return "invalid address"
	}
	name, found, err := c.lookup(cl.Addr())
	switch {
	case err != nil:
		return fmt.Sprintf("check failed: %v", err)
	case !found:
		return "not assigned"
	default:
		return name
	}
}

// pathCheck is one row of the check-source report.
type pathCheck struct {
	Path   string
	Remote string
	Source string
	Result string
	usable bool
}

// checkPaths runs the binder for each bootstrap server, then resolves the
// resolver host and runs it for each resolved address.
func checkPaths(ctx context.Context, cfg *config.Config) ([]pathCheck, error) {
	resolver, err := newResolver(cfg, nil)
	if err != nil {
		return nil, err
	}
	ipv4Only := cfg.Bootstrap.IsIPv4Only()

	var paths []pathCheck
	for _, server := range resolver.Servers() {
		paths = append(paths, checkPath(metrics.PathBootstrap, server.String(), server.Addr(), cfg.BootstrapPolicy(), ipv4Only))
	}

	host, err := resolverHost(cfg)
	if err != nil {
		return paths, err
	}
	addresses, err := resolver.Resolve(ctx, host)
	if err != nil {
		return paths, err
	}
	for _, a := range addresses {
		paths = append(paths, checkPath(metrics.PathHTTPS, a.String(), a, cfg.HTTPSPolicy(), ipv4Only))
	}
	return paths, nil
}

func checkPath(path, remoteText string, remote netip.Addr, policy bind.SourcePolicy, ipv4Only bool) pathCheck {
	p := pathCheck{Path: path, Remote: remoteText}

	if ipv4Only && !remote.Is4() {
		p.Result = "skipped (ipv4-only)"
		return p
	}
	if !policy.Configured() {
		p.Result = "unbound"
		p.usable = true
		return p
	}

	p.Source = policy.For(bind.FamilyOf(remote))
	d := policy.Decide(remote)
	if d.Bound() {
		p.Result = "bound"
		p.usable = true
	} else {
		p.Result = "rejected: " + d.Reason().String()
	}
	return p
}

func anyUsable(paths []pathCheck) bool {
	for _, p := range paths {
		if p.usable {
			return true
		}
	}
	return false
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
