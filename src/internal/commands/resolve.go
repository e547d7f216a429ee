package commands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/maksimkurb/keen-doh/src/internal/config"
	"github.com/maksimkurb/keen-doh/src/internal/log"
)

func CreateResolveCommand() *ResolveCommand {
	c := &ResolveCommand{
		fs:  flag.NewFlagSet("resolve", flag.ExitOnError),
		out: os.Stdout,
	}
	c.flags.registerResolution(c.fs)
	return c
}

// ResolveCommand resolves a host (the resolver host by default) once through
// the bootstrap servers and prints its addresses.
type ResolveCommand struct {
	fs    *flag.FlagSet
	flags overrides
	cfg   *config.Config
	host  string
	out   io.Writer
}

func (c *ResolveCommand) Name() string {
	return c.fs.Name()
}

func (c *ResolveCommand) Init(args []string, ctx *AppContext) error {
	if err := c.fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAndValidateConfigOrFail(ctx, c.fs, &c.flags)
	if err != nil {
		return err
	}
	c.cfg = cfg

	switch c.fs.NArg() {
	case 0:
		if c.host, err = resolverHost(cfg); err != nil {
			return err
		}
	case 1:
		c.host = c.fs.Arg(0)
	default:
		return fmt.Errorf("resolve takes at most one host, got %d", c.fs.NArg())
	}
	return nil
}

func (c *ResolveCommand) Run() error {
	resolver, err := newResolver(c.cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	log.Debugf("Resolving %s via %v (source: %s)", c.host, resolver.Servers(), c.cfg.BootstrapPolicy())
	addresses, err := resolver.Resolve(ctx, c.host)
	if err != nil {
		return err
	}
	for _, a := range addresses {
		fmt.Fprintln(c.out, a)
	}
	return nil
}
