package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/maksimkurb/keen-doh/src/internal/api"
	"github.com/maksimkurb/keen-doh/src/internal/commands"
	"github.com/maksimkurb/keen-doh/src/internal/errors"
	"github.com/maksimkurb/keen-doh/src/internal/log"
)

var (
	version = "dev"
	commit  = "n/a"
	date    = "n/a"
)

func main() {
	ctx := &commands.AppContext{}

	flag.StringVar(&ctx.ConfigPath, "config", commands.DefaultConfigPath, "Path to configuration file")
	flag.BoolVar(&ctx.Verbose, "verbose", false, "Enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "DNS-over-HTTPS forwarding proxy with source address binding\n")
		fmt.Fprintf(os.Stderr, "Version: %s (Commit: %s, Date: %s)\n\n", version, commit, date)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [command options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  service                 Run the DNS listener and forward queries to the DoH resolver\n")
		fmt.Fprintf(os.Stderr, "  check-source            Show the source binding decision for every bootstrap and resolver connection\n")
		fmt.Fprintf(os.Stderr, "  resolve [host]          Resolve the resolver host (or host) through the bootstrap servers\n")
		fmt.Fprintf(os.Stderr, "\nRun '%s <command> -h' for command options.\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if ctx.Verbose {
		log.SetVerbose(true)
	}

	api.Version, api.Commit, api.Date = version, commit, date

	cmds := []commands.Runner{
		commands.CreateServiceCommand(),
		commands.CreateCheckSourceCommand(),
		commands.CreateResolveCommand(),
	}

	args := flag.Args()

	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	subcommand := args[0]
	for _, cmd := range cmds {
		if cmd.Name() == subcommand {
			if err := cmd.Init(args[1:], ctx); err != nil {
				log.Fatalf("Failed to initialize command: %v", err)
			}

			if err := cmd.Run(); err != nil {
				if errors.HasCode(err, errors.ErrCodeBind) {
					log.Errorf("%v", err)
					log.Sync()
					os.Exit(2)
				}
				log.Fatalf("Failed to run command: %v", err)
			}

			log.Sync()
			os.Exit(0)
		}
	}

	log.Fatalf("Unknown subcommand: %s", subcommand)
}
