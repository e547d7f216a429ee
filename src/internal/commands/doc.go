// Package commands implements CLI command handlers for keen-doh.
//
// Each command implements the Runner interface:
//   - Init(): parse arguments, load the configuration and apply flag overrides
//   - Run(): execute the command
//   - Name(): return the command name for routing
//
// # Available Commands
//
//   - service: run the DNS listener, the bootstrap refresher and the optional API and redirect
//   - check-source: print the binding decision for every bootstrap server and resolver address
//   - resolve: resolve the resolver host once through the bootstrap servers
//
// # Example Usage
//
//	cmd := commands.CreateCheckSourceCommand()
//	ctx := &commands.AppContext{
//	    ConfigPath: "/opt/etc/keen-doh/keen-doh.toml",
//	}
//	if err := cmd.Init([]string{"-source-addr", "192.168.1.1"}, ctx); err != nil {
//	    log.Fatalf("Init failed: %v", err)
//	}
//	if err := cmd.Run(); err != nil {
//	    log.Fatalf("Run failed: %v", err)
//	}
package commands
