// Package config handles configuration file parsing and validation for keen-doh.
//
// The configuration is a TOML file with these sections:
//   - [general]: logging and statistics
//   - [listen]: the plain DNS listener
//   - [upstream]: the DoH resolver URL and HTTP client settings
//   - [bootstrap]: plain DNS servers used to resolve the resolver host
//   - [source] and [source.bootstrap]: source addresses for outbound sockets
//   - [api]: the optional status API
//   - [redirect]: optional iptables REDIRECT of port 53
//
// Every section is optional; getters apply defaults. Command-line flags
// override values read from the file.
//
// Example:
//
//	[upstream]
//	resolver_url = "https://dns.google/dns-query"
//
//	[bootstrap]
//	servers = ["8.8.8.8", "2001:4860:4860::8888"]
//
//	[source]
//	addr = "192.168.1.1"
//
// With this configuration the IPv6 bootstrap server is skipped with a warning:
// an IPv4 source address cannot reach it.
package config
