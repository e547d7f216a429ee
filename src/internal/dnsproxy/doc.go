// Package dnsproxy listens for plain DNS queries on UDP and TCP and forwards
// them to a DNS-over-HTTPS upstream.
//
// Key features:
//   - Bounded concurrency for UDP queries (excess queries are dropped)
//   - Several length-prefixed queries per TCP connection
//   - SERVFAIL answers when the upstream cannot be reached
//   - Response truncation to the client's advertised UDP size
//   - Periodic statistics log line
package dnsproxy
